package httpengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nvrproc/internal/pipeline"
)

func TestHandlePostsOneRequestPerTickAndDecodesDetections(t *testing.T) {
	var mu sync.Mutex
	var gotRequests []inferenceRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		mu.Lock()
		gotRequests = append(gotRequests, req)
		mu.Unlock()

		json.NewEncoder(w).Encode(inferenceResponse{
			InferenceTimeMs: 7.5,
			Detections: []struct {
				ClassName  string  `json:"class_name"`
				Confidence float64 `json:"confidence"`
				X          float64 `json:"x"`
				Y          float64 `json:"y"`
				Width      float64 `json:"width"`
				Height     float64 `json:"height"`
			}{
				{ClassName: "car", Confidence: 0.77, X: 1, Y: 2, Width: 3, Height: 4},
			},
		})
	}))
	defer srv.Close()

	var predictionsMu sync.Mutex
	var predictions []pipeline.Prediction

	factory := NewFactory(srv.URL)
	handle, err := factory(pipeline.Config{
		VideoReferences: map[int]string{0: "rtsp-proxy/0"},
		ModelID:         "yolov8n",
		MaxFPS:          50,
		OnPrediction: func(sourceID int, p pipeline.Prediction) {
			predictionsMu.Lock()
			predictions = append(predictions, p)
			predictionsMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := handle.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		predictionsMu.Lock()
		n := len(predictions)
		predictionsMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := handle.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	predictionsMu.Lock()
	defer predictionsMu.Unlock()
	if len(predictions) == 0 {
		t.Fatal("no predictions delivered before deadline")
	}
	p := predictions[0]
	if p.InferenceTimeMs != 7.5 {
		t.Errorf("InferenceTimeMs = %v, want 7.5", p.InferenceTimeMs)
	}
	if len(p.Detections) != 1 || p.Detections[0].ClassName != "car" {
		t.Fatalf("Detections = %+v, want one car detection", p.Detections)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotRequests) == 0 {
		t.Fatal("inference endpoint never received a request")
	}
	if gotRequests[0].StreamURI != "rtsp-proxy/0" || gotRequests[0].ModelID != "yolov8n" {
		t.Errorf("request = %+v, want stream_uri/model_id forwarded from config", gotRequests[0])
	}
}

func TestPauseStreamStopsPolling(t *testing.T) {
	var count int32Counter

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.inc()
		json.NewEncoder(w).Encode(inferenceResponse{})
	}))
	defer srv.Close()

	factory := NewFactory(srv.URL)
	handle, err := factory(pipeline.Config{
		VideoReferences: map[int]string{0: "rtsp-proxy/0"},
		MaxFPS:          200,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := handle.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := handle.PauseStream(0); err != nil {
		t.Fatalf("PauseStream: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	paused := count.get()

	time.Sleep(100 * time.Millisecond)
	if got := count.get(); got != paused {
		t.Errorf("request count grew from %d to %d while paused", paused, got)
	}

	if err := handle.ResumeStream(0); err != nil {
		t.Fatalf("ResumeStream: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for count.get() == paused && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count.get() == paused {
		t.Error("no new requests after ResumeStream")
	}
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
