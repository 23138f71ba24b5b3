// Package httpengine implements pipeline.Handle against an external
// HTTP inference service: one goroutine per configured source polls its
// RTSP-proxy stream reference on an interval and POSTs it for inference.
// Grounded on the teacher's internal/detection/yolo_detector.go
// (http.Client with a generous timeout, JSON-POST-and-decode shape),
// adapted from a per-frame multipart image upload to a per-tick
// reference-URL upload since this boundary treats the inference engine
// as an opaque external collaborator (spec.md §6) rather than something
// this repo feeds raw frames to directly.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nvrproc/internal/pipeline"
)

// requestTimeout bounds a single inference round-trip; longer than a
// typical web request because GPU inference can be slow, matching the
// teacher's 15s YOLODetector client timeout.
const requestTimeout = 15 * time.Second

// inferenceRequest is POSTed once per tick per source.
type inferenceRequest struct {
	SourceID  int    `json:"source_id"`
	StreamURI string `json:"stream_uri"`
	ModelID   string `json:"model_id"`
}

// inferenceResponse is the inference service's reply.
type inferenceResponse struct {
	InferenceTimeMs float64 `json:"inference_time_ms"`
	Detections      []struct {
		ClassName  string  `json:"class_name"`
		Confidence float64 `json:"confidence"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
	} `json:"detections"`
}

// Handle polls an HTTP inference endpoint on behalf of every configured
// source.
type Handle struct {
	endpoint string
	client   *http.Client
	cfg      pipeline.Config

	mu     sync.Mutex
	paused map[int]bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFactory returns a pipeline.Factory bound to the given inference
// service endpoint (e.g. "http://inference:8000").
func NewFactory(endpoint string) pipeline.Factory {
	return func(cfg pipeline.Config) (pipeline.Handle, error) {
		return &Handle{
			endpoint: endpoint,
			client:   &http.Client{Timeout: requestTimeout},
			cfg:      cfg,
			paused:   make(map[int]bool),
		}, nil
	}
}

// Start launches one polling goroutine per source and returns once they
// are all running; callers should still expect Start itself to take a
// while in a real deployment (RTSP source negotiation upstream of this
// adapter), per spec.md §4.2.
func (h *Handle) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	interval := 200 * time.Millisecond
	if h.cfg.MaxFPS > 0 {
		interval = time.Duration(float64(time.Second) / h.cfg.MaxFPS)
	}

	var wg sync.WaitGroup
	for sourceID, uri := range h.cfg.VideoReferences {
		wg.Add(1)
		go h.pollSource(runCtx, &wg, sourceID, uri, interval)
	}

	go func() {
		wg.Wait()
		close(h.done)
	}()
	return nil
}

func (h *Handle) pollSource(ctx context.Context, wg *sync.WaitGroup, sourceID int, uri string, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var frameID uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			paused := h.paused[sourceID]
			h.mu.Unlock()
			if paused {
				continue
			}
			frameID++
			result, err := h.infer(ctx, sourceID, uri)
			if err != nil {
				continue
			}
			if h.cfg.OnPrediction != nil {
				h.cfg.OnPrediction(sourceID, pipeline.Prediction{
					FrameID:         frameID,
					InferenceTimeMs: result.InferenceTimeMs,
					Detections:      result.detections(),
				})
			}
		}
	}
}

func (h *Handle) infer(ctx context.Context, sourceID int, uri string) (*inferenceResponse, error) {
	body, err := json.Marshal(inferenceRequest{
		SourceID:  sourceID,
		StreamURI: uri,
		ModelID:   h.cfg.ModelID,
	})
	if err != nil {
		return nil, fmt.Errorf("httpengine: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpengine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpengine: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpengine: unexpected status %d", resp.StatusCode)
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("httpengine: decode response: %w", err)
	}
	return &out, nil
}

func (r *inferenceResponse) detections() []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		out = append(out, pipeline.Detection{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			W:          d.Width,
			H:          d.Height,
		})
	}
	return out
}

// PauseStream marks sourceID paused.
func (h *Handle) PauseStream(sourceID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused[sourceID] = true
	return nil
}

// ResumeStream clears the pause marker for sourceID.
func (h *Handle) ResumeStream(sourceID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused[sourceID] = false
	return nil
}

// Terminate cancels every polling goroutine and waits for them to exit.
func (h *Handle) Terminate(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join signals completion once every polling goroutine has exited.
func (h *Handle) Join() <-chan error {
	out := make(chan error, 1)
	go func() {
		if h.done != nil {
			<-h.done
		}
		out <- nil
	}()
	return out
}

// Stats reports zero latency for every configured source and zero
// inference throughput; this adapter does not record the timing of its
// requests.
func (h *Handle) Stats() pipeline.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSource := make(map[int]float64, len(h.cfg.VideoReferences))
	for id := range h.cfg.VideoReferences {
		perSource[id] = 0
	}
	return pipeline.Stats{PerSourceLatencyMs: perSource}
}
