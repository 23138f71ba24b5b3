// Package fake provides a synthetic pipeline.Handle realization for
// tests: a ticker-per-source goroutine that invokes OnPrediction on a
// schedule instead of talking to a real inference backend. Grounded on
// the teacher's internal/pipeline/interfaces.go FrameProvider/
// FrameSubscription channel-per-source shape, simplified to a ticker
// since there is no real frame source to subscribe to in tests.
package fake

import (
	"context"
	"sync"
	"time"

	"nvrproc/internal/pipeline"
)

// Handle is a deterministic, in-memory pipeline.Handle. Sources publish a
// synthetic Prediction on each tick unless paused.
type Handle struct {
	cfg pipeline.Config

	mu      sync.Mutex
	paused  map[int]bool
	cancel  context.CancelFunc
	done    chan struct{}
	joinErr chan error
}

// Factory returns a pipeline.Factory that builds fake handles, for
// wiring into pipeline.NewManager in tests or cmd/processor's --engine=fake mode.
func Factory() pipeline.Factory {
	return func(cfg pipeline.Config) (pipeline.Handle, error) {
		return &Handle{
			cfg:     cfg,
			paused:  make(map[int]bool),
			joinErr: make(chan error, 1),
		}, nil
	}
}

// Start launches one ticking goroutine per configured source. It returns
// immediately (unlike a real RTSP-backed pipeline, which may block for
// tens of seconds) since fakes exist to make tests fast.
func (h *Handle) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	interval := 100 * time.Millisecond
	if h.cfg.MaxFPS > 0 {
		interval = time.Duration(float64(time.Second) / h.cfg.MaxFPS)
	}

	var wg sync.WaitGroup
	for sourceID := range h.cfg.VideoReferences {
		wg.Add(1)
		go h.runSource(runCtx, &wg, sourceID, interval)
	}

	go func() {
		wg.Wait()
		close(h.done)
	}()
	return nil
}

func (h *Handle) runSource(ctx context.Context, wg *sync.WaitGroup, sourceID int, interval time.Duration) {
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
			if h.cfg.OnPrediction != nil {
				h.cfg.OnPrediction(sourceID, pipeline.Prediction{
					FrameID:         frameID,
					InferenceTimeMs: 5,
					Detections: []pipeline.Detection{
						{ClassName: "person", Confidence: 0.91, X: 10, Y: 10, W: 40, H: 80},
					},
				})
			}
		}
	}
}

// PauseStream marks sourceID as paused; runSource skips ticks for it.
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

// Terminate cancels all source goroutines and waits for them to exit.
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

// Join signals exit only when Terminate has completed; a fake pipeline
// never fails on its own.
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

// Stats returns a static, plausible metrics snapshot.
func (h *Handle) Stats() pipeline.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSource := make(map[int]float64, len(h.cfg.VideoReferences))
	for id := range h.cfg.VideoReferences {
		perSource[id] = 5
	}
	return pipeline.Stats{
		InferenceThroughput: float64(len(h.cfg.VideoReferences)) * 10,
		PerSourceLatencyMs:  perSource,
	}
}
