package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// terminateTimeout bounds how long Terminate waits before the manager
// considers cleanup forced, per spec.md §9 ("terminate() has a bounded
// wait (≈10s) before escalating to forced cleanup").
const terminateTimeout = 10 * time.Second

// generation wraps a Handle with an identity (Generation()) that tells
// pipeline handles apart across restarts. The join loop's dual-condition
// check (is_restarting OR "a restart happened") uses Attempt() rather than
// this id, because a failed restart installs no new generation.
type generation struct {
	id     uint64
	handle Handle
}

// Manager owns the single DetectionPipeline Handle a processor runs and
// implements spec.md §4.2's restart_with_coordination primitive. The
// handle is written only from the bus callback thread (inside a command
// handler) and read from the main thread's join loop; both sides
// synchronize through is_restarting and current, which are atomics so
// writes publish across cores without a mutex on the hot join-loop read
// path (§9: "the single most important lesson from the source history").
type Manager struct {
	factory Factory
	log     *zap.Logger

	isRestarting atomic.Bool
	current      atomic.Pointer[generation]
	nextGenID    atomic.Uint64
	attempt      atomic.Uint64
}

// NewManager constructs a Manager bound to factory, the Handle
// constructor selected at composition time (httpengine or fake).
func NewManager(factory Factory, log *zap.Logger) *Manager {
	return &Manager{factory: factory, log: log}
}

// Start constructs and starts the first pipeline generation. Per §4.6
// this may block for tens of seconds; callers (internal/app's composition
// root) must not run it on a path that needs to return quickly.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	h, err := m.factory(cfg)
	if err != nil {
		return fmt.Errorf("pipeline: construct: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start: %w", err)
	}
	gen := &generation{id: m.nextGenID.Add(1), handle: h}
	m.current.Store(gen)
	return nil
}

// Current returns the live handle, or nil before the first Start.
func (m *Manager) Current() Handle {
	g := m.current.Load()
	if g == nil {
		return nil
	}
	return g.handle
}

// Pause gates the pipeline-level half of the two-level pause (spec.md
// §4.4/§9): the sink-level gate stops publishing immediately, and this
// stops the pipeline's own internal buffering of the paused source.
func (m *Manager) Pause(sourceID int) error {
	h := m.Current()
	if h == nil {
		return fmt.Errorf("pipeline: no active pipeline")
	}
	return h.PauseStream(sourceID)
}

// Resume reverses Pause.
func (m *Manager) Resume(sourceID int) error {
	h := m.Current()
	if h == nil {
		return fmt.Errorf("pipeline: no active pipeline")
	}
	return h.ResumeStream(sourceID)
}

// Terminate stops the current pipeline, used on final shutdown (not
// restart — restart goes through RestartWithCoordination).
func (m *Manager) Terminate(ctx context.Context) error {
	h := m.Current()
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, terminateTimeout)
	defer cancel()
	return h.Terminate(ctx)
}

// Stats returns the current handle's metrics snapshot, or a zero value
// if no pipeline is installed yet.
func (m *Manager) Stats() Stats {
	h := m.Current()
	if h == nil {
		return Stats{}
	}
	return h.Stats()
}

// IsRestarting reports whether a restart is currently in flight; the join
// loop reads this as one half of its dual-condition shutdown check.
func (m *Manager) IsRestarting() bool {
	return m.isRestarting.Load()
}

// Generation returns an opaque identity for the current handle, or 0 if
// no pipeline is installed (including the parked state left by a failed
// restart attempt).
func (m *Manager) Generation() uint64 {
	g := m.current.Load()
	if g == nil {
		return 0
	}
	return g.id
}

// Attempt returns a counter that advances on every call to
// RestartWithCoordination, success or failure — the join loop's
// dual-condition check compares this instead of Generation() so a
// failed attempt (which installs no new generation) still registers as
// "a restart happened here" rather than looking identical to no restart
// at all.
func (m *Manager) Attempt() uint64 {
	return m.attempt.Load()
}

// RestartWithCoordination is the single authoritative restart primitive
// of spec.md §4.2: flip is_restarting before terminating the old
// pipeline, terminate it, construct+start the new one from the
// (already-mutated) config, and only then clear is_restarting — after the
// new handle is installed, so the join loop never observes a window with
// is_restarting=false and a stale handle.
//
// On Start failure the old generation is torn down and current is
// cleared to nil rather than left pointing at the terminated handle —
// the processor has no installed pipeline until a subsequent reconfigure
// (e.g. a recovering change_model) succeeds, matching §4.2's failed-
// restart scenario: the node parks rather than exits. The caller (a
// command handler, per §4.3's template) is responsible for restoring its
// own config mutation and acking error.
func (m *Manager) RestartWithCoordination(ctx context.Context, cfg Config) error {
	m.isRestarting.Store(true)
	defer m.isRestarting.Store(false)
	m.attempt.Add(1)

	if err := m.Terminate(ctx); err != nil {
		m.log.Warn("terminate during restart reported an error, continuing", zap.Error(err))
	}
	m.current.Store(nil)

	h, err := m.factory(cfg)
	if err != nil {
		return fmt.Errorf("pipeline: restart construct: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: restart start: %w", err)
	}

	gen := &generation{id: m.nextGenID.Add(1), handle: h}
	m.current.Store(gen)
	return nil
}

// WaitForRestart busy-waits with a short sleep until is_restarting clears,
// per §9's join-loop handling: "if restart: busy-wait with a short sleep
// until is_restarting is false, then re-enter the loop with the new
// handle."
func (m *Manager) WaitForRestart(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for m.IsRestarting() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
