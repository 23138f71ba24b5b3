// Package sink implements DetectionSink, the fire-and-forget bridge from
// the inference callback thread to the detection-event bus topics
// (spec.md §4.4). Grounded on the teacher's internal/pipeline/event_bus.go
// publish/filter shape, replaced with a single atomic publish gate since
// the destination here is a bus topic, not an in-process subscriber set.
package sink

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/config"
	"nvrproc/internal/events"
)

// Publisher is the narrow MQTT capability the sink needs, allowing tests
// to substitute a fake without standing up a broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

// Frame is the unit handed to the sink by the inference callback: one
// prediction batch plus the frame metadata it was computed from.
type Frame struct {
	SourceID        int
	FrameID         uint64
	Timestamp       time.Time
	InferenceTimeMs float64
	Detections      []events.Detection
	FPS             *float64
	LatencyMs       *float64
}

// DetectionSink publishes one DetectionEvent per source to
// detection_topic_prefix/{source_id}. It holds a reference (not a copy)
// to ProcessorConfig so ModelID is read live at publish time, per §4.4 —
// essential so change_model's new identifier appears on the very next
// event instead of whatever model_id existed when the sink was built.
type DetectionSink struct {
	cfg     *config.ProcessorConfig
	topics  events.Topics
	pub     Publisher
	log     *zap.Logger
	running atomic.Bool
}

// New constructs a sink wired to cfg (held by reference) and the shared
// bus publisher. The publish gate starts open, matching "running" as the
// default post-connect state.
func New(cfg *config.ProcessorConfig, topics events.Topics, pub Publisher, log *zap.Logger) *DetectionSink {
	s := &DetectionSink{cfg: cfg, topics: topics, pub: pub, log: log}
	s.running.Store(true)
	return s
}

// Pause closes the publish gate. Per spec.md §4.4/§9 this is the
// sink-level half of the two-level pause: it takes effect for the very
// next OnPrediction call, independent of whatever the pipeline itself is
// doing with its internal buffering.
func (s *DetectionSink) Pause() {
	s.running.Store(false)
}

// Resume reopens the publish gate.
func (s *DetectionSink) Resume() {
	s.running.Store(true)
}

// Running reports whether the publish gate is currently open; this is
// the authoritative pause state for the pause/resume handlers (spec.md
// §9) — there is no separate is_paused flag to drift out of sync with it.
func (s *DetectionSink) Running() bool {
	return s.running.Load()
}

// OnPrediction is the callback handed to the pipeline at construction
// time (spec.md §4.2's on_prediction argument to init). It is invoked
// from the inference-callback thread, never from the bus callback thread,
// so all config reads here go through the exported reference accessors.
func (s *DetectionSink) OnPrediction(f Frame) {
	if !s.running.Load() {
		return
	}

	evt := events.DetectionEvent{
		SourceID:        f.SourceID,
		FrameID:         f.FrameID,
		Timestamp:       f.Timestamp,
		ModelID:         s.cfg.ModelIDNow(),
		InferenceTimeMs: f.InferenceTimeMs,
		Detections:      f.Detections,
		FPS:             f.FPS,
		LatencyMs:       f.LatencyMs,
	}

	topic := s.topics.Detection(f.SourceID)
	if err := s.pub.Publish(topic, 0, false, evt); err != nil {
		s.log.Warn("detection publish failed", zap.String("topic", topic), zap.Error(err), zap.Object("event", evt))
		return
	}
	if s.log.Core().Enabled(zap.DebugLevel) {
		s.log.Debug("detection published", zap.Object("event", evt))
	}
}
