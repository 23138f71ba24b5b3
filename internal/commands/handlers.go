package commands

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/controlplane"
	"nvrproc/internal/events"
	"nvrproc/internal/pipeline"
	"nvrproc/internal/sink"
)

// instanceRenamer is the slice of controlplane.ControlPlane rename_instance,
// ping, and metrics need beyond statusPublisher.
type instanceRenamer interface {
	statusPublisher
	SetInstanceID(newID string)
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

// MetricsSnapshotter supplies the on-demand full metrics report for the
// metrics handler; internal/metrics.Reporter implements it.
type MetricsSnapshotter interface {
	FullReport() events.FullMetrics
}

// Registry builds the set of handlers the composition root registers on
// a ControlPlane for every command named in spec.md §4.3's table.
type Registry struct {
	deps         Deps
	cp           instanceRenamer
	sink         *sink.DetectionSink
	metrics      MetricsSnapshotter
	onPrediction pipeline.PredictionFunc
	topics       events.Topics
	requestExit  func()
}

// NewRegistry constructs the full set of command handlers. cp must be
// the same *controlplane.ControlPlane the processor uses to publish
// status/acks, since rename_instance mutates its instance id directly.
// requestExit is invoked once by the stop handler to signal
// internal/app's join loop to shut down cleanly.
func NewRegistry(deps Deps, cp *controlplane.ControlPlane, snk *sink.DetectionSink, metrics MetricsSnapshotter, onPrediction pipeline.PredictionFunc, topics events.Topics, requestExit func()) *Registry {
	return &Registry{
		deps:         deps,
		cp:           cp,
		sink:         snk,
		metrics:      metrics,
		onPrediction: onPrediction,
		topics:       topics,
		requestExit:  requestExit,
	}
}

// RegisterAll registers every handler on target (normally the same
// ControlPlane passed to NewRegistry).
func (r *Registry) RegisterAll(target interface {
	Register(command string, h controlplane.Handler)
}) {
	target.Register("pause", r.pause)
	target.Register("resume", r.resume)
	target.Register("stop", r.stop)
	target.Register("status", r.status)
	target.Register("restart", r.restart)
	target.Register("change_model", r.changeModel)
	target.Register("set_fps", r.setFPS)
	target.Register("add_stream", r.addStream)
	target.Register("remove_stream", r.removeStream)
	target.Register("ping", r.ping)
	target.Register("rename_instance", r.renameInstance)
	target.Register("metrics", r.metricsCmd)
}

// currentStatus derives the status the processor should report: running
// or paused, based on the sink's publish gate, the authoritative pause
// state per spec.md §9.
func (r *Registry) currentStatus() events.Status {
	if r.deps.Pipeline.Current() == nil {
		return events.StatusStopped
	}
	if r.sink.Running() {
		return events.StatusRunning
	}
	return events.StatusPaused
}

// pause pauses sink first (takes effect on the very next inference
// callback), then the pipeline itself (drains buffers), per §4.3's
// critical ordering note.
func (r *Registry) pause(_ events.CommandEnvelope) error {
	if r.deps.Pipeline.Current() == nil {
		return newError(KindNoPipeline, "no pipeline is running")
	}
	if !r.sink.Running() {
		return newError(KindAlreadyPaused, "pipeline is already paused")
	}
	r.sink.Pause()
	for _, id := range r.deps.Config.StreamSources() {
		if err := r.deps.Pipeline.Pause(id); err != nil {
			r.deps.Log.Warn("pipeline pause failed", zap.Int("source_id", id), zap.Error(err))
		}
	}
	return r.deps.Status.PublishStatus(events.StatusPaused)
}

// resume resumes the pipeline first (to begin refilling buffers), then
// the sink (to start publishing), the mirror image of pause's ordering.
func (r *Registry) resume(_ events.CommandEnvelope) error {
	if r.deps.Pipeline.Current() == nil {
		return newError(KindNoPipeline, "no pipeline is running")
	}
	if r.sink.Running() {
		return newError(KindNotPaused, "pipeline is not paused")
	}
	for _, id := range r.deps.Config.StreamSources() {
		if err := r.deps.Pipeline.Resume(id); err != nil {
			r.deps.Log.Warn("pipeline resume failed", zap.Int("source_id", id), zap.Error(err))
		}
	}
	r.sink.Resume()
	return r.deps.Status.PublishStatus(events.StatusRunning)
}

// stop terminates the pipeline, publishes stopped, and signals the
// process to exit via requestExit (internal/app's join loop observes it).
func (r *Registry) stop(_ events.CommandEnvelope) error {
	if r.deps.Pipeline.Current() == nil {
		return newError(KindNoPipeline, "no pipeline is running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()
	if err := r.deps.Pipeline.Terminate(ctx); err != nil {
		r.deps.Log.Warn("terminate during stop reported an error", zap.Error(err))
	}
	if err := r.deps.Status.PublishStatus(events.StatusStopped); err != nil {
		r.deps.Log.Warn("publish stopped status failed", zap.Error(err))
	}
	if r.requestExit != nil {
		r.requestExit()
	}
	return nil
}

// status republishes the retained status; it does not change state.
func (r *Registry) status(_ events.CommandEnvelope) error {
	return r.deps.Status.PublishStatus(r.currentStatus())
}

// restart recycles the same pipeline config via the restart-coordination
// primitive, with no parameter changes.
func (r *Registry) restart(_ events.CommandEnvelope) error {
	return reconfigureTemplate(context.Background(), r.deps, r.onPrediction, func() *Error { return nil }, func() {})
}

// changeModel mutates config.model_id then restarts.
func (r *Registry) changeModel(env events.CommandEnvelope) error {
	var modelID string
	return reconfigureTemplate(context.Background(), r.deps, r.onPrediction,
		func() *Error {
			v, ok := env.Params["model_id"].(string)
			if !ok {
				return newError(KindMissingParam, "model_id is required")
			}
			if v == "" {
				return newError(KindInvalidParam, "model_id must not be empty")
			}
			modelID = v
			return nil
		},
		func() { r.deps.Config.SetModelID(modelID) },
	)
}

// setFPS mutates config.max_fps then restarts.
func (r *Registry) setFPS(env events.CommandEnvelope) error {
	var fps float64
	return reconfigureTemplate(context.Background(), r.deps, r.onPrediction,
		func() *Error {
			v, ok := numericParam(env.Params["max_fps"])
			if !ok {
				return newError(KindMissingParam, "max_fps is required")
			}
			if v < 0 {
				return newError(KindInvalidParam, "max_fps must be >= 0")
			}
			fps = v
			return nil
		},
		func() { r.deps.Config.SetMaxFPS(fps) },
	)
}

// addStream adds source_id to stream_source_ids if absent, then restarts.
func (r *Registry) addStream(env events.CommandEnvelope) error {
	var sourceID int
	return reconfigureTemplate(context.Background(), r.deps, r.onPrediction,
		func() *Error {
			v, ok := numericParam(env.Params["source_id"])
			if !ok {
				return newError(KindMissingParam, "source_id is required")
			}
			sourceID = int(v)
			for _, id := range r.deps.Config.StreamSources() {
				if id == sourceID {
					return newError(KindAlreadyPresent, "source_id %d is already configured", sourceID)
				}
			}
			return nil
		},
		func() { r.deps.Config.AddStreamSource(sourceID) },
	)
}

// removeStream removes source_id if present, rejecting the command
// outright (no state change, no restart) if that would leave zero
// streams.
func (r *Registry) removeStream(env events.CommandEnvelope) error {
	var sourceID int
	return reconfigureTemplate(context.Background(), r.deps, r.onPrediction,
		func() *Error {
			v, ok := numericParam(env.Params["source_id"])
			if !ok {
				return newError(KindMissingParam, "source_id is required")
			}
			sourceID = int(v)
			found := false
			for _, id := range r.deps.Config.StreamSources() {
				if id == sourceID {
					found = true
					break
				}
			}
			if !found {
				return newError(KindNotPresent, "source_id %d is not configured", sourceID)
			}
			if len(r.deps.Config.StreamSources()) <= 1 {
				return newError(KindWouldBeEmpty, "removing source_id %d would leave zero streams", sourceID)
			}
			return nil
		},
		func() { r.deps.Config.RemoveStreamSource(sourceID) },
	)
}

// ping publishes a non-retained discovery response; it does not change
// state and never fails.
func (r *Registry) ping(_ events.CommandEnvelope) error {
	snap := r.deps.Config.Snapshot()
	resp := events.PingResponse{
		InstanceID: snap.InstanceID,
		ModelID:    snap.ModelID,
		Streams:    r.deps.Config.StreamSources(),
		Status:     r.currentStatus(),
		Timestamp:  time.Now().UTC(),
	}
	return r.cp.Publish(r.topics.Status(snap.InstanceID)+"/ping", 0, false, resp)
}

// renameInstance mutates config.instance_id and re-points the control
// plane's status/ack topics at the new name; it does not restart the
// pipeline.
func (r *Registry) renameInstance(env events.CommandEnvelope) error {
	newID, ok := env.Params["new_instance_id"].(string)
	if !ok {
		return newError(KindMissingParam, "new_instance_id is required")
	}
	if newID == "" {
		return newError(KindInvalidParam, "new_instance_id must not be empty")
	}
	r.deps.Config.SetInstanceID(newID)
	r.cp.SetInstanceID(newID)
	return r.deps.Status.PublishStatus(r.currentStatus())
}

// metricsCmd publishes a full, non-retained metrics report on demand,
// per spec.md §4.5.
func (r *Registry) metricsCmd(_ events.CommandEnvelope) error {
	snap := r.deps.Config.Snapshot()
	report := r.metrics.FullReport()
	return r.cp.Publish(r.topics.FullMetrics(snap.InstanceID), 1, false, report)
}

func numericParam(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
