package commands

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/config"
	"nvrproc/internal/events"
	"nvrproc/internal/pipeline"
)

// statusPublisher is the narrow slice of controlplane.ControlPlane the
// template needs, kept as an interface so tests can assert status
// transitions without a real bus.
type statusPublisher interface {
	PublishStatus(status events.Status) error
}

// restartTimeout bounds how long a reconfiguring command's restart may
// take before the handler gives up and reports RestartFailed; RTSP
// reconnects can take tens of seconds per spec.md §4.2, so this is
// generous.
const restartTimeout = 60 * time.Second

// Deps bundles the collaborators every handler needs: the mutable
// config, the pipeline manager, the status publisher, and a logger.
type Deps struct {
	Config   *config.ProcessorConfig
	Pipeline *pipeline.Manager
	Status   statusPublisher
	Log      *zap.Logger
}

// pipelineConfig derives a pipeline.Config from the current
// ProcessorConfig and sink callback, per spec.md §4.2's
// init(video_references, model_id, on_prediction, max_fps,
// source_id_mapping) argument list.
func (d Deps) pipelineConfig(onPrediction pipeline.PredictionFunc) pipeline.Config {
	sources := d.Config.StreamSources()
	refs := make(map[int]string, len(sources))
	for _, id := range sources {
		refs[id] = d.Config.StreamURI(id)
	}
	return pipeline.Config{
		VideoReferences: refs,
		ModelID:         d.Config.ModelIDNow(),
		MaxFPS:          d.Config.MaxFPSNow(),
		OnPrediction:    onPrediction,
	}
}

// reconfigureTemplate implements the shared handler shape of spec.md
// §4.3: validate → backup → publish_status(reconfiguring) → apply →
// pipeline_manager.restart_with_coordination() → on success publish
// running and return nil; on restart failure restore the backup,
// publish status error, and return a RestartFailed Error.
//
// validate returns a *Error immediately (no state change, no restart) if
// the command's parameters are invalid. apply mutates d.Config in place
// and must be idempotent-safe to call exactly once.
func reconfigureTemplate(ctx context.Context, d Deps, onPrediction pipeline.PredictionFunc, validate func() *Error, apply func()) error {
	if err := validate(); err != nil {
		return err
	}

	if d.Pipeline.IsRestarting() {
		return newError(KindRestartInProgress, "a restart is already in progress")
	}

	backup := d.Config.Snapshot()

	if err := d.Status.PublishStatus(events.StatusReconfiguring); err != nil {
		d.Log.Warn("publish reconfiguring status failed", zap.Error(err))
	}

	apply()

	restartCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()

	if err := d.Pipeline.RestartWithCoordination(restartCtx, d.pipelineConfig(onPrediction)); err != nil {
		d.Config.Restore(backup)
		if statusErr := d.Status.PublishStatus(events.StatusError); statusErr != nil {
			d.Log.Warn("publish error status failed", zap.Error(statusErr))
		}
		return newError(KindRestartFailed, "%v", err)
	}

	if err := d.Status.PublishStatus(events.StatusRunning); err != nil {
		d.Log.Warn("publish running status failed", zap.Error(err))
	}
	return nil
}
