// Package pipeline owns the single DetectionPipeline a processor runs,
// its start/pause/resume/terminate lifecycle, and the restart-coordination
// primitive of spec.md §4.2. Grounded on the teacher's
// internal/pipeline/interfaces.go (FrameProvider/FrameSubscription
// channel shape, PipelineManager contract) and
// internal/pipeline/detection_pipeline.go's DetectionPipelineManager,
// collapsed from a map of per-camera pipelines to the single pipeline
// this spec describes, and extended with the restart-coordination and
// dual-condition join-loop handshake the teacher never needed.
package pipeline

import "context"

// Config is everything a Handle needs to start, mirroring spec.md §4.2's
// init(video_references, model_id, on_prediction, max_fps,
// source_id_mapping) argument list.
type Config struct {
	VideoReferences map[int]string // source_id -> stream URI
	ModelID         string
	MaxFPS          float64
	OnPrediction    PredictionFunc
}

// PredictionFunc is invoked by a Handle once per inference result; it is
// the boundary that internal/sink.DetectionSink.OnPrediction satisfies.
type PredictionFunc func(sourceID int, result Prediction)

// Prediction is the minimal shape a Handle hands back per inference; the
// sink translates it into events.DetectionEvent.
type Prediction struct {
	FrameID         uint64
	InferenceTimeMs float64
	Detections      []Detection
}

// Detection mirrors events.Detection without importing the events
// package, keeping this package's external-collaborator boundary (spec.md
// §6) free of the bus wire format.
type Detection struct {
	ClassName  string
	Confidence float64
	X, Y, W, H float64
}

// Stats exposes the throughput/latency metadata spec.md §6 requires of
// the external DetectionPipeline collaborator.
type Stats struct {
	InferenceThroughput float64
	PerSourceLatencyMs  map[int]float64
}

// Handle is the external DetectionPipeline capability consumed at the
// interface spec.md §6 describes; concrete realizations live in
// internal/pipeline/httpengine (an HTTP-POST inference backend) and
// internal/pipeline/fake (a synthetic generator for tests).
type Handle interface {
	// Start may block for tens of seconds while RTSP sources connect;
	// callers must not assume it returns quickly.
	Start(ctx context.Context) error

	PauseStream(sourceID int) error
	ResumeStream(sourceID int) error

	// Terminate stops the pipeline cleanly; idempotent.
	Terminate(ctx context.Context) error

	// Join blocks until the pipeline exits on its own (error) or is
	// terminated. The main loop treats an unexpected Join return as a
	// shutdown signal unless a restart is in flight (see Manager).
	Join() <-chan error

	Stats() Stats
}

// Factory constructs a new Handle from the given config; Manager calls
// this on first start and on every restart.
type Factory func(Config) (Handle, error)
