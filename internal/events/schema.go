// Package events defines the wire schema published and consumed on the
// control/detection bus: DetectionEvent, Detection, BoundingBox, the
// command/status/ack envelopes, and the topic layout of spec.md §6.
package events

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// BoundingBox is a detection's location in source pixel units.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single object detection within a frame.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	TrackerID  *int64      `json:"tracker_id,omitempty"`
}

// DetectionEvent is produced once per inference result, per source.
//
// Timestamp is the time the processor received the inference result for
// the frame: pipeline.Prediction carries no frame capture time, so the
// capture time itself is not published. ModelID always reflects the model
// configured at the instant of publish (see
// internal/sink for why this must be read through a live config
// reference rather than captured by value).
type DetectionEvent struct {
	SourceID        int         `json:"source_id"`
	FrameID         uint64      `json:"frame_id"`
	Timestamp       time.Time   `json:"timestamp"`
	ModelID         string      `json:"model_id"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	Detections      []Detection `json:"detections"`
	FPS             *float64    `json:"fps,omitempty"`
	LatencyMs       *float64    `json:"latency_ms,omitempty"`
}

// MarshalLogObject lets zap log a DetectionEvent structurally without a
// second JSON pass.
func (e DetectionEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("source_id", e.SourceID)
	enc.AddUint64("frame_id", e.FrameID)
	enc.AddTime("timestamp", e.Timestamp)
	enc.AddString("model_id", e.ModelID)
	enc.AddFloat64("inference_time_ms", e.InferenceTimeMs)
	enc.AddInt("detection_count", len(e.Detections))
	return nil
}

// Status is the enumerated lifecycle state of a processor instance.
type Status string

const (
	StatusConnected     Status = "connected"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusReconfiguring Status = "reconfiguring"
	StatusStopped       Status = "stopped"
	StatusError         Status = "error"
)

// StatusMessage is published retained on control_status_topic/{instance_id}.
type StatusMessage struct {
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instance_id"`
}

// AckStatus is the terminal or initial state of a command acknowledgement.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckCompleted AckStatus = "completed"
	AckError     AckStatus = "error"
)

// CommandAck is published on control_status_topic/{instance_id}/ack.
type CommandAck struct {
	Command      string    `json:"command"`
	AckStatus    AckStatus `json:"ack_status"`
	Timestamp    time.Time `json:"timestamp"`
	InstanceID   string    `json:"instance_id"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// CommandEnvelope is the inbound message on the command topic.
type CommandEnvelope struct {
	Command         string                 `json:"command"`
	Params          map[string]interface{} `json:"params,omitempty"`
	TargetInstances []string               `json:"target_instances,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
}

// TargetsInstance reports whether this envelope is addressed to instanceID,
// per spec.md §4.1 step 3: absent target_instances, a "*" wildcard, or an
// explicit match all count as accepted.
func (e CommandEnvelope) TargetsInstance(instanceID string) bool {
	if len(e.TargetInstances) == 0 {
		return true
	}
	for _, t := range e.TargetInstances {
		if t == "*" || t == instanceID {
			return true
		}
	}
	return false
}

// LightweightMetrics is the periodic record published retained to
// nvr/status/metrics.
type LightweightMetrics struct {
	Timestamp           time.Time       `json:"timestamp"`
	InferenceThroughput float64         `json:"inference_throughput"`
	AvgLatencyMs        float64         `json:"avg_latency_ms"`
	PerSourceLatencyMs  []SourceLatency `json:"per_source_latency_ms"`
}

// SourceLatency is a single (source_id, latency_ms) pair.
type SourceLatency struct {
	SourceID  int     `json:"source_id"`
	LatencyMs float64 `json:"latency_ms"`
}

// FullMetrics is the on-demand record published non-retained in response
// to the "metrics" command.
type FullMetrics struct {
	Timestamp           time.Time        `json:"timestamp"`
	InferenceThroughput float64          `json:"inference_throughput"`
	LatencyReports      []LatencyReport  `json:"latency_reports"`
	SourcesMetadata     []SourceMetadata `json:"sources_metadata"`
	StatusUpdates       []StatusUpdate   `json:"status_updates"`
}

// LatencyReport breaks down per-source latency across the pipeline stages.
type LatencyReport struct {
	SourceID               int     `json:"source_id"`
	FrameDecodingLatencyMs float64 `json:"frame_decoding_latency_ms"`
	InferenceLatencyMs     float64 `json:"inference_latency_ms"`
	E2ELatencyMs           float64 `json:"e2e_latency_ms"`
}

// SourceMetadata describes a currently configured stream source.
type SourceMetadata struct {
	SourceID   int     `json:"source_id"`
	FPS        float64 `json:"fps"`
	Resolution string  `json:"resolution"`
}

// Severity is the level of a StatusUpdate.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// StatusUpdate is a free-form health note surfaced in a full metrics report.
type StatusUpdate struct {
	SourceID int      `json:"source_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// PingResponse answers the "ping" discovery command.
type PingResponse struct {
	InstanceID string    `json:"instance_id"`
	ModelID    string    `json:"model_id"`
	Streams    []int     `json:"streams"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}
