package wall

import "nvrproc/internal/events"

// envelopeType discriminates the two broadcast shapes a browser client can
// receive, mirroring the teacher's typed DetectionMessage/FrameMessage
// Type field (internal/ws/message.go) but wrapping the bus wire schema of
// internal/events instead of defining a parallel payload shape.
type envelopeType string

const (
	envelopeDetection envelopeType = "detection"
	envelopeStatus    envelopeType = "status"
)

// detectionEnvelope is what the Bridge marshals and hands to
// BroadcastDetection: the bus's DetectionEvent (which carries its own
// source_id) tagged with a discriminator, so an "all sources" client can
// tell detections from status updates.
type detectionEnvelope struct {
	Type  envelopeType          `json:"type"`
	Event events.DetectionEvent `json:"event"`
}

// statusEnvelope wraps a StatusMessage the same way.
type statusEnvelope struct {
	Type    envelopeType         `json:"type"`
	Message events.StatusMessage `json:"message"`
}

func newDetectionEnvelope(event events.DetectionEvent) detectionEnvelope {
	return detectionEnvelope{Type: envelopeDetection, Event: event}
}

func newStatusEnvelope(msg events.StatusMessage) statusEnvelope {
	return statusEnvelope{Type: envelopeStatus, Message: msg}
}
