package events

import "fmt"

// Topics centralizes the bus topic layout of spec.md §6 so every
// producer/consumer derives topic strings from the same configured
// prefixes instead of hand-building them.
type Topics struct {
	ControlCommandTopic  string
	ControlStatusTopic   string
	MetricsTopic         string
	DetectionTopicPrefix string
}

// Command returns the single shared command topic.
func (t Topics) Command() string {
	return t.ControlCommandTopic
}

// Status returns the retained per-instance status topic.
func (t Topics) Status(instanceID string) string {
	return fmt.Sprintf("%s/%s", t.ControlStatusTopic, instanceID)
}

// Ack returns the per-instance, non-retained ACK topic.
func (t Topics) Ack(instanceID string) string {
	return fmt.Sprintf("%s/%s/ack", t.ControlStatusTopic, instanceID)
}

// FullMetrics returns the per-instance on-demand metrics sub-topic.
func (t Topics) FullMetrics(instanceID string) string {
	return fmt.Sprintf("%s/%s/metrics", t.ControlStatusTopic, instanceID)
}

// LightweightMetrics returns the shared periodic lightweight-metrics topic.
func (t Topics) LightweightMetrics() string {
	return t.MetricsTopic
}

// Detection returns the per-source detection-event topic.
func (t Topics) Detection(sourceID int) string {
	return fmt.Sprintf("%s/%d", t.DetectionTopicPrefix, sourceID)
}

// DetectionWildcard returns the MQTT single-level wildcard subscription
// that covers every source's detection topic, used by cmd/videowall.
func (t Topics) DetectionWildcard() string {
	return t.DetectionTopicPrefix + "/+"
}

// StatusWildcard returns the MQTT wildcard that covers every instance's
// retained status topic, used by cmd/videowall.
func (t Topics) StatusWildcard() string {
	return t.ControlStatusTopic + "/+"
}
