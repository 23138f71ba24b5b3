package events

import "testing"

func testTopics() Topics {
	return Topics{
		ControlCommandTopic:  "nvr/control/commands",
		ControlStatusTopic:   "nvr/control/status",
		MetricsTopic:         "nvr/status/metrics",
		DetectionTopicPrefix: "nvr/detections",
	}
}

func TestTopicsPerInstanceSuffixes(t *testing.T) {
	topics := testTopics()

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"Command", topics.Command(), "nvr/control/commands"},
		{"Status", topics.Status("proc-1"), "nvr/control/status/proc-1"},
		{"Ack", topics.Ack("proc-1"), "nvr/control/status/proc-1/ack"},
		{"FullMetrics", topics.FullMetrics("proc-1"), "nvr/control/status/proc-1/metrics"},
		{"LightweightMetrics", topics.LightweightMetrics(), "nvr/status/metrics"},
		{"Detection", topics.Detection(3), "nvr/detections/3"},
		{"DetectionWildcard", topics.DetectionWildcard(), "nvr/detections/+"},
		{"StatusWildcard", topics.StatusWildcard(), "nvr/control/status/+"},
	}

	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestCommandEnvelopeTargetsInstance(t *testing.T) {
	cases := []struct {
		name string
		env  CommandEnvelope
		id   string
		want bool
	}{
		{"no targets means broadcast", CommandEnvelope{}, "proc-1", true},
		{"wildcard matches any instance", CommandEnvelope{TargetInstances: []string{"*"}}, "proc-1", true},
		{"explicit match", CommandEnvelope{TargetInstances: []string{"proc-1", "proc-2"}}, "proc-1", true},
		{"explicit mismatch", CommandEnvelope{TargetInstances: []string{"proc-2"}}, "proc-1", false},
	}

	for _, c := range cases {
		if got := c.env.TargetsInstance(c.id); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
