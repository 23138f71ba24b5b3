package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSetsThroughputGauge(t *testing.T) {
	e := NewPromExporter()
	e.Observe(42.5, map[int]float64{0: 10, 1: 20})

	if got := testutil.ToFloat64(e.inferenceThroughput); got != 42.5 {
		t.Errorf("inferenceThroughput = %v, want 42.5", got)
	}
	if got := testutil.ToFloat64(e.sourceLatency.WithLabelValues("0")); got != 10 {
		t.Errorf("sourceLatency[0] = %v, want 10", got)
	}
}

func TestObserveCommandIncrementsCounter(t *testing.T) {
	e := NewPromExporter()
	e.ObserveCommand("pause", "completed")
	e.ObserveCommand("pause", "completed")

	if got := testutil.ToFloat64(e.commandsTotal.WithLabelValues("pause", "completed")); got != 2 {
		t.Errorf("commandsTotal = %v, want 2", got)
	}
}
