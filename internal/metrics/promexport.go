package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PromExporter hosts the ambient /metrics HTTP endpoint (SPEC_FULL.md
// §10.1), separate from the domain-level bus metrics Reporter above.
// Grounded on 99souls-ariadne's PrometheusProvider (a dedicated registry
// plus a cached promhttp handler) rather than the global
// prometheus.DefaultRegisterer, so a processor and a videowall in the
// same process (as in tests) never collide on metric names.
type PromExporter struct {
	registry            *prometheus.Registry
	inferenceThroughput prometheus.Gauge
	sourceLatency       *prometheus.GaugeVec
	commandsTotal       *prometheus.CounterVec

	srv *http.Server
}

// NewPromExporter registers the gauges/counters this processor exposes.
func NewPromExporter() *PromExporter {
	reg := prometheus.NewRegistry()

	e := &PromExporter{
		registry: reg,
		inferenceThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvrproc_inference_throughput",
			Help: "Current inference throughput in detections per second.",
		}),
		sourceLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvrproc_source_latency_ms",
			Help: "Per-source inference latency in milliseconds.",
		}, []string{"source_id"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvrproc_commands_total",
			Help: "Commands processed, by command name and ack status.",
		}, []string{"command", "ack_status"}),
	}

	reg.MustRegister(e.inferenceThroughput, e.sourceLatency, e.commandsTotal)
	return e
}

// Observe updates the exported gauges from a pipeline.Stats-derived
// reading; called alongside the periodic lightweight-metrics publish.
func (e *PromExporter) Observe(throughput float64, perSourceLatencyMs map[int]float64) {
	e.inferenceThroughput.Set(throughput)
	for id, latency := range perSourceLatencyMs {
		e.sourceLatency.WithLabelValues(strconv.Itoa(id)).Set(latency)
	}
}

// ObserveCommand increments the per-command ack counter; called from
// internal/controlplane's dispatch path.
func (e *PromExporter) ObserveCommand(command, ackStatus string) {
	e.commandsTotal.WithLabelValues(command, ackStatus).Inc()
}

// ListenAndServe starts the HTTP /metrics endpoint on addr and blocks
// until the server stops or ctx is cancelled.
func (e *PromExporter) ListenAndServe(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	e.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics exporter shutdown reported an error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}
