// Package metrics implements the two-channel Metrics Reporter of
// spec.md §4.5: a periodic, retained lightweight record on metrics_topic,
// and a full, non-retained report published on demand by the metrics
// command. It also hosts the ambient Prometheus /metrics exporter
// (SPEC_FULL.md §10.1/§11), grounded on
// 99souls-ariadne/engine/telemetry/metrics/prometheus.go's
// registry-plus-promhttp-handler shape.
//
// The reporter never decides anything is wrong — it only surfaces what
// internal/pipeline.Manager.Stats() reports.
package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/config"
	"nvrproc/internal/events"
	"nvrproc/internal/pipeline"
)

// publisher is the narrow bus capability the reporter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

// Reporter owns the periodic lightweight-metrics ticker and answers
// on-demand full reports for internal/commands.Registry's metrics
// handler (it implements commands.MetricsSnapshotter).
type Reporter struct {
	cfg      *config.ProcessorConfig
	pipeline *pipeline.Manager
	pub      publisher
	topics   events.Topics
	log      *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}

	// promObserve, if set, mirrors each lightweight publish into the
	// ambient Prometheus exporter's gauges.
	promObserve func(throughput float64, perSourceLatencyMs map[int]float64)
}

// SetPromObserver installs the ambient Prometheus mirror hook.
func (r *Reporter) SetPromObserver(fn func(throughput float64, perSourceLatencyMs map[int]float64)) {
	r.promObserve = fn
}

// New constructs a Reporter. interval of zero disables the periodic
// channel entirely, per spec.md §4.5/§8.
func New(cfg *config.ProcessorConfig, mgr *pipeline.Manager, pub publisher, topics events.Topics, interval time.Duration, log *zap.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg,
		pipeline: mgr,
		pub:      pub,
		topics:   topics,
		log:      log,
		interval: interval,
	}
}

// Start launches the periodic ticker goroutine if interval > 0; a zero
// interval makes Start a no-op, per spec.md §8's "metrics_interval_seconds
// = 0 disables the periodic channel entirely" invariant.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.publishLightweight()
			}
		}
	}()
}

// Stop halts the periodic ticker and waits for it to exit; safe to call
// even if Start was never called (interval == 0).
func (r *Reporter) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) publishLightweight() {
	stats := r.pipeline.Stats()
	perSource := make([]events.SourceLatency, 0, len(stats.PerSourceLatencyMs))
	var total float64
	for id, latency := range stats.PerSourceLatencyMs {
		perSource = append(perSource, events.SourceLatency{SourceID: id, LatencyMs: latency})
		total += latency
	}
	avg := 0.0
	if len(perSource) > 0 {
		avg = total / float64(len(perSource))
	}

	msg := events.LightweightMetrics{
		Timestamp:           time.Now().UTC(),
		InferenceThroughput: stats.InferenceThroughput,
		AvgLatencyMs:        avg,
		PerSourceLatencyMs:  perSource,
	}
	if err := r.pub.Publish(r.topics.LightweightMetrics(), 1, true, msg); err != nil {
		r.log.Warn("publish lightweight metrics failed", zap.Error(err))
	}
	if r.promObserve != nil {
		r.promObserve(stats.InferenceThroughput, stats.PerSourceLatencyMs)
	}
}

// FullReport builds the on-demand, non-retained full metrics record of
// spec.md §4.5. It satisfies commands.MetricsSnapshotter.
func (r *Reporter) FullReport() events.FullMetrics {
	stats := r.pipeline.Stats()
	sources := r.cfg.StreamSources()

	latencyReports := make([]events.LatencyReport, 0, len(sources))
	sourcesMetadata := make([]events.SourceMetadata, 0, len(sources))
	statusUpdates := make([]events.StatusUpdate, 0, len(sources))

	for _, id := range sources {
		latency := stats.PerSourceLatencyMs[id]
		latencyReports = append(latencyReports, events.LatencyReport{
			SourceID:               id,
			FrameDecodingLatencyMs: 0,
			InferenceLatencyMs:     latency,
			E2ELatencyMs:           latency,
		})
		sourcesMetadata = append(sourcesMetadata, events.SourceMetadata{
			SourceID:   id,
			FPS:        r.cfg.MaxFPSNow(),
			Resolution: "unknown",
		})
		if latency == 0 {
			statusUpdates = append(statusUpdates, events.StatusUpdate{
				SourceID: id,
				Severity: events.SeverityWarning,
				Message:  "no inference latency observed for this source yet",
			})
		}
	}

	return events.FullMetrics{
		Timestamp:           time.Now().UTC(),
		InferenceThroughput: stats.InferenceThroughput,
		LatencyReports:      latencyReports,
		SourcesMetadata:     sourcesMetadata,
		StatusUpdates:       statusUpdates,
	}
}
