// Package app wires every package into the Processor composition root:
// spec.md §4.6's seven-step initialization order, the main/bus-callback
// join loop of §4.2/§9, and signal-triggered shutdown. Grounded on the
// teacher's cmd/orbo/main.go (signal.Notify + context.WithCancel +
// sync.WaitGroup + error-channel join), generalized to
// signal.NotifyContext and golang.org/x/sync/errgroup since this
// composition root has no HTTP server to hand goroutines off to the way
// the teacher's handleHTTPServer does.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nvrproc/internal/commands"
	"nvrproc/internal/config"
	"nvrproc/internal/controlplane"
	"nvrproc/internal/events"
	"nvrproc/internal/metrics"
	"nvrproc/internal/pipeline"
	"nvrproc/internal/sink"
)

// Processor is the single owner of ProcessorConfig, PipelineManager,
// DetectionSink, ControlPlane, and MetricsReporter, per spec.md §4.
type Processor struct {
	cfg          *config.ProcessorConfig
	topics       events.Topics
	log          *zap.Logger
	sink         *sink.DetectionSink
	cp           *controlplane.ControlPlane
	pipeline     *pipeline.Manager
	reporter     *metrics.Reporter
	promExp      *metrics.PromExporter
	registry     *commands.Registry
	onPrediction pipeline.PredictionFunc
	metricsAddr  string

	exitOnce sync.Once
	exitCh   chan struct{}
}

// Options bundles everything the composition root needs beyond what it
// derives from cfg itself.
type Options struct {
	PipelineFactory pipeline.Factory
	MetricsHTTPAddr string // empty disables the ambient Prometheus exporter
}

// New constructs a Processor per spec.md §4.6 step 1: ProcessorConfig,
// DetectionSink (holding a config reference), the MQTT client, the
// ControlPlane (with handler registry), and the PipelineManager.
func New(cfg *config.ProcessorConfig, opts Options, log *zap.Logger) *Processor {
	topics := events.Topics{
		ControlCommandTopic:  cfg.ControlCommandTopic,
		ControlStatusTopic:   cfg.ControlStatusTopic,
		MetricsTopic:         cfg.MetricsTopic,
		DetectionTopicPrefix: cfg.DetectionTopicPrefix,
	}

	cpOpts := controlplane.Options{
		BrokerURL:    cfg.MQTTBrokerURL,
		ClientID:     cfg.MQTTClientID,
		Username:     cfg.MQTTUsername,
		Password:     cfg.MQTTPassword,
		InstanceID:   cfg.InstanceID,
		CommandTopic: topics.Command(),
		StatusTopic:  cfg.ControlStatusTopic,
	}
	mqttClient := controlplane.NewMQTTClient(cpOpts)
	cp := controlplane.New(cpOpts, mqttClient, topics, log)

	snk := sink.New(cfg, topics, cp, log)
	onPrediction := adaptPrediction(snk)
	mgr := pipeline.NewManager(opts.PipelineFactory, log)
	reporter := metrics.New(cfg, mgr, cp, topics, time.Duration(cfg.MetricsIntervalSeconds)*time.Second, log)

	p := &Processor{
		cfg:      cfg,
		topics:   topics,
		log:      log,
		sink:     snk,
		cp:       cp,
		pipeline: mgr,
		reporter: reporter,
		exitCh:   make(chan struct{}),
	}

	if opts.MetricsHTTPAddr != "" {
		p.promExp = metrics.NewPromExporter()
		p.metricsAddr = opts.MetricsHTTPAddr
		cp.OnAck(p.promExp.ObserveCommand)
		reporter.SetPromObserver(p.promExp.Observe)
	}

	p.registry = commands.NewRegistry(
		commands.Deps{Config: cfg, Pipeline: mgr, Status: cp, Log: log},
		cp, snk, reporter, onPrediction, topics, p.requestExit,
	)
	p.registry.RegisterAll(cp)
	p.onPrediction = onPrediction

	return p
}

// adaptPrediction bridges pipeline.PredictionFunc's (sourceID, Prediction)
// shape to DetectionSink.OnPrediction's Frame argument — the two packages
// sit on either side of the DetectionPipeline external-collaborator
// boundary (spec.md §6) and intentionally don't share a detection type.
func adaptPrediction(snk *sink.DetectionSink) pipeline.PredictionFunc {
	return func(sourceID int, result pipeline.Prediction) {
		detections := make([]events.Detection, 0, len(result.Detections))
		for _, d := range result.Detections {
			detections = append(detections, events.Detection{
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				BBox: events.BoundingBox{
					X: d.X, Y: d.Y, Width: d.W, Height: d.H,
				},
			})
		}
		snk.OnPrediction(sink.Frame{
			SourceID:        sourceID,
			FrameID:         result.FrameID,
			Timestamp:       time.Now().UTC(),
			InferenceTimeMs: result.InferenceTimeMs,
			Detections:      detections,
		})
	}
}

// requestExit signals the join loop to begin clean shutdown; safe to
// call multiple times (e.g. stop command plus a signal racing it).
func (p *Processor) requestExit() {
	p.exitOnce.Do(func() { close(p.exitCh) })
}

// Run executes spec.md §4.6 steps 3-7: connect the control plane and
// publish initial status, start the pipeline (may block for tens of
// seconds), start the metrics reporter, enter the join loop, and on
// termination stop the reporter, terminate the pipeline, publish
// stopped, and disconnect the bus. Signals (SIGINT, SIGTERM) trigger the
// same clean shutdown as the stop command, per spec.md §4.6.
func (p *Processor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.cp.Connect(); err != nil {
		return fmt.Errorf("app: connect control plane: %w", err)
	}

	startCfg := p.buildPipelineConfig()
	if err := p.pipeline.Start(ctx, startCfg); err != nil {
		if statusErr := p.cp.PublishStatus(events.StatusError); statusErr != nil {
			p.log.Warn("publish error status failed", zap.Error(statusErr))
		}
		return fmt.Errorf("app: start pipeline: %w", err)
	}
	if err := p.cp.PublishStatus(events.StatusRunning); err != nil {
		p.log.Warn("publish running status failed", zap.Error(err))
	}

	p.reporter.Start(ctx)

	var exporterGroup errgroup.Group
	if p.promExp != nil {
		exporterCtx, exporterCancel := context.WithCancel(ctx)
		defer exporterCancel()
		exporterGroup.Go(func() error {
			return p.promExp.ListenAndServe(exporterCtx, p.metricsAddr, p.log)
		})
	}

	p.joinLoop(ctx)

	p.reporter.Stop()

	termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.pipeline.Terminate(termCtx); err != nil {
		p.log.Warn("terminate on shutdown reported an error", zap.Error(err))
	}
	if err := p.cp.PublishStatus(events.StatusStopped); err != nil {
		p.log.Warn("publish stopped status on shutdown failed", zap.Error(err))
	}
	p.cp.Disconnect()

	if err := exporterGroup.Wait(); err != nil {
		p.log.Warn("metrics exporter exited with an error", zap.Error(err))
	}
	return nil
}

// joinLoop is the main thread's half of the dual-condition restart
// protocol (spec.md §4.2/§9): it waits for either a shutdown signal, an
// explicit exit request (the stop command), or the pipeline's own Join
// channel to fire. A Join firing while a restart is in progress is not a
// real shutdown — WaitForRestart busy-waits for is_restarting to clear
// and the loop re-enters with the new handle (whose own Join channel is
// picked up on the next iteration).
//
// A restart attempt that fails its Start call installs no new
// generation, so Current() reads nil once is_restarting clears. That is
// not shutdown either — per §4.2's failed-restart scenario the node
// parks with no active pipeline and waits for a subsequent reconfigure
// to recover, rather than exiting. attemptAtEntry (bumped on every
// RestartWithCoordination call, success or failure) is what lets a
// failed attempt register as "a restart happened" even though
// Generation() never changes.
func (p *Processor) joinLoop(ctx context.Context) {
	for {
		h := p.pipeline.Current()
		if h == nil {
			if !p.waitForPipelineOrExit(ctx) {
				return
			}
			continue
		}
		attemptAtEntry := p.pipeline.Attempt()

		select {
		case <-ctx.Done():
			return
		case <-p.exitCh:
			return
		case err := <-h.Join():
			restarting := p.pipeline.IsRestarting()
			attempted := p.pipeline.Attempt() != attemptAtEntry
			if restarting || attempted {
				p.pipeline.WaitForRestart(ctx)
				continue
			}
			if err != nil {
				p.log.Warn("pipeline exited unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// waitForPipelineOrExit parks while no pipeline is installed (the window
// after a failed restart attempt), polling for a subsequent reconfigure
// to install a new generation. It returns false if the process should
// exit instead of continuing to wait.
func (p *Processor) waitForPipelineOrExit(ctx context.Context) bool {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.pipeline.Current() != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.exitCh:
			return false
		case <-ticker.C:
		}
	}
}

func (p *Processor) buildPipelineConfig() pipeline.Config {
	sources := p.cfg.StreamSources()
	refs := make(map[int]string, len(sources))
	for _, id := range sources {
		refs[id] = p.cfg.StreamURI(id)
	}
	return pipeline.Config{
		VideoReferences: refs,
		ModelID:         p.cfg.ModelIDNow(),
		MaxFPS:          p.cfg.MaxFPSNow(),
		OnPrediction:    p.onPrediction,
	}
}
