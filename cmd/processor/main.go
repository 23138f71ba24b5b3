// Command processor runs a single NVR detection-processor instance: it
// connects to the control bus, starts a detection pipeline, and serves
// commands per spec.md §4. Grounded on the teacher's cmd/orbo/main.go
// (flag parsing, logger construction, component wiring, signal-driven
// shutdown), generalized from stdlib flag+log to spf13/cobra+spf13/pflag
// and go.uber.org/zap per SPEC_FULL.md §10.2.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"nvrproc/internal/app"
	"nvrproc/internal/config"
	"nvrproc/internal/pipeline"
	"nvrproc/internal/pipeline/fake"
	"nvrproc/internal/pipeline/httpengine"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile  string
		engine      string
		engineAddr  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "processor",
		Short: "Runs an NVR detection-processor instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), engine, engineAddr, metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.String("stream-server", "rtsp://proxy.local", "base RTSP-proxy URI sources are composed under")
	flags.IntSlice("stream-source-ids", []int{0}, "initial set of stream source ids")
	flags.String("model-id", "default", "initial detection model identifier")
	flags.Float64("max-fps", 0, "cap on inference throughput, 0 means uncapped")
	flags.String("instance-id", "", "stable instance id; auto-generated if empty")
	flags.String("control-command-topic", "nvr/control/commands", "shared inbound command topic")
	flags.String("control-status-topic", "nvr/control/status", "per-instance status/ack topic prefix")
	flags.String("metrics-topic", "nvr/status/metrics", "shared periodic lightweight-metrics topic")
	flags.String("detection-topic-prefix", "nvr/detections", "per-source detection-event topic prefix")
	flags.Int("metrics-interval-seconds", 0, "periodic metrics publish interval, 0 disables it")
	flags.String("mqtt-broker-url", "tcp://localhost:1883", "MQTT broker URL")
	flags.String("mqtt-client-id", "", "MQTT client id; auto-generated if empty")
	flags.String("mqtt-username", "", "MQTT username")
	flags.String("mqtt-password", "", "MQTT password")
	flags.StringVar(&engine, "engine", "fake", `detection engine backend: "fake" or "http"`)
	flags.StringVar(&engineAddr, "engine-addr", "http://localhost:9000", "base URL of the HTTP detection engine, when --engine=http")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve the ambient /metrics endpoint on; empty disables it")

	return cmd
}

func run(flags *pflag.FlagSet, engine, engineAddr, metricsAddr string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("processor: build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("processor: load config: %w", err)
	}

	factory, err := buildFactory(engine, engineAddr)
	if err != nil {
		return err
	}

	proc := app.New(cfg, app.Options{
		PipelineFactory: factory,
		MetricsHTTPAddr: metricsAddr,
	}, log)

	log.Info("starting processor",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("engine", engine),
	)
	return proc.Run(context.Background())
}

func buildFactory(engine, addr string) (pipeline.Factory, error) {
	switch engine {
	case "fake":
		return fake.Factory(), nil
	case "http":
		return httpengine.NewFactory(addr), nil
	default:
		return nil, fmt.Errorf("processor: unknown --engine %q (want \"fake\" or \"http\")", engine)
	}
}
