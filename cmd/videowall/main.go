// Command videowall runs the VideoWall viewer: a bus-wide subscriber that
// fans detection and status events out to browser websocket clients.
// Grounded on the teacher's cmd/orbo/main.go wiring style, generalized
// from an in-process ws.DetectionHub fed by camera callbacks to a
// standalone binary fed entirely over MQTT (internal/wall).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nvrproc/internal/events"
	"nvrproc/internal/wall"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		brokerURL            string
		clientID             string
		username             string
		password             string
		httpAddr             string
		controlCommandTopic  string
		controlStatusTopic   string
		metricsTopic         string
		detectionTopicPrefix string
	)

	cmd := &cobra.Command{
		Use:   "videowall",
		Short: "Runs the VideoWall viewer bridge and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(
				brokerURL, clientID, username, password, httpAddr,
				events.Topics{
					ControlCommandTopic:  controlCommandTopic,
					ControlStatusTopic:   controlStatusTopic,
					MetricsTopic:         metricsTopic,
					DetectionTopicPrefix: detectionTopicPrefix,
				},
			)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&brokerURL, "mqtt-broker-url", "tcp://localhost:1883", "MQTT broker URL")
	flags.StringVar(&clientID, "mqtt-client-id", "videowall", "MQTT client id")
	flags.StringVar(&username, "mqtt-username", "", "MQTT username")
	flags.StringVar(&password, "mqtt-password", "", "MQTT password")
	flags.StringVar(&httpAddr, "http-addr", ":8090", "address the websocket upgrade endpoint is served on")
	flags.StringVar(&controlCommandTopic, "control-command-topic", "nvr/control/commands", "shared inbound command topic (unused by videowall, kept for topic-set symmetry)")
	flags.StringVar(&controlStatusTopic, "control-status-topic", "nvr/control/status", "per-instance status/ack topic prefix")
	flags.StringVar(&metricsTopic, "metrics-topic", "nvr/status/metrics", "shared periodic lightweight-metrics topic (unused by videowall)")
	flags.StringVar(&detectionTopicPrefix, "detection-topic-prefix", "nvr/detections", "per-source detection-event topic prefix")

	return cmd
}

func run(brokerURL, clientID, username, password, httpAddr string, topics events.Topics) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("videowall: build logger: %w", err)
	}
	defer log.Sync()

	opts := wall.Options{
		BridgeOptions: wall.BridgeOptions{
			BrokerURL: brokerURL,
			ClientID:  clientID,
			Username:  username,
			Password:  password,
		},
		HTTPAddr: httpAddr,
		Topics:   topics,
	}

	client := wall.NewMQTTClient(opts.BridgeOptions)
	server := wall.NewServer(client, opts, log)

	log.Info("starting videowall", zap.String("http_addr", httpAddr), zap.String("broker", brokerURL))
	return server.Run(context.Background())
}
