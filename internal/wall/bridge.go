package wall

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"nvrproc/internal/events"
)

// mqttClient is the same narrow subset of paho's Client that
// internal/controlplane depends on, duplicated here rather than imported
// so wall never needs to import controlplane's command-dispatch concerns.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

const connectTimeout = 10 * time.Second

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// NewMQTTClient builds the real paho client used by cmd/videowall's
// composition root.
func NewMQTTClient(opts BridgeOptions) mqttClient {
	o := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	return mqtt.NewClient(o)
}

// Bridge subscribes to every processor's detection and status topics and
// rebroadcasts decoded payloads into a Hub for websocket fan-out. It
// replaces the teacher's in-process EventBus subscription with a bus-wide
// wildcard subscription, since a VideoWall viewer has no direct channel to
// any one processor's detection pipeline.
type Bridge struct {
	client mqttClient
	topics events.Topics
	hub    *Hub
	log    *zap.Logger
}

// NewBridge constructs a Bridge bound to an already-built mqttClient (real
// or fake, for tests).
func NewBridge(client mqttClient, topics events.Topics, hub *Hub, log *zap.Logger) *Bridge {
	return &Bridge{client: client, topics: topics, hub: hub, log: log}
}

// Connect subscribes to the detection and status wildcards, per spec.md
// §6's topic table generalized to every source and every instance.
func (b *Bridge) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("wall: connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("wall: connect: %w", err)
	}

	detTopic := b.topics.DetectionWildcard()
	detToken := b.client.Subscribe(detTopic, 1, b.onDetection)
	detToken.Wait()
	if err := detToken.Error(); err != nil {
		return fmt.Errorf("wall: subscribe %s: %w", detTopic, err)
	}

	statusTopic := b.topics.StatusWildcard()
	statusToken := b.client.Subscribe(statusTopic, 1, b.onStatus)
	statusToken.Wait()
	if err := statusToken.Error(); err != nil {
		return fmt.Errorf("wall: subscribe %s: %w", statusTopic, err)
	}

	return nil
}

// Disconnect quiesces the bus connection.
func (b *Bridge) Disconnect() {
	b.client.Disconnect(250)
}

func (b *Bridge) onDetection(_ mqtt.Client, msg mqtt.Message) {
	var event events.DetectionEvent
	if err := json.Unmarshal(msg.Payload(), &event); err != nil {
		b.log.Warn("discarding malformed detection event", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	sourceID, ok := sourceIDFromTopic(msg.Topic())
	if !ok {
		b.log.Warn("detection topic carries no source_id suffix", zap.String("topic", msg.Topic()))
		return
	}

	payload, err := json.Marshal(newDetectionEnvelope(event))
	if err != nil {
		b.log.Warn("encode detection envelope failed", zap.Error(err))
		return
	}
	b.hub.BroadcastDetection(sourceID, payload)
}

func (b *Bridge) onStatus(_ mqtt.Client, msg mqtt.Message) {
	// Ignore ack/metrics sub-topics published under the same status
	// prefix (control_status_topic/{instance_id}/ack,
	// control_status_topic/{instance_id}/metrics) — only the bare
	// per-instance status topic is a StatusMessage.
	if strings.Contains(strings.TrimPrefix(msg.Topic(), b.topics.ControlStatusTopic+"/"), "/") {
		return
	}

	var status events.StatusMessage
	if err := json.Unmarshal(msg.Payload(), &status); err != nil {
		b.log.Warn("discarding malformed status message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	payload, err := json.Marshal(newStatusEnvelope(status))
	if err != nil {
		b.log.Warn("encode status envelope failed", zap.Error(err))
		return
	}
	b.hub.BroadcastStatus(payload)
}

// sourceIDFromTopic extracts the trailing integer segment of a detection
// topic (nvr/detections/{source_id}).
func sourceIDFromTopic(topic string) (int, bool) {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return 0, false
	}
	id, err := strconv.Atoi(topic[idx+1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
