// Package controlplane implements the bus-facing half of a processor:
// connecting to the broker, subscribing to the command topic, decoding
// and filtering inbound CommandEnvelopes, dispatching them to registered
// handlers, and publishing status/ack/detection messages. Grounded on the
// teacher's internal/telegram/bot.go (HTTP-client-plus-mutex-guarded
// config shape), generalized from an HTTP polling client to an MQTT
// pub/sub client per spec.md §4.1, and on command_handler.go's
// dispatch-then-reply shape.
package controlplane

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"nvrproc/internal/events"
)

// mqttClient is the narrow subset of paho's Client this package needs,
// kept as an interface so tests can substitute a fake broker-less client
// (see nvrproc/internal/controlplane's _test.go fakes).
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// connectTimeout bounds how long Connect waits for the broker before
// reporting BusUnavailable, per spec.md §4.1/§7.
const connectTimeout = 10 * time.Second

// Options configures a ControlPlane.
type Options struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	InstanceID   string
	CommandTopic string
	StatusTopic  string
}

// Handler is the signature every registered command handler implements
// (spec.md §4.1's register(command_name, handler) contract).
type Handler func(env events.CommandEnvelope) error

// ControlPlane owns the bus connection, the command subscription, and the
// handler registry.
type ControlPlane struct {
	opts     Options
	client   mqttClient
	log      *zap.Logger
	topics   events.Topics
	handlers map[string]Handler

	// onAck, if set, observes every ack this ControlPlane publishes
	// (command, ack_status) — wired to the ambient Prometheus exporter's
	// per-command counter in internal/app, not used for any domain logic.
	onAck func(command, ackStatus string)
}

// OnAck installs a per-ack observer hook.
func (c *ControlPlane) OnAck(fn func(command, ackStatus string)) {
	c.onAck = fn
}

// New wraps an already-constructed mqttClient (real or fake) with the
// command dispatch and status/ack publishing behavior of spec.md §4.1.
func New(opts Options, client mqttClient, topics events.Topics, log *zap.Logger) *ControlPlane {
	return &ControlPlane{
		opts:     opts,
		client:   client,
		log:      log,
		topics:   topics,
		handlers: make(map[string]Handler),
	}
}

// NewMQTTClient builds the real paho client for opts, for use by
// cmd/processor's composition root.
func NewMQTTClient(opts Options) mqttClient {
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

// SetInstanceID renames the instance for the purpose of subsequent
// status/ack topics, per the rename_instance handler (spec.md §4.3): the
// command topic is shared across instances so no resubscription is
// needed, but every status/ack publish after this call targets the new
// per-instance topic instead of the old one.
func (c *ControlPlane) SetInstanceID(newID string) {
	c.opts.InstanceID = newID
}

// Register adds a handler for command, per spec.md §4.1's
// register(command_name, handler) contract. Registering the same command
// twice replaces the prior handler.
func (c *ControlPlane) Register(command string, h Handler) {
	c.handlers[command] = h
}

// Connect establishes the bus connection, subscribes to the command
// topic at QoS 1, and publishes an initial retained "connected" status.
// Fails with a BusUnavailable-flavored error if the broker cannot be
// reached within the client's reconnect budget, per spec.md §4.1/§7.
func (c *ControlPlane) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("controlplane: connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("controlplane: connect: %w", err)
	}

	subToken := c.client.Subscribe(c.opts.CommandTopic, 1, c.onMessage)
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		return fmt.Errorf("controlplane: subscribe %s: %w", c.opts.CommandTopic, err)
	}

	return c.PublishStatus(events.StatusConnected)
}

// Disconnect quiesces the connection; used on final shutdown.
func (c *ControlPlane) Disconnect() {
	c.client.Disconnect(250)
}

// PublishStatus publishes a retained StatusMessage on
// control_status_topic/{instance_id}, per spec.md §4.1.
func (c *ControlPlane) PublishStatus(status events.Status) error {
	msg := events.StatusMessage{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		InstanceID: c.opts.InstanceID,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("controlplane: encode status: %w", err)
	}
	topic := c.topics.Status(c.opts.InstanceID)
	token := c.client.Publish(topic, 1, true, payload)
	token.Wait()
	return token.Error()
}

// PublishAck publishes a non-retained CommandAck on
// control_status_topic/{instance_id}/ack.
func (c *ControlPlane) PublishAck(command string, status events.AckStatus, errKind, errMsg string) error {
	ack := events.CommandAck{
		Command:      command,
		AckStatus:    status,
		Timestamp:    time.Now().UTC(),
		InstanceID:   c.opts.InstanceID,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("controlplane: encode ack: %w", err)
	}
	topic := c.topics.Ack(c.opts.InstanceID)
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	if c.onAck != nil {
		c.onAck(command, string(status))
	}
	return token.Error()
}

// Publish is the general-purpose publish path used by the metrics
// reporter and the detection sink's underlying client.
func (c *ControlPlane) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("controlplane: encode payload for %s: %w", topic, err)
	}
	token := c.client.Publish(topic, qos, retained, body)
	token.Wait()
	return token.Error()
}

// onMessage is the paho MessageHandler installed on the command
// subscription. It decodes the envelope, filters by target_instances
// (spec.md §4.1 step 3), publishes a "received" ack, dispatches to the
// registered handler, and publishes the terminal ack.
func (c *ControlPlane) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env events.CommandEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		c.handleDecodeError(msg.Payload(), err)
		return
	}

	if !env.TargetsInstance(c.opts.InstanceID) {
		return
	}

	if err := c.PublishAck(env.Command, events.AckReceived, "", ""); err != nil {
		c.log.Warn("publish received ack failed", zap.String("command", env.Command), zap.Error(err))
	}

	handler, ok := c.handlers[env.Command]
	if !ok {
		c.publishErrorAck(env.Command, "UnknownCommand", fmt.Sprintf("no handler registered for %q", env.Command))
		return
	}

	if err := handler(env); err != nil {
		c.publishErrorAck(env.Command, errorKind(err), err.Error())
		return
	}

	if err := c.PublishAck(env.Command, events.AckCompleted, "", ""); err != nil {
		c.log.Warn("publish completed ack failed", zap.String("command", env.Command), zap.Error(err))
	}
}

// handleDecodeError recovers a best-effort command name (and target
// list) from a payload that failed strict decoding, per spec.md §7:
// DecodeError is "handled as ack=error, command ignored" rather than
// silently dropped — as long as there's a command to ack against. A
// payload so malformed it carries no recognizable "command" field
// leaves nothing to ack and is just logged and dropped, same as before.
func (c *ControlPlane) handleDecodeError(payload []byte, decodeErr error) {
	var partial struct {
		Command         string   `json:"command"`
		TargetInstances []string `json:"target_instances"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil || partial.Command == "" {
		c.log.Warn("discarding malformed command envelope", zap.Error(decodeErr))
		return
	}

	env := events.CommandEnvelope{Command: partial.Command, TargetInstances: partial.TargetInstances}
	if !env.TargetsInstance(c.opts.InstanceID) {
		return
	}

	c.log.Warn("command envelope failed to decode", zap.String("command", partial.Command), zap.Error(decodeErr))
	c.publishErrorAck(partial.Command, "DecodeError", decodeErr.Error())
}

func (c *ControlPlane) publishErrorAck(command, kind, msg string) {
	if err := c.PublishAck(command, events.AckError, kind, msg); err != nil {
		c.log.Warn("publish error ack failed", zap.String("command", command), zap.Error(err))
	}
}

// errorKind extracts the ErrorKind label from err for the ack payload, or
// "InternalError" if err does not carry one (see internal/commands.Error).
func errorKind(err error) string {
	type kinded interface{ ErrorKind() string }
	if k, ok := err.(kinded); ok {
		return k.ErrorKind()
	}
	return "InternalError"
}
