// Package config loads and holds ProcessorConfig, the live mutable
// configuration described in spec.md §3. Initial values are layered with
// Viper (flags > env > file > defaults, per SPEC_FULL.md §10.2); after
// boot the struct is mutated in place by command handlers under the
// restart-coordination discipline of §4.2/§9, never replaced wholesale.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// newInstanceID generates an instance id when none is configured, per
// spec.md §3's instance_id being auto-assignable (grounded on the
// teacher's use of google/uuid for identifier generation).
func newInstanceID() string {
	return "processor-" + uuid.NewString()
}

// ProcessorConfig is the live, mutable configuration of a processor
// instance (spec.md §3). All reads/writes after boot must go through the
// RLock/Lock helpers below: handlers run serially on the bus callback
// thread per §9, but the detection sink reads ModelID from a separate
// goroutine's perspective (the inference callback), so the struct is
// guarded the same way the teacher's telegram bot guards its mutable
// settings.
type ProcessorConfig struct {
	mu sync.RWMutex

	StreamServer           string
	StreamSourceIDs        []int
	ModelID                string
	MaxFPS                 float64
	InstanceID             string
	ControlCommandTopic    string
	ControlStatusTopic     string
	MetricsTopic           string
	DetectionTopicPrefix   string
	MetricsIntervalSeconds int

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
}

// StreamURI derives the RTSP-proxy reference for sourceID lazily, per
// spec.md §3: "<stream_server>/<source_id>".
func (c *ProcessorConfig) StreamURI(sourceID int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s/%d", c.StreamServer, sourceID)
}

// ModelIDNow returns the currently configured model id. Read through this
// accessor — never cache the returned value across a restart boundary,
// per §4.4's dynamic-lookup requirement.
func (c *ProcessorConfig) ModelIDNow() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ModelID
}

// MaxFPSNow returns the currently configured max FPS. Mutable fields are
// read through an accessor like this one rather than the struct field
// directly, same as ModelIDNow/StreamSources.
func (c *ProcessorConfig) MaxFPSNow() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxFPS
}

// Snapshot returns a value copy of the mutable fields, used by command
// handlers to back up state before a reconfiguring restart (§4.3's
// validate→backup→apply→restart→rollback template).
type Snapshot struct {
	StreamSourceIDs []int
	ModelID         string
	MaxFPS          float64
	InstanceID      string
}

// Snapshot captures the fields handlers may mutate.
func (c *ProcessorConfig) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, len(c.StreamSourceIDs))
	copy(ids, c.StreamSourceIDs)
	return Snapshot{
		StreamSourceIDs: ids,
		ModelID:         c.ModelID,
		MaxFPS:          c.MaxFPS,
		InstanceID:      c.InstanceID,
	}
}

// Restore rolls the mutable fields back to a prior snapshot, used when a
// handler's restart fails and must undo its own mutation (§4.3).
func (c *ProcessorConfig) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StreamSourceIDs = s.StreamSourceIDs
	c.ModelID = s.ModelID
	c.MaxFPS = s.MaxFPS
	c.InstanceID = s.InstanceID
}

// SetModelID mutates the model under lock; called by the change_model handler.
func (c *ProcessorConfig) SetModelID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ModelID = id
}

// SetMaxFPS mutates the fps cap under lock; called by the set_fps handler.
func (c *ProcessorConfig) SetMaxFPS(fps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MaxFPS = fps
}

// SetInstanceID mutates the instance id under lock; called by rename_instance.
func (c *ProcessorConfig) SetInstanceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InstanceID = id
}

// AddStreamSource appends sourceID if absent, returning false if it was
// already present. The add_stream handler checks for duplicates itself
// (reporting AlreadyPresent) before calling this.
func (c *ProcessorConfig) AddStreamSource(sourceID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.StreamSourceIDs {
		if id == sourceID {
			return false
		}
	}
	c.StreamSourceIDs = append(c.StreamSourceIDs, sourceID)
	return true
}

// RemoveStreamSource removes sourceID if present, returning false if it
// was absent. It does not check whether the removal leaves zero sources;
// the remove_stream handler in internal/commands rejects that case
// (WouldBeEmpty) before calling this.
func (c *ProcessorConfig) RemoveStreamSource(sourceID int) (removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.StreamSourceIDs {
		if id == sourceID {
			c.StreamSourceIDs = append(c.StreamSourceIDs[:i], c.StreamSourceIDs[i+1:]...)
			return true
		}
	}
	return false
}

// StreamSources returns a copy of the current stream source ids.
func (c *ProcessorConfig) StreamSources() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, len(c.StreamSourceIDs))
	copy(ids, c.StreamSourceIDs)
	return ids
}

// Load builds a ProcessorConfig by layering, highest precedence first:
// command-line flags, NVRPROC_-prefixed environment variables, an
// optional YAML config file, and the defaults below. Grounded on the
// cobra+viper idiom of SPEC_FULL.md §10.2 (tphakala-birdnet-go), replacing
// the teacher's stdlib flag+os.Getenv construction in cmd/orbo/main.go.
func Load(flags *pflag.FlagSet) (*ProcessorConfig, error) {
	v := viper.New()

	v.SetEnvPrefix("nvrproc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	v.SetDefault("stream-server", "rtsp://proxy.local")
	v.SetDefault("stream-source-ids", []int{0})
	v.SetDefault("model-id", "default")
	v.SetDefault("max-fps", 0.0)
	v.SetDefault("instance-id", "")
	v.SetDefault("control-command-topic", "nvr/control/commands")
	v.SetDefault("control-status-topic", "nvr/control/status")
	v.SetDefault("metrics-topic", "nvr/status/metrics")
	v.SetDefault("detection-topic-prefix", "nvr/detections")
	v.SetDefault("metrics-interval-seconds", 0)
	v.SetDefault("mqtt-broker-url", "tcp://localhost:1883")
	v.SetDefault("mqtt-client-id", "")
	v.SetDefault("mqtt-username", "")
	v.SetDefault("mqtt-password", "")

	instanceID := v.GetString("instance-id")
	if instanceID == "" {
		instanceID = newInstanceID()
	}

	return &ProcessorConfig{
		StreamServer:           v.GetString("stream-server"),
		StreamSourceIDs:        v.GetIntSlice("stream-source-ids"),
		ModelID:                v.GetString("model-id"),
		MaxFPS:                 v.GetFloat64("max-fps"),
		InstanceID:             instanceID,
		ControlCommandTopic:    v.GetString("control-command-topic"),
		ControlStatusTopic:     v.GetString("control-status-topic"),
		MetricsTopic:           v.GetString("metrics-topic"),
		DetectionTopicPrefix:   v.GetString("detection-topic-prefix"),
		MetricsIntervalSeconds: v.GetInt("metrics-interval-seconds"),
		MQTTBrokerURL:          v.GetString("mqtt-broker-url"),
		MQTTClientID:           v.GetString("mqtt-client-id"),
		MQTTUsername:           v.GetString("mqtt-username"),
		MQTTPassword:           v.GetString("mqtt-password"),
	}, nil
}
