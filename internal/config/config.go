package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-drowsiness/internal/engine"
)

// Config represents the complete drowsyd configuration
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	VehicleID        string       `yaml:"vehicle_id"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Engine           EngineConfig `yaml:"engine"`
	Source           SourceConfig `yaml:"source"`
	Audio            AudioConfig  `yaml:"audio"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
	Server           ServerConfig `yaml:"server"`
}

// EngineConfig contains the decision engine thresholds
type EngineConfig struct {
	CriticalEARThreshold  float64   `yaml:"critical_ear_threshold"`
	FatigueEARThreshold   float64   `yaml:"fatigue_ear_threshold"`
	CriticalFramesToAlarm int       `yaml:"critical_frames_to_alarm"`
	FatigueFramesToAlarm  int       `yaml:"fatigue_frames_to_alarm"`
	AwakeFramesToClear    int       `yaml:"awake_frames_to_clear"`
	AlarmCooldown         *Duration `yaml:"alarm_cooldown"` // absent means default; 0s is honored
	DropoutPolicy         string    `yaml:"dropout_policy"` // decay, reset
}

// SourceConfig selects where observations come from
type SourceConfig struct {
	Type          string         `yaml:"type"` // landmark, replay
	Landmark      LandmarkConfig `yaml:"landmark"`
	Replay        ReplayConfig   `yaml:"replay"`
	WarmupS       int            `yaml:"warmup_s"`        // rate measurement window (default: 3)
	MaxRestarts   *int           `yaml:"max_restarts"`    // consecutive failures before giving up (default: 5, 0 gives up on the first)
	RetryDelay    Duration       `yaml:"retry_delay"`     // initial backoff (default: 1s)
	MaxRetryDelay Duration       `yaml:"max_retry_delay"` // backoff cap (default: 30s)
}

// LandmarkConfig configures the landmark subprocess
type LandmarkConfig struct {
	Command   string   `yaml:"command"` // e.g. models/run_landmarks.sh
	Args      []string `yaml:"args"`
	CameraID  int      `yaml:"camera_id"`
	Predictor string   `yaml:"predictor"` // shape_predictor_68_face_landmarks.dat
	Width     int      `yaml:"width"`
	Height    int      `yaml:"height"`
	FPS       int      `yaml:"fps"`
}

// ReplayConfig configures the recorded observation source
type ReplayConfig struct {
	Path string  `yaml:"path"`
	FPS  float64 `yaml:"fps"`
	Loop bool    `yaml:"loop"`
}

// AudioConfig contains alarm asset locations
type AudioConfig struct {
	Enabled   *bool  `yaml:"enabled,omitempty"` // default true
	HighSound string `yaml:"high_sound"`
	LowSound  string `yaml:"low_sound"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker       string          `yaml:"broker"`
	Topics       MQTTTopics      `yaml:"topics"`
	QoS          map[string]byte `yaml:"qos"`
	StatusRateHz float64         `yaml:"status_rate_hz"` // max status publishes per second (default: 1)
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control      string `yaml:"control"`
	Alarms       string `yaml:"alarms"`
	Status       string `yaml:"status"`
	Availability string `yaml:"availability"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port string `yaml:"port"` // default 8080, "-" disables
}

// Duration is a time.Duration that unmarshals from YAML strings like "3s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Value returns the duration, zero for a nil pointer
func (d *Duration) Value() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// EngineSettings converts the YAML engine section into engine thresholds
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		CriticalEARThreshold:  c.Engine.CriticalEARThreshold,
		FatigueEARThreshold:   c.Engine.FatigueEARThreshold,
		CriticalFramesToAlarm: c.Engine.CriticalFramesToAlarm,
		FatigueFramesToAlarm:  c.Engine.FatigueFramesToAlarm,
		AwakeFramesToClear:    c.Engine.AwakeFramesToClear,
		AlarmCooldown:         c.Engine.AlarmCooldown.Value(),
		DropoutPolicy:         engine.DropoutPolicy(c.Engine.DropoutPolicy),
	}
}

// AudioEnabled reports whether alarms should be played
func (c *Config) AudioEnabled() bool {
	return c.Audio.Enabled == nil || *c.Audio.Enabled
}

// MQTTEnabled reports whether a broker is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
