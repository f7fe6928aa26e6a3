package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/engine"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	SourceLandmark = "landmark"
	SourceReplay   = "replay"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.VehicleID == "" {
		cfg.VehicleID = cfg.InstanceID
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	applyEngineDefaults(&cfg.Engine)
	if err := cfg.EngineSettings().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if cfg.AudioEnabled() {
		if cfg.Audio.HighSound == "" {
			cfg.Audio.HighSound = "alarms/alarm_high.wav"
		}
		if cfg.Audio.LowSound == "" {
			cfg.Audio.LowSound = "alarms/alarm_low.wav"
		}
	}

	applyMQTTDefaults(cfg)

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}

	return nil
}

// applyEngineDefaults fills zero values with the stock thresholds
func applyEngineDefaults(e *EngineConfig) {
	def := engine.DefaultConfig()

	if e.CriticalEARThreshold == 0 {
		e.CriticalEARThreshold = def.CriticalEARThreshold
	}
	if e.FatigueEARThreshold == 0 {
		e.FatigueEARThreshold = def.FatigueEARThreshold
	}
	if e.CriticalFramesToAlarm == 0 {
		e.CriticalFramesToAlarm = def.CriticalFramesToAlarm
	}
	if e.FatigueFramesToAlarm == 0 {
		e.FatigueFramesToAlarm = def.FatigueFramesToAlarm
	}
	if e.AwakeFramesToClear == 0 {
		e.AwakeFramesToClear = def.AwakeFramesToClear
	}
	if e.AlarmCooldown == nil {
		cooldown := Duration(def.AlarmCooldown)
		e.AlarmCooldown = &cooldown
	}
	if e.DropoutPolicy == "" {
		e.DropoutPolicy = string(def.DropoutPolicy)
	}
}

// validateSource validates the observation source section
func validateSource(s *SourceConfig) error {
	if s.Type == "" {
		s.Type = SourceLandmark
	}

	switch s.Type {
	case SourceLandmark:
		if s.Landmark.Command == "" {
			return fmt.Errorf("landmark.command is required for source type 'landmark'")
		}
		if s.Landmark.FPS < 0 {
			return fmt.Errorf("landmark.fps must be >= 0, got %d", s.Landmark.FPS)
		}
	case SourceReplay:
		if s.Replay.Path == "" {
			return fmt.Errorf("replay.path is required for source type 'replay'")
		}
		if s.Replay.FPS < 0 {
			return fmt.Errorf("replay.fps must be >= 0, got %.2f", s.Replay.FPS)
		}
		if s.Replay.FPS == 0 {
			s.Replay.FPS = 30
		}
	default:
		return fmt.Errorf("unknown type '%s' (must be 'landmark' or 'replay')", s.Type)
	}

	if s.WarmupS <= 0 {
		s.WarmupS = 3
	}
	if s.MaxRestarts == nil {
		maxRestarts := 5
		s.MaxRestarts = &maxRestarts
	}
	if *s.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be >= 0, got %d", *s.MaxRestarts)
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = Duration(time.Second)
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = Duration(30 * time.Second)
	}
	if s.MaxRetryDelay < s.RetryDelay {
		return fmt.Errorf("max_retry_delay (%s) must be >= retry_delay (%s)",
			time.Duration(s.MaxRetryDelay), time.Duration(s.RetryDelay))
	}

	return nil
}

// applyMQTTDefaults sets default topics and QoS when a broker is configured
func applyMQTTDefaults(cfg *Config) {
	if !cfg.MQTTEnabled() {
		return
	}

	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("care/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Alarms == "" {
		cfg.MQTT.Topics.Alarms = fmt.Sprintf("care/alarms/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("care/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Availability == "" {
		cfg.MQTT.Topics.Availability = fmt.Sprintf("care/availability/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":      1,
			"alarms":       1,
			"status":       0,
			"availability": 1,
		}
	}

	if cfg.MQTT.StatusRateHz <= 0 {
		cfg.MQTT.StatusRateHz = 1
	}
}
