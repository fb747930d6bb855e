package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Collision debounce policies selectable via collision.policy.
const (
	PolicyProgress  = "progress"
	PolicyTimedHold = "timed_hold"
)

// Telemetry backends selectable via telemetry.backend.
const (
	TelemetryNone = "none"
	TelemetryZMQ  = "zmq"
	TelemetryMQTT = "mqtt"
)

// Config represents the operator configuration
type Config struct {
	RobotID   string          `yaml:"robot_id" json:"robot_id"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Control   ControlConfig   `yaml:"control" json:"control"`
	Safety    SafetyConfig    `yaml:"safety" json:"safety"`
	Collision CollisionConfig `yaml:"collision" json:"collision"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Robot     RobotConfig     `yaml:"robot" json:"robot"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	LogPath string `yaml:"log_path,omitempty" json:"log_path,omitempty"`
}

// ServerConfig holds the channel server settings
type ServerConfig struct {
	Port               int     `yaml:"port" json:"port"`
	LivenessTimeoutSec float64 `yaml:"liveness_timeout_sec" json:"liveness_timeout_sec"`
}

// ControlConfig holds the control loop and mixer settings
type ControlConfig struct {
	RateHz   float64 `yaml:"rate_hz" json:"rate_hz"`
	MaxSpeed int     `yaml:"max_speed" json:"max_speed"`
	Deadzone float64 `yaml:"deadzone" json:"deadzone"`
	Expo     float64 `yaml:"expo" json:"expo"`
	SlewRate float64 `yaml:"slew_rate" json:"slew_rate"`
	InvertX  bool    `yaml:"invert_x" json:"invert_x"`
	InvertY  bool    `yaml:"invert_y" json:"invert_y"`
}

// SafetyConfig holds the safety gate settings
type SafetyConfig struct {
	EstopOnDisconnect bool `yaml:"estop_on_disconnect" json:"estop_on_disconnect"`
}

// CollisionConfig holds the collision debounce settings
type CollisionConfig struct {
	Policy    string `yaml:"policy" json:"policy"`
	MaxFrames int    `yaml:"max_frames" json:"max_frames"`
	HoldMs    int    `yaml:"hold_ms" json:"hold_ms"`
}

// RecordingConfig holds the episode recording settings
type RecordingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	DatasetName string `yaml:"dataset_name" json:"dataset_name"`
	Task        string `yaml:"task" json:"task"`
}

// RobotConfig holds the BLE device session settings
type RobotConfig struct {
	Address            string  `yaml:"address,omitempty" json:"address,omitempty"`
	NamePrefix         string  `yaml:"name_prefix" json:"name_prefix"`
	ScanTimeoutSec     float64 `yaml:"scan_timeout_sec" json:"scan_timeout_sec"`
	ScanRetry          int     `yaml:"scan_retry" json:"scan_retry"`
	CollisionThreshold int     `yaml:"collision_threshold" json:"collision_threshold"`
}

// TelemetryConfig holds the per-tick telemetry publishing settings
type TelemetryConfig struct {
	Backend     string `yaml:"backend" json:"backend"`
	BindAddress string `yaml:"bind_address,omitempty" json:"bind_address,omitempty"`
	BrokerURL   string `yaml:"broker_url,omitempty" json:"broker_url,omitempty"`
	ClientID    string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Topic       string `yaml:"topic,omitempty" json:"topic,omitempty"`
}

// Default returns a configuration populated with the values used when a
// field is absent from the config file.
func Default() *Config {
	return &Config{
		RobotID: "cube-01",
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port:               8765,
			LivenessTimeoutSec: 2.0,
		},
		Control: ControlConfig{
			RateHz:   60.0,
			MaxSpeed: 115,
			Deadzone: 0.08,
			Expo:     0.3,
			SlewRate: 300.0,
		},
		Safety: SafetyConfig{
			EstopOnDisconnect: true,
		},
		Collision: CollisionConfig{
			Policy:    PolicyTimedHold,
			MaxFrames: 22,
			HoldMs:    100,
		},
		Recording: RecordingConfig{
			Enabled:     false,
			OutputDir:   "./datasets",
			DatasetName: "cube_dataset",
			Task:        "cube_teleoperation",
		},
		Robot: RobotConfig{
			NamePrefix:         "toio Core Cube",
			ScanTimeoutSec:     10.0,
			ScanRetry:          3,
			CollisionThreshold: 3,
		},
		Telemetry: TelemetryConfig{
			Backend: TelemetryNone,
			Topic:   "teleop.operator.tick",
		},
	}
}

// LoadConfig loads configuration from the specified file path on top of the
// defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the control loop cannot run with.
func (c *Config) Validate() error {
	if c.Control.RateHz < 1.0 {
		return fmt.Errorf("control.rate_hz must be >= 1, got %v", c.Control.RateHz)
	}
	if c.Control.MaxSpeed <= 0 || c.Control.MaxSpeed > 115 {
		return fmt.Errorf("control.max_speed must be in (0, 115], got %d", c.Control.MaxSpeed)
	}
	if c.Control.Deadzone < 0 || c.Control.Deadzone >= 1 {
		return fmt.Errorf("control.deadzone must be in [0, 1), got %v", c.Control.Deadzone)
	}
	if c.Control.Expo < 0 || c.Control.Expo > 1 {
		return fmt.Errorf("control.expo must be in [0, 1], got %v", c.Control.Expo)
	}
	if c.Control.SlewRate <= 0 {
		return fmt.Errorf("control.slew_rate must be positive, got %v", c.Control.SlewRate)
	}

	// The recorder's observation stream counts progress over max_frames
	// regardless of the selected gating policy, so the bound always applies.
	if c.Collision.MaxFrames < 2 {
		return fmt.Errorf("collision.max_frames must be >= 2, got %d", c.Collision.MaxFrames)
	}
	switch c.Collision.Policy {
	case PolicyProgress:
	case PolicyTimedHold:
		if c.Collision.HoldMs <= 0 {
			return fmt.Errorf("collision.hold_ms must be positive for the %s policy, got %d",
				PolicyTimedHold, c.Collision.HoldMs)
		}
	default:
		return fmt.Errorf("unknown collision.policy: %q", c.Collision.Policy)
	}

	if c.Recording.Enabled {
		if c.Recording.OutputDir == "" {
			return fmt.Errorf("recording.output_dir must be set when recording is enabled")
		}
		if c.Recording.DatasetName == "" {
			return fmt.Errorf("recording.dataset_name must be set when recording is enabled")
		}
	}

	switch c.Telemetry.Backend {
	case TelemetryNone:
	case TelemetryZMQ:
		if c.Telemetry.BindAddress == "" {
			return fmt.Errorf("telemetry.bind_address must be set for the %s backend", TelemetryZMQ)
		}
	case TelemetryMQTT:
		if c.Telemetry.BrokerURL == "" {
			return fmt.Errorf("telemetry.broker_url must be set for the %s backend", TelemetryMQTT)
		}
	default:
		return fmt.Errorf("unknown telemetry.backend: %q", c.Telemetry.Backend)
	}

	return nil
}
