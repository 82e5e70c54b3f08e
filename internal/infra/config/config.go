// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Engine   EngineConfig   `yaml:"engine"`
	Playback PlaybackConfig `yaml:"playback"`
	Timeline TimelineConfig `yaml:"timeline"`
	Progress ProgressConfig `yaml:"progress"`
	Autoplay AutoplayConfig `yaml:"autoplay"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RemoteConfig represents the watch-state service configuration.
type RemoteConfig struct {
	BaseURL   string `yaml:"base_url" validate:"required,url"`
	Token     string `yaml:"token" validate:"required"`
	TimeoutMs int    `yaml:"timeout_ms" default:"10000" validate:"gte=1000,lte=60000"`
	Retries   int    `yaml:"retries" default:"3" validate:"gte=0,lte=10"`
}

// EngineConfig represents the native media engine configuration.
type EngineConfig struct {
	Type     string         `yaml:"type" default:"mpv" validate:"required"`
	Settings map[string]any `yaml:"settings"`
}

// PlaybackConfig represents playback state machine tuning.
type PlaybackConfig struct {
	StartCheckAttempts   int `yaml:"start_check_attempts" default:"4" validate:"gte=1,lte=10"`
	StartCheckIntervalMs int `yaml:"start_check_interval_ms" default:"2000" validate:"gte=100,lte=10000"`
	ResumeRetryAttempts  int `yaml:"resume_retry_attempts" default:"5" validate:"gte=1,lte=20"`
	ResumeRetryDelayMs   int `yaml:"resume_retry_delay_ms" default:"400" validate:"gte=50,lte=5000"`
	ProbeTimeoutMs       int `yaml:"probe_timeout_ms" default:"3000" validate:"gte=100,lte=15000"`
}

// TimelineConfig represents timeline reporter tuning.
type TimelineConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" default:"5000" validate:"gte=500,lte=60000"`
	HysteresisMs   int `yaml:"hysteresis_ms" default:"1500" validate:"gte=0,lte=10000"`
	ConfirmSlackMs int `yaml:"confirm_slack_ms" default:"2000" validate:"gte=0,lte=10000"`
}

// ProgressConfig represents the pending progress cache configuration.
type ProgressConfig struct {
	StorePath         string `yaml:"store_path"`
	NoiseThresholdMs  int    `yaml:"noise_threshold_ms" default:"750" validate:"gte=0,lte=5000"`
	RegressionSlackMs int    `yaml:"regression_slack_ms" default:"2000" validate:"gte=0,lte=10000"`
	FlushIntervalMs   int    `yaml:"flush_interval_ms" default:"30000" validate:"gte=1000,lte=600000"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms" default:"5000" validate:"gte=100,lte=30000"`
}

// AutoplayConfig represents autoplay coordinator configuration.
type AutoplayConfig struct {
	Enabled       bool `yaml:"enabled" default:"true"`
	SwitchDelayMs int  `yaml:"switch_delay_ms" default:"750" validate:"gte=0,lte=1000"`
}

// QueueConfig represents queue session tracker configuration.
type QueueConfig struct {
	ResolveRetries int `yaml:"resolve_retries" default:"3" validate:"gte=1,lte=10"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Output string `yaml:"output" default:"stdout"`
	Level  string `yaml:"level" default:"info"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("WATCHLINK_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("WATCHLINK_TOKEN"); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv("WATCHLINK_STORE_PATH"); v != "" {
		c.Progress.StorePath = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// Duration helpers. The YAML carries integral milliseconds; callers work
// with time.Duration.

func (c *RemoteConfig) Timeout() time.Duration { return msToDuration(c.TimeoutMs) }

func (c *PlaybackConfig) StartCheckInterval() time.Duration {
	return msToDuration(c.StartCheckIntervalMs)
}

func (c *PlaybackConfig) ResumeRetryDelay() time.Duration { return msToDuration(c.ResumeRetryDelayMs) }

func (c *PlaybackConfig) ProbeTimeout() time.Duration { return msToDuration(c.ProbeTimeoutMs) }

func (c *TimelineConfig) PollInterval() time.Duration { return msToDuration(c.PollIntervalMs) }

func (c *TimelineConfig) Hysteresis() time.Duration { return msToDuration(c.HysteresisMs) }

func (c *TimelineConfig) ConfirmSlack() time.Duration { return msToDuration(c.ConfirmSlackMs) }

func (c *ProgressConfig) NoiseThreshold() time.Duration { return msToDuration(c.NoiseThresholdMs) }

func (c *ProgressConfig) RegressionSlack() time.Duration { return msToDuration(c.RegressionSlackMs) }

func (c *ProgressConfig) FlushInterval() time.Duration { return msToDuration(c.FlushIntervalMs) }

func (c *ProgressConfig) ShutdownTimeout() time.Duration { return msToDuration(c.ShutdownTimeoutMs) }

func (c *AutoplayConfig) SwitchDelay() time.Duration { return msToDuration(c.SwitchDelayMs) }

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
