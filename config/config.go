// Package config provides the tunable limits of the protocol stack and
// YAML/env based loading for applications that want file configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Network holds the transport protocol tunables. The zero value is not
// usable; start from DefaultNetwork.
type Network struct {
	// MaxTransportProtocolSessions caps the number of concurrently active
	// transport protocol sessions, transmit and receive combined.
	MaxTransportProtocolSessions int `mapstructure:"max_transport_protocol_sessions"`

	// MinimumTimeBetweenBAMFramesMS is the pacing interval between the data
	// frames of a broadcast (BAM) session, in milliseconds.
	MinimumTimeBetweenBAMFramesMS uint64 `mapstructure:"minimum_time_between_bam_frames_ms"`

	// MaxFramesPerUpdate throttles how many connection-mode data frames a
	// single session may emit within one update pass.
	MaxFramesPerUpdate int `mapstructure:"max_frames_per_update"`
}

// Log defines logger settings consumed by the logging package.
type Log struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation Rotation `mapstructure:"rotation"`
}

// Rotation controls log file rotation for file outputs.
type Rotation struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Config is the root application configuration.
type Config struct {
	Network Network `mapstructure:"network"`
	Log     Log     `mapstructure:"log"`
}

// DefaultNetwork returns the stack defaults: 4 sessions, 50 ms BAM frame
// spacing, up to 255 connection-mode frames per update.
func DefaultNetwork() *Network {
	return &Network{
		MaxTransportProtocolSessions:  4,
		MinimumTimeBetweenBAMFramesMS: 50,
		MaxFramesPerUpdate:            255,
	}
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Network: *DefaultNetwork(),
		Log: Log{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: Rotation{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty) and
// applies environment overrides. Environment variables use the prefix
// ISOBUS and `.`/`-` are replaced with `_`.
// Example: ISOBUS_NETWORK_MAX_TRANSPORT_PROTOCOL_SESSIONS=16
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ISOBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("network.max_transport_protocol_sessions", cfg.Network.MaxTransportProtocolSessions)
	v.SetDefault("network.minimum_time_between_bam_frames_ms", cfg.Network.MinimumTimeBetweenBAMFramesMS)
	v.SetDefault("network.max_frames_per_update", cfg.Network.MaxFramesPerUpdate)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := v.ReadConfig(f); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configured limits.
func (c *Config) Validate() error {
	if c.Network.MaxTransportProtocolSessions < 1 {
		return fmt.Errorf("network.max_transport_protocol_sessions must be at least 1")
	}
	if c.Network.MaxFramesPerUpdate < 1 {
		return fmt.Errorf("network.max_frames_per_update must be at least 1")
	}
	return nil
}
