// Package config loads the server configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the push server.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// Origin, when set, is the only Origin websocket upgrades accept.
	Origin          string   `yaml:"origin" toml:"origin"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"` // time given to connections to receive the reconnect frame
	StopTimeout     Duration `yaml:"stop_timeout" toml:"stop_timeout"`
	KillTimeout     Duration `yaml:"kill_timeout" toml:"kill_timeout"`
}

type HeartbeatConfig struct {
	Interval          Duration `yaml:"interval" toml:"interval"`
	DisconnectTimeout Duration `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
	KeepAlive         Duration `yaml:"keep_alive" toml:"keep_alive"` // 0 disables keep-alives
}

type TransportConfig struct {
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	LongPollTimeout Duration `yaml:"long_poll_timeout" toml:"long_poll_timeout"`
	LongPollDelay   Duration `yaml:"long_poll_delay" toml:"long_poll_delay"` // sent to clients as L
	MaxBatch        int      `yaml:"max_batch" toml:"max_batch"`
	MaxRecordSize   int      `yaml:"max_record_size" toml:"max_record_size"`
	// CursorKey signs cursor tokens. Empty means a random key per process,
	// so tokens do not survive restarts.
	CursorKey string `yaml:"cursor_key" toml:"cursor_key"`
}

type BusConfig struct {
	Type      string   `yaml:"type" toml:"type"` // "memory" or "badger"
	BadgerDir string   `yaml:"badger_dir" toml:"badger_dir"`
	Retention int      `yaml:"retention" toml:"retention"` // messages kept per key, memory bus
	TTL       Duration `yaml:"ttl" toml:"ttl"`             // message lifetime, badger bus
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

type RateLimitConfig struct {
	Rate  float64 `yaml:"rate" toml:"rate"` // inbound records per second per connection, 0 disables
	Burst int     `yaml:"burst" toml:"burst"`
}

// Duration is a time.Duration written as a Go duration string ("10s") in
// both YAML and TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8081",
			ShutdownTimeout: Duration(5 * time.Second),
			StopTimeout:     Duration(10 * time.Second),
			KillTimeout:     Duration(1 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval:          Duration(2 * time.Second),
			DisconnectTimeout: Duration(30 * time.Second),
			KeepAlive:         Duration(10 * time.Second),
		},
		Transport: TransportConfig{
			WriteTimeout:    Duration(10 * time.Second),
			LongPollTimeout: Duration(20 * time.Second),
			MaxBatch:        100,
			MaxRecordSize:   1 << 20,
		},
		Bus: BusConfig{
			Type:      "memory",
			BadgerDir: "/tmp/pushhub/badger",
			Retention: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: Duration(60 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Rate:  100,
			Burst: 50,
		},
	}
}

func isTOML(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".toml")
}

// Load loads configuration from a YAML file, or a TOML file when the name
// ends in ".toml". If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if isTOML(filename) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.DisconnectTimeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.disconnect_timeout must exceed heartbeat.interval")
	}
	if c.Heartbeat.KeepAlive < 0 {
		return fmt.Errorf("heartbeat.keep_alive cannot be negative")
	}

	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be positive")
	}
	if c.Transport.LongPollTimeout <= 0 {
		return fmt.Errorf("transport.long_poll_timeout must be positive")
	}
	// A client waiting on a poll is not marked, so it must not be evicted
	// while it waits.
	if c.Heartbeat.DisconnectTimeout <= c.Transport.LongPollTimeout {
		return fmt.Errorf("heartbeat.disconnect_timeout must exceed transport.long_poll_timeout")
	}
	if c.Transport.LongPollDelay < 0 {
		return fmt.Errorf("transport.long_poll_delay cannot be negative")
	}
	if c.Transport.MaxBatch < 1 {
		return fmt.Errorf("transport.max_batch must be at least 1")
	}
	if c.Transport.MaxRecordSize < 1024 {
		return fmt.Errorf("transport.max_record_size must be at least 1KB")
	}

	switch c.Bus.Type {
	case "memory":
		if c.Bus.Retention < 1 {
			return fmt.Errorf("bus.retention must be at least 1")
		}
	case "badger":
		if c.Bus.BadgerDir == "" {
			return fmt.Errorf("bus.badger_dir required for the badger bus")
		}
		if c.Bus.TTL < 0 {
			return fmt.Errorf("bus.ttl cannot be negative")
		}
	default:
		return fmt.Errorf("bus.type must be one of: memory, badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be positive when metrics are enabled")
	}

	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("ratelimit.rate cannot be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit.burst must be at least 1")
	}

	return nil
}

// Marshal encodes the configuration as YAML, or TOML when toTOML is set.
func (c *Config) Marshal(toTOML bool) ([]byte, error) {
	if toTOML {
		return toml.Marshal(c)
	}
	return yaml.Marshal(c)
}

// Save writes the configuration to a file in the format its name implies.
func (c *Config) Save(filename string) error {
	data, err := c.Marshal(isTOML(filename))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
