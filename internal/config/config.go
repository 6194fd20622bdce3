package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.parley/config.toml.
type Config struct {
	// ServerURL is the realtime socket endpoint, e.g. wss://host/socket.
	ServerURL string `toml:"server_url"`
	// Token is passed as a socket connect parameter.
	Token string `toml:"token"`
	// UserID is the numeric local-user identifier (message ownership).
	UserID int64 `toml:"user_id"`
	// MetricsAddr, when set, exposes Prometheus metrics (e.g. ":9107").
	MetricsAddr string `toml:"metrics_addr"`

	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Delivery  DeliveryConfig  `toml:"delivery"`
}

// HeartbeatConfig controls the client-driven heartbeat.
type HeartbeatConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// DeliveryConfig is the single source of truth for ack-wait and retry
// policy, shared by the send path and the resend manager.
type DeliveryConfig struct {
	AckTimeoutMillis int   `toml:"ack_timeout_millis"`
	AckExtends       int   `toml:"ack_extends"`
	RetryCeiling     int   `toml:"retry_ceiling"`
	BackoffMillis    []int `toml:"backoff_millis"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Heartbeat: HeartbeatConfig{IntervalSeconds: 30},
		Delivery: DeliveryConfig{
			AckTimeoutMillis: 8000,
			AckExtends:       3,
			RetryCeiling:     3,
			BackoffMillis:    []int{1000, 2000, 5000},
		},
	}
}

// Load reads config from the given path, layering it over Default.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config %s: server_url is required", path)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Heartbeat.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}
