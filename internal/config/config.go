// Package config loads and watches the botlink configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Backend   BackendConfig   `yaml:"backend"`
	Channel   ChannelConfig   `yaml:"channel"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"` // debug, info, warn, error
}

// IdentityConfig points at the token exchange endpoint.
type IdentityConfig struct {
	URL             string `yaml:"url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// BackendConfig points at the automation backend's HTTP API.
type BackendConfig struct {
	BaseURL                string `yaml:"base_url"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	StatusCacheTTLSeconds  int    `yaml:"status_cache_ttl_seconds"`
	StatusReadsPerMinute   int    `yaml:"status_reads_per_minute"`
}

// ChannelConfig points at the pairing WebSocket.
type ChannelConfig struct {
	URL        string `yaml:"url"`
	DebounceMs int    `yaml:"debounce_ms"`
}

// PairingConfig holds coordinator tunables.
type PairingConfig struct {
	CodeTTLSeconds int `yaml:"code_ttl_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
}

// Defaults mirror the backend's contract: pairing codes live 120s, tokens
// cache for 5 minutes, status reads cache for 30s.
func defaults() Config {
	return Config{
		Identity: IdentityConfig{
			TimeoutSeconds:  10,
			CacheTTLSeconds: 300,
		},
		Backend: BackendConfig{
			TimeoutSeconds:        15,
			StatusCacheTTLSeconds: 30,
			StatusReadsPerMinute:  30,
		},
		Channel: ChannelConfig{
			DebounceMs: 500,
		},
		Pairing: PairingConfig{
			CodeTTLSeconds: 120,
			MaxRetries:     3,
		},
		LogLevel: "info",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills zeroed tunables.
func (c *Config) Validate() error {
	if c.Identity.URL == "" {
		return fmt.Errorf("config: identity.url is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url is required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("config: channel.url is required")
	}
	d := defaults()
	if c.Identity.TimeoutSeconds <= 0 {
		c.Identity.TimeoutSeconds = d.Identity.TimeoutSeconds
	}
	if c.Identity.CacheTTLSeconds <= 0 {
		c.Identity.CacheTTLSeconds = d.Identity.CacheTTLSeconds
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = d.Backend.TimeoutSeconds
	}
	if c.Backend.StatusCacheTTLSeconds <= 0 {
		c.Backend.StatusCacheTTLSeconds = d.Backend.StatusCacheTTLSeconds
	}
	if c.Backend.StatusReadsPerMinute <= 0 {
		c.Backend.StatusReadsPerMinute = d.Backend.StatusReadsPerMinute
	}
	if c.Channel.DebounceMs < 0 {
		c.Channel.DebounceMs = d.Channel.DebounceMs
	}
	if c.Pairing.CodeTTLSeconds <= 0 {
		c.Pairing.CodeTTLSeconds = d.Pairing.CodeTTLSeconds
	}
	if c.Pairing.MaxRetries < 0 {
		c.Pairing.MaxRetries = d.Pairing.MaxRetries
	}
	return nil
}

// IdentityTimeout returns the token exchange timeout.
func (c *Config) IdentityTimeout() time.Duration {
	return time.Duration(c.Identity.TimeoutSeconds) * time.Second
}

// TokenCacheTTL returns the credential cache deadline offset.
func (c *Config) TokenCacheTTL() time.Duration {
	return time.Duration(c.Identity.CacheTTLSeconds) * time.Second
}

// BackendTimeout returns the per-call backend HTTP timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// StatusCacheTTL returns the link-status read cache TTL.
func (c *Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.Backend.StatusCacheTTLSeconds) * time.Second
}

// OpenDebounce returns the channel connect debounce window.
func (c *Config) OpenDebounce() time.Duration {
	return time.Duration(c.Channel.DebounceMs) * time.Millisecond
}

// CodeTTL returns the pairing code validity window.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.Pairing.CodeTTLSeconds) * time.Second
}
