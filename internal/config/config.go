package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Identity
	NodeID string `env:"NODE_ID"` // derived from hostname-pid-ts when empty

	// Listen address
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3100"`

	// Downstream systems. BUS_URL and STORE_URL may point at the same system.
	BusURL   string `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	StoreURL string `env:"STORE_URL" envDefault:"redis://localhost:6379"`

	// Auth
	AllowAnonymous bool   `env:"ALLOW_ANONYMOUS" envDefault:"false"`
	TokenSecret    string `env:"TOKEN_SECRET" envDefault:""`

	// Session limits
	MaxConnections        int `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxConcurrentSessions int `env:"MAX_CONCURRENT_SESSIONS" envDefault:"5"`
	MaxPayloadBytes       int `env:"MAX_PAYLOAD_BYTES" envDefault:"1048576"` // 1 MiB

	// Security
	DDoSThreshold int `env:"DDOS_THRESHOLD" envDefault:"100"`

	// Admission control. Relative to container CPU allocation when running
	// under cgroups, host CPU otherwise.
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Startup
	StartupGrace time.Duration `env:"STARTUP_GRACE" envDefault:"120s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
func Load() (*Config, error) {
	// .env is a development convenience; in production env vars are set
	// directly and the file is absent.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = DeriveNodeID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DeriveNodeID builds a node identity from hostname, pid and start time.
func DeriveNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "voxhall"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be > 0, got %d", c.MaxConcurrentSessions)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.DDoSThreshold < 1 {
		return fmt.Errorf("DDOS_THRESHOLD must be > 0, got %d", c.DDoSThreshold)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if !c.AllowAnonymous && c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required unless ALLOW_ANONYMOUS=true")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("node_id", c.NodeID).
		Str("addr", c.Addr()).
		Str("bus_url", c.BusURL).
		Str("store_url", c.StoreURL).
		Bool("allow_anonymous", c.AllowAnonymous).
		Int("max_connections", c.MaxConnections).
		Int("max_concurrent_sessions", c.MaxConcurrentSessions).
		Int("max_payload_bytes", c.MaxPayloadBytes).
		Int("ddos_threshold", c.DDoSThreshold).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
