// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/rag-gateway/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// HTTP listen port (PORT)
	Port int `koanf:"port"`

	Worker WorkerConfig `koanf:"worker"`
	CORS   CORSConfig   `koanf:"cors"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// WorkerConfig describes the chat worker subprocess and how it is supervised.
type WorkerConfig struct {
	Command        string        `koanf:"command"`
	Args           []string      `koanf:"args"`
	Dir            string        `koanf:"dir"` // Empty inherits the gateway's working directory
	ReadySentinel  string        `koanf:"ready_sentinel"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	StopTimeout    time.Duration `koanf:"stop_timeout"`
	MaxLineBytes   int           `koanf:"max_line_bytes"`
	Restart        RestartConfig `koanf:"restart"`
}

// RestartConfig controls respawning the worker after it exits.
// Disabled by default: an exited worker leaves the gateway not-ready.
type RestartConfig struct {
	Enabled         bool          `koanf:"enabled"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// CORSConfig holds cross-origin settings for the chat endpoint.
type CORSConfig struct {
	AllowedOrigin string `koanf:"allowed_origin"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",
		Port:        domain.DefaultHTTPPort,

		Worker: WorkerConfig{
			Command:        "python3",
			Args:           []string{"-u", "backend/chat_server.py"},
			ReadySentinel:  domain.ReadySentinel,
			RequestTimeout: domain.RequestTimeout,
			StopTimeout:    domain.WorkerStopTimeout,
			MaxLineBytes:   domain.MaxWorkerLine,
			Restart: RestartConfig{
				Enabled:         false,
				InitialInterval: domain.RestartInitialInterval,
				MaxInterval:     domain.RestartMaxInterval,
			},
		},
		CORS: CORSConfig{
			AllowedOrigin: "*",
		},
	}
}

// envKey maps an environment variable name to a config key.
// A double underscore separates nesting levels, a single underscore is kept:
// WORKER__REQUEST_TIMEOUT → worker.request_timeout, LOG_LEVEL → log_level.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing or invalid → startup failure.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present and sane.
func validateRequired(cfg *Config) error {
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return fmt.Errorf("%w: worker.command", domain.ErrConfigRequired)
	}
	if cfg.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("%w: worker.request_timeout must be positive", domain.ErrConfigRequired)
	}
	if cfg.Worker.MaxLineBytes <= 0 {
		return fmt.Errorf("%w: worker.max_line_bytes must be positive", domain.ErrConfigRequired)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrConfigRequired, cfg.Port)
	}

	// Port 0 (OS-assigned) is only meaningful in local runs and tests.
	if cfg.IsProd() {
		if cfg.Port == 0 {
			return fmt.Errorf("%w: port", domain.ErrConfigRequired)
		}
		if cfg.Worker.ReadySentinel == "" {
			return fmt.Errorf("%w: worker.ready_sentinel", domain.ErrConfigRequired)
		}
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
