// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package config loads layered configuration: struct defaults, an optional
// YAML file, then environment variables, with env taking highest precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreBackendMemory = "memory"
	StoreBackendNATS   = "nats"
)

// Auth modes.
const (
	AuthModeToken  = "token"
	AuthModeStatic = "static"
	AuthModeNone   = "none"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Queue    QueueConfig    `koanf:"queue"`
	Sweeper  SweeperConfig  `koanf:"sweeper"`
	Engine   EngineConfig   `koanf:"engine"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the authoritative group store.
type StoreConfig struct {
	// Backend is "memory" or "nats".
	Backend string `koanf:"backend"`

	NATSURL       string        `koanf:"nats_url"`
	NATSBucket    string        `koanf:"nats_bucket"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// BreakerEnabled wraps the store in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// QueueConfig configures the durable reconciliation queue and runner.
type QueueConfig struct {
	Path          string        `koanf:"path"`
	SyncWrites    bool          `koanf:"sync_writes"`
	TickInterval  time.Duration `koanf:"tick_interval"`
	MaxAttempts   int           `koanf:"max_attempts"`
	RetryBackoff  time.Duration `koanf:"retry_backoff"`
	StoreTimeout  time.Duration `koanf:"store_timeout"`
	EntryTTL      time.Duration `koanf:"entry_ttl"`
	LeaseDuration time.Duration `koanf:"lease_duration"`
}

// SweeperConfig configures the expiration sweeper.
type SweeperConfig struct {
	Interval     time.Duration `koanf:"interval"`
	SweepTimeout time.Duration `koanf:"sweep_timeout"`
}

// EngineConfig configures the optimistic state engine and geospatial rule.
type EngineConfig struct {
	// JoinRadiusMeters is the nearby-group visibility and join radius.
	JoinRadiusMeters float64 `koanf:"join_radius_meters"`

	// StreamDetachGrace is how long the store stream stays attached after
	// the last watcher leaves.
	StreamDetachGrace time.Duration `koanf:"stream_detach_grace"`
}

// SecurityConfig configures authentication and HTTP limits.
type SecurityConfig struct {
	// AuthMode is "token", "static", or "none".
	AuthMode string `koanf:"auth_mode"`

	TokenSecret string `koanf:"token_secret"`
	TokenIssuer string `koanf:"token_issuer"`

	// Static identity used when AuthMode is "static".
	StaticUserID   string `koanf:"static_user_id"`
	StaticUserName string `koanf:"static_user_name"`

	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitRequests  int           `koanf:"rate_limit_requests"`
	RateLimitWindow    time.Duration `koanf:"rate_limit_window"`
	MutationsPerMinute int           `koanf:"mutations_per_minute"`
	MutationBurst      int           `koanf:"mutation_burst"`
	RateLimitDisabled  bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8790,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:        StoreBackendNATS,
			NATSURL:        "nats://127.0.0.1:4222",
			NATSBucket:     "ridepool-groups",
			ReconnectWait:  2 * time.Second,
			BreakerEnabled: true,
		},
		Queue: QueueConfig{
			Path:          "/data/ridepool/queue",
			SyncWrites:    true,
			TickInterval:  5 * time.Second,
			MaxAttempts:   100,
			RetryBackoff:  time.Second,
			StoreTimeout:  15 * time.Second,
			EntryTTL:      24 * time.Hour,
			LeaseDuration: 2 * time.Minute,
		},
		Sweeper: SweeperConfig{
			Interval:     5 * time.Minute,
			SweepTimeout: time.Minute,
		},
		Engine: EngineConfig{
			JoinRadiusMeters:  500,
			StreamDetachGrace: 30 * time.Second,
		},
		Security: SecurityConfig{
			AuthMode:           AuthModeNone,
			TokenSecret:        "",
			TokenIssuer:        "ridepool",
			StaticUserID:       "",
			StaticUserName:     "",
			CORSOrigins:        []string{},
			RateLimitRequests:  300,
			RateLimitWindow:    time.Minute,
			MutationsPerMinute: 30,
			MutationBurst:      10,
			RateLimitDisabled:  false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendNATS:
	default:
		return fmt.Errorf("store.backend %q must be %q or %q", c.Store.Backend, StoreBackendMemory, StoreBackendNATS)
	}
	if c.Store.Backend == StoreBackendNATS && c.Store.NATSURL == "" {
		return fmt.Errorf("store.nats_url is required for the nats backend")
	}

	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	switch c.Security.AuthMode {
	case AuthModeToken:
		if c.Security.TokenSecret == "" {
			return fmt.Errorf("security.token_secret is required when auth_mode is %q", AuthModeToken)
		}
	case AuthModeStatic:
		if c.Security.StaticUserID == "" {
			return fmt.Errorf("security.static_user_id is required when auth_mode is %q", AuthModeStatic)
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("security.auth_mode %q must be token, static, or none", c.Security.AuthMode)
	}

	if c.Engine.JoinRadiusMeters <= 0 {
		return fmt.Errorf("engine.join_radius_meters must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}

	return nil
}
