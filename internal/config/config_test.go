// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdirEmpty keeps the default config paths from finding a stray config.yaml
// in the working tree.
func chdirEmpty(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdirEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8790 {
		t.Errorf("server.port = %d, want 8790", cfg.Server.Port)
	}
	if cfg.Store.Backend != StoreBackendNATS {
		t.Errorf("store.backend = %q, want %q", cfg.Store.Backend, StoreBackendNATS)
	}
	if cfg.Sweeper.Interval != 5*time.Minute {
		t.Errorf("sweeper.interval = %v, want 5m", cfg.Sweeper.Interval)
	}
	if cfg.Engine.JoinRadiusMeters != 500 {
		t.Errorf("engine.join_radius_meters = %v, want 500", cfg.Engine.JoinRadiusMeters)
	}
	if cfg.Security.AuthMode != AuthModeNone {
		t.Errorf("security.auth_mode = %q, want %q", cfg.Security.AuthMode, AuthModeNone)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirEmpty(t)

	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("JOIN_RADIUS_METERS", "750")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("server.port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Store.Backend != StoreBackendMemory {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Engine.JoinRadiusMeters != 750 {
		t.Errorf("engine.join_radius_meters = %v, want 750", cfg.Engine.JoinRadiusMeters)
	}
	if cfg.Sweeper.Interval != 90*time.Second {
		t.Errorf("sweeper.interval = %v, want 90s", cfg.Sweeper.Interval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	chdirEmpty(t)

	content := []byte(`
server:
  port: 9200
store:
  backend: memory
security:
  auth_mode: static
  static_user_id: rider-1
  static_user_name: Hana
  cors_origins:
    - https://app.example.com
    - https://staging.example.com
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("server.port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Security.AuthMode != AuthModeStatic {
		t.Errorf("auth_mode = %q, want static", cfg.Security.AuthMode)
	}
	if cfg.Security.StaticUserID != "rider-1" {
		t.Errorf("static_user_id = %q", cfg.Security.StaticUserID)
	}
	if len(cfg.Security.CORSOrigins) != 2 {
		t.Errorf("cors_origins = %v, want 2 entries", cfg.Security.CORSOrigins)
	}
	// Defaults survive where the file is silent.
	if cfg.Queue.MaxAttempts != 100 {
		t.Errorf("queue.max_attempts = %d, want default 100", cfg.Queue.MaxAttempts)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	chdirEmpty(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9200\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "9300")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9300 {
		t.Errorf("server.port = %d, want env value 9300", cfg.Server.Port)
	}
}

func TestCORSOriginsFromEnv(t *testing.T) {
	chdirEmpty(t)

	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Security.CORSOrigins) != 2 {
		t.Fatalf("cors_origins = %v, want 2 entries", cfg.Security.CORSOrigins)
	}
	if cfg.Security.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("cors_origins[1] = %q", cfg.Security.CORSOrigins[1])
	}
}

func TestUnmappedEnvVarsIgnored(t *testing.T) {
	chdirEmpty(t)

	t.Setenv("PATH_INFO", "should-not-leak")
	t.Setenv("SERVER_SOFTWARE", "also-ignored")

	if _, err := Load(); err != nil {
		t.Fatalf("Load with unrelated env vars: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"bad backend", func(c *Config) { c.Store.Backend = "postgres" }, true},
		{"nats without url", func(c *Config) { c.Store.NATSURL = "" }, true},
		{"empty queue path", func(c *Config) { c.Queue.Path = "" }, true},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, true},
		{"token mode without secret", func(c *Config) { c.Security.AuthMode = AuthModeToken }, true},
		{"token mode with secret", func(c *Config) {
			c.Security.AuthMode = AuthModeToken
			c.Security.TokenSecret = "test-secret"
		}, false},
		{"static mode without user", func(c *Config) { c.Security.AuthMode = AuthModeStatic }, true},
		{"bad auth mode", func(c *Config) { c.Security.AuthMode = "oauth" }, true},
		{"zero radius", func(c *Config) { c.Engine.JoinRadiusMeters = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
