// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package reconcile provides the durable at-least-once reconciliation queue.
// Every group mutation is persisted to BadgerDB before anything touches the
// remote store, so submitted work survives crashes and restarts. A background
// runner drains the queue against the store with exponential backoff and
// hands classified outcomes back to the optimistic state.
package reconcile

import (
	"time"
)

// Config holds reconciliation queue and runner configuration.
type Config struct {
	// Path is the BadgerDB directory. Must be on a durable filesystem.
	Path string

	// SyncWrites forces fsync after every write. Disable only for tests.
	SyncWrites bool

	// TickInterval is the time between runner drain passes. Enqueues also
	// nudge the runner immediately, so this is the recovery cadence, not
	// the submission latency.
	TickInterval time.Duration

	// MaxAttempts is the attempt budget per mutation. Exhaustion moves the
	// mutation to Failed and rolls back its overlay.
	MaxAttempts int

	// RetryBackoff is the base for exponential backoff between attempts.
	RetryBackoff time.Duration

	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration

	// EntryTTL is how long a pending mutation may live in total before it
	// is abandoned as failed.
	EntryTTL time.Duration

	// DoneTTL is how long confirmed/failed records are kept for duplicate
	// suppression before Badger's TTL reclaims them.
	DoneTTL time.Duration

	// LeaseDuration is how long a processing claim is held before it
	// naturally expires. Crash-safe: a dead holder's lease simply runs
	// out.
	LeaseDuration time.Duration

	// CloseTimeout is the maximum wait for BadgerDB shutdown.
	CloseTimeout time.Duration

	// MemTableSize and ValueLogFileSize are BadgerDB tuning knobs.
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
}

// DefaultConfig returns durability-first defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/reconcile",
		SyncWrites:       true,
		TickInterval:     5 * time.Second,
		MaxAttempts:      100,
		RetryBackoff:     time.Second,
		StoreTimeout:     15 * time.Second,
		EntryTTL:         24 * time.Hour,
		DoneTTL:          time.Hour,
		LeaseDuration:    2 * time.Minute,
		CloseTimeout:     30 * time.Second,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.TickInterval < time.Second {
		return &ConfigError{Field: "TickInterval", Message: "must be at least 1 second"}
	}
	if c.MaxAttempts < 1 {
		return &ConfigError{Field: "MaxAttempts", Message: "must be at least 1"}
	}
	if c.RetryBackoff < 100*time.Millisecond {
		return &ConfigError{Field: "RetryBackoff", Message: "must be at least 100ms"}
	}
	if c.StoreTimeout < time.Second {
		return &ConfigError{Field: "StoreTimeout", Message: "must be at least 1 second"}
	}
	if c.EntryTTL < time.Minute {
		return &ConfigError{Field: "EntryTTL", Message: "must be at least 1 minute"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.LeaseDuration < 30*time.Second {
		return &ConfigError{Field: "LeaseDuration", Message: "must be at least 30 seconds"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "reconcile config error: " + e.Field + ": " + e.Message
}
