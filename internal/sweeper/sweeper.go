// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package sweeper removes expired groups from the authoritative store. One
// periodic pass lists every group, checks expiry against the current time,
// and deletes what is past due. Runs are single-flight: a manual trigger
// while a pass is active is rejected, never queued.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/ridepool/internal/events"
	"github.com/tomtom215/ridepool/internal/georule"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/metrics"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/store"
)

// ErrSweepInProgress is returned by Sweep when a pass is already running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// GroupDeleter is the store surface the sweeper needs: list once, delete by
// ID. BreakerStore and both concrete stores satisfy it.
type GroupDeleter interface {
	store.Lister
	Delete(ctx context.Context, id string) error
}

// Config tunes the sweeper.
type Config struct {
	// Interval between automatic passes.
	Interval time.Duration

	// SweepTimeout bounds one whole pass.
	SweepTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		SweepTimeout: time.Minute,
	}
}

// Sweeper periodically deletes expired groups.
type Sweeper struct {
	groups GroupDeleter
	rule   *georule.Rule
	bus    *events.Bus
	config Config

	// inFlight enforces single-flight across the ticker and manual
	// triggers.
	inFlight sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}

	lastMu     sync.Mutex
	lastResult *models.SweepResult
}

// New builds a sweeper. bus may be nil; rule may be nil for the default
// expiry semantics.
func New(groups GroupDeleter, rule *georule.Rule, bus *events.Bus, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}
	if rule == nil {
		rule = georule.New(0)
	}
	return &Sweeper{
		groups: groups,
		rule:   rule,
		bus:    bus,
		config: cfg,
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()

	for s.stopping {
		stopDone := s.stopDone
		s.mu.Unlock()
		<-stopDone
		s.mu.Lock()
	}

	if s.running {
		s.mu.Unlock()
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.stopDone = make(chan struct{})

	loopCtx := s.ctx
	done := s.stopDone
	s.mu.Unlock()

	go s.runWithContext(loopCtx, done)

	logging.Info().Dur("interval", s.config.Interval).Msg("Expiration sweeper started")
	return nil
}

// Stop gracefully stops the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}

	s.cancel()
	s.running = false
	s.stopping = true
	stopDone := s.stopDone
	s.mu.Unlock()

	<-stopDone

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	logging.Info().Msg("Expiration sweeper stopped")
}

// IsRunning reports whether the periodic loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the most recent completed sweep, or nil.
func (s *Sweeper) LastResult() *models.SweepResult {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastResult
}

func (s *Sweeper) runWithContext(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				logging.Error().Err(err).Msg("Periodic sweep failed")
			}
		}
	}
}

// Sweep runs one pass now. Returns ErrSweepInProgress if a pass is already
// running. Per-group delete failures are collected in the result, they do
// not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (*models.SweepResult, error) {
	if !s.inFlight.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.inFlight.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
	defer cancel()

	started := time.Now()
	result := &models.SweepResult{StartedAt: started}

	groups, err := s.groups.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	result.TotalChecked = len(groups)
	for _, g := range groups {
		if !s.rule.Expired(g, time.Now()) {
			continue
		}
		result.ExpiredCount++

		if err := s.groups.Delete(ctx, g.ID); err != nil {
			// Someone else swept it first.
			if store.IsNotFound(err) {
				result.DeletedCount++
				continue
			}
			logging.Warn().Err(err).Str("group_id", g.ID).Msg("Failed to delete expired group")
			result.Errors = append(result.Errors, g.ID+": "+err.Error())
			continue
		}
		result.DeletedCount++
		logging.Debug().Str("group_id", g.ID).Msg("Deleted expired group")
	}

	result.Duration = time.Since(started)
	metrics.RecordSweep(result.Duration, result.DeletedCount, len(result.Errors))

	s.lastMu.Lock()
	s.lastResult = result
	s.lastMu.Unlock()

	if s.bus != nil {
		if err := s.bus.PublishLifecycle(events.LifecycleEvent{
			Type:  events.LifecycleSwept,
			Sweep: result,
		}); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish sweep event")
		}
	}

	logging.Info().
		Int("checked", result.TotalChecked).
		Int("expired", result.ExpiredCount).
		Int("deleted", result.DeletedCount).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Expiration sweep complete")
	return result, nil
}
