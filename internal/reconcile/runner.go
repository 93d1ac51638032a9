// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/ridepool/internal/classify"
	"github.com/tomtom215/ridepool/internal/events"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/store"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 5 * time.Minute

// Outcome is the terminal result of a mutation, handed back to whoever owns
// the optimistic overlay.
type Outcome struct {
	OperationID string
	Kind        models.MutationKind
	Succeeded   bool

	// Group carries the store-assigned group for confirmed creates.
	Group *models.Group

	// Err is the classified failure for non-retryable outcomes.
	Err *classify.IntelligentError
}

// Resolver receives terminal outcomes. The optimistic state implements this
// to drop or roll back overlays.
type Resolver interface {
	Resolve(outcome Outcome)
}

// Runner drains the queue against the group store. One instance runs per
// process; multi-instance deployments are kept safe by the queue's durable
// leases.
type Runner struct {
	queue       *Queue
	groups      store.GroupStore
	resolver    Resolver
	bus         *events.Bus
	config      Config
	leaseHolder string

	// kick nudges the loop out of its tick wait after an enqueue.
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// State, all protected by mu.
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewRunner builds a runner. resolver and bus may be nil when nothing needs
// outcome callbacks (some tests).
func NewRunner(queue *Queue, groups store.GroupStore, resolver Resolver, bus *events.Bus) *Runner {
	return &Runner{
		queue:       queue,
		groups:      groups,
		resolver:    resolver,
		bus:         bus,
		config:      queue.Config(),
		leaseHolder: fmt.Sprintf("runner-%s", uuid.New().String()[:8]),
		kick:        make(chan struct{}, 1),
	}
}

// Start begins the drain loop. Pending entries from previous runs are
// naturally picked up on the first pass; recovery needs no special path.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()

	for r.stopping {
		stopDone := r.stopDone
		r.mu.Unlock()
		<-stopDone
		r.mu.Lock()
	}

	if r.running {
		r.mu.Unlock()
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.stopDone = make(chan struct{})

	loopCtx := r.ctx
	done := r.stopDone
	r.mu.Unlock()

	go r.runWithContext(loopCtx, done)

	logging.Info().
		Dur("interval", r.config.TickInterval).
		Int("max_attempts", r.config.MaxAttempts).
		Msg("Reconciliation runner started")
	return nil
}

// Stop gracefully stops the runner and waits for the loop to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		return
	}

	r.cancel()
	r.running = false
	r.stopping = true
	stopDone := r.stopDone
	r.mu.Unlock()

	<-stopDone

	r.mu.Lock()
	r.stopping = false
	r.mu.Unlock()

	logging.Info().Msg("Reconciliation runner stopped")
}

// IsRunning reports whether the drain loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Kick requests an immediate drain pass. Non-blocking; a pass already
// requested absorbs further kicks.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) runWithContext(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-r.kick:
			r.drain(ctx)
		}
	}
}

// drainResult tracks the outcome of processing a single entry.
type drainResult int

const (
	drainSucceeded drainResult = iota
	drainRetrying
	drainFailed
	drainSkipped
)

func (r *Runner) drain(ctx context.Context) {
	entries, err := r.queue.GetPending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Runner failed to read pending entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	var succeeded, retrying, failed int
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch r.processEntry(ctx, entry) {
		case drainSucceeded:
			succeeded++
		case drainRetrying:
			retrying++
		case drainFailed:
			failed++
		}
	}

	if succeeded > 0 || retrying > 0 || failed > 0 {
		logging.Info().
			Int("succeeded", succeeded).
			Int("retrying", retrying).
			Int("failed", failed).
			Msg("Reconciliation pass complete")
	}
}

func (r *Runner) processEntry(ctx context.Context, entry *Entry) drainResult {
	m := entry.Mutation
	claimed, err := r.queue.TryClaim(ctx, m.OperationID, r.leaseHolder)
	if err != nil {
		logging.Error().Err(err).Str("operation_id", m.OperationID).Msg("Runner failed to claim entry")
		return drainSkipped
	}
	if !claimed {
		return drainSkipped
	}

	if time.Since(entry.CreatedAt) > r.config.EntryTTL {
		return r.abandon(ctx, entry, "mutation exceeded queue TTL")
	}
	if entry.Attempts >= r.config.MaxAttempts {
		return r.abandon(ctx, entry, fmt.Sprintf("mutation exhausted %d attempts", entry.Attempts))
	}

	if !r.readyForRetry(entry) {
		if err := r.queue.ReleaseClaim(ctx, m.OperationID); err != nil {
			logging.Warn().Err(err).Str("operation_id", m.OperationID).Msg("Runner failed to release claim")
		}
		return drainSkipped
	}

	return r.attempt(ctx, entry)
}

// abandon resolves an entry that will never succeed: retries ran out or the
// entry outlived its TTL.
func (r *Runner) abandon(ctx context.Context, entry *Entry, reason string) drainResult {
	m := entry.Mutation
	logging.Warn().
		Str("operation_id", m.OperationID).
		Str("kind", string(m.Kind)).
		Int("attempts", entry.Attempts).
		Str("last_error", entry.LastError).
		Msg("Abandoning mutation: " + reason)

	ie := &classify.IntelligentError{
		Category:     classify.UnknownError,
		UserMessage:  "We couldn't complete your change. Please try again.",
		DebugContext: reason + "; last error: " + entry.LastError,
	}
	r.finishFailed(ctx, m, ie)
	return drainFailed
}

func (r *Runner) readyForRetry(entry *Entry) bool {
	if entry.LastAttemptAt.IsZero() {
		return true
	}
	return time.Since(entry.LastAttemptAt) >= calculateBackoff(r.config.RetryBackoff, entry.Attempts)
}

func (r *Runner) attempt(ctx context.Context, entry *Entry) drainResult {
	m := entry.Mutation
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	group, err := r.execute(execCtx, m)
	cancel()
	observeAttempt(time.Since(start).Seconds())

	if err == nil {
		r.finishSucceeded(ctx, m, group)
		return drainSucceeded
	}

	ie := classify.Classify(m.Kind, err)
	if ie.Benign {
		// The store is already in the state the mutation wanted.
		r.finishSucceeded(ctx, m, group)
		return drainSucceeded
	}
	if ie.Retryable {
		logging.Warn().
			Str("operation_id", m.OperationID).
			Str("kind", string(m.Kind)).
			Str("category", string(ie.Category)).
			Int("attempt", entry.Attempts+1).
			Msg("Mutation attempt failed, will retry")
		if markErr := r.queue.MarkAttempt(ctx, m.OperationID, ie.DebugContext); markErr != nil {
			logging.Error().Err(markErr).Str("operation_id", m.OperationID).Msg("Runner failed to record attempt")
		}
		return drainRetrying
	}

	logging.Error().
		Str("operation_id", m.OperationID).
		Str("kind", string(m.Kind)).
		Str("category", string(ie.Category)).
		Str("debug", ie.DebugContext).
		Msg("Mutation failed permanently, rolling back")
	r.finishFailed(ctx, m, ie)
	return drainFailed
}

// execute performs the store work for one mutation kind.
func (r *Runner) execute(ctx context.Context, m *models.PendingMutation) (*models.Group, error) {
	switch m.Kind {
	case models.MutationCreate:
		g := m.Group.Clone()
		g.ID = ""
		return r.groups.Create(ctx, g)

	case models.MutationJoin:
		if _, err := r.groups.AdjustMemberCount(ctx, m.TargetGroupID, 1); err != nil {
			return nil, err
		}
		if err := r.groups.SetMember(ctx, m.TargetGroupID, m.UserID, m.Member, true); err != nil {
			// Undo the seat we took; if this also fails the count is
			// off by one until a leave or the sweeper removes the
			// group.
			if _, undoErr := r.groups.AdjustMemberCount(ctx, m.TargetGroupID, -1); undoErr != nil {
				logging.Error().Err(undoErr).Str("group_id", m.TargetGroupID).Msg("Join compensation failed")
			}
			return nil, err
		}
		return nil, nil

	case models.MutationLeave:
		if err := r.groups.SetMember(ctx, m.TargetGroupID, m.UserID, nil, false); err != nil {
			return nil, err
		}
		if _, err := r.groups.AdjustMemberCount(ctx, m.TargetGroupID, -1); err != nil {
			return nil, err
		}
		return nil, nil

	case models.MutationDelete:
		return nil, r.groups.Delete(ctx, m.TargetGroupID)

	default:
		return nil, store.NewError(store.KindInvalidInput, "execute", fmt.Errorf("unknown mutation kind %q", m.Kind))
	}
}

func (r *Runner) finishSucceeded(ctx context.Context, m *models.PendingMutation, group *models.Group) {
	if err := r.queue.Confirm(ctx, m.OperationID); err != nil {
		logging.Error().Err(err).Str("operation_id", m.OperationID).Msg("Runner failed to confirm entry")
	}

	if r.resolver != nil {
		r.resolver.Resolve(Outcome{
			OperationID: m.OperationID,
			Kind:        m.Kind,
			Succeeded:   true,
			Group:       group,
		})
	}
	r.publishSuccess(m, group)
}

func (r *Runner) finishFailed(ctx context.Context, m *models.PendingMutation, ie *classify.IntelligentError) {
	if err := r.queue.Fail(ctx, m.OperationID); err != nil {
		logging.Error().Err(err).Str("operation_id", m.OperationID).Msg("Runner failed to mark entry failed")
	}

	if r.resolver != nil {
		r.resolver.Resolve(Outcome{
			OperationID: m.OperationID,
			Kind:        m.Kind,
			Succeeded:   false,
			Err:         ie,
		})
	}
	if r.bus != nil {
		if err := r.bus.PublishNotification(events.Notification{
			Level:       events.LevelError,
			Message:     ie.UserMessage,
			Category:    string(ie.Category),
			Retryable:   ie.Retryable,
			OperationID: m.OperationID,
			GroupID:     m.TargetGroupID,
		}); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish error notification")
		}
	}
}

func (r *Runner) publishSuccess(m *models.PendingMutation, group *models.Group) {
	if r.bus == nil {
		return
	}

	groupID := m.TargetGroupID
	if group != nil {
		groupID = group.ID
	}

	var lifecycle events.LifecycleType
	var message string
	switch m.Kind {
	case models.MutationCreate:
		lifecycle, message = events.LifecycleCreated, "Group created."
	case models.MutationJoin:
		lifecycle, message = events.LifecycleJoined, "You joined the group."
	case models.MutationLeave:
		lifecycle, message = events.LifecycleLeft, "You left the group."
	case models.MutationDelete:
		lifecycle, message = events.LifecycleDeleted, "Group deleted."
	}

	if err := r.bus.PublishNotification(events.Notification{
		Level:       events.LevelSuccess,
		Message:     message,
		OperationID: m.OperationID,
		GroupID:     groupID,
	}); err != nil {
		logging.Warn().Err(err).Msg("Failed to publish success notification")
	}
	if err := r.bus.PublishLifecycle(events.LifecycleEvent{
		Type:        lifecycle,
		GroupID:     groupID,
		UserID:      m.UserID,
		OperationID: m.OperationID,
	}); err != nil {
		logging.Warn().Err(err).Msg("Failed to publish lifecycle event")
	}
}

// calculateBackoff computes base * 2^attempts, capped at maxBackoff.
func calculateBackoff(base time.Duration, attempts int) time.Duration {
	if attempts > 50 {
		return maxBackoff
	}
	multiplier := math.Pow(2, float64(attempts))
	backoff := time.Duration(float64(base) * multiplier)
	if backoff < 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
