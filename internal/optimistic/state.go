// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package optimistic holds the merged-view engine: the latest authoritative
// snapshot from the store overlaid with every not-yet-confirmed local
// mutation. Callers see their own changes immediately; the reconciliation
// runner resolves each overlay once the store accepts or permanently rejects
// it.
package optimistic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/reconcile"
	"github.com/tomtom215/ridepool/internal/store"
)

// Fail-fast validation errors, raised before anything is enqueued.
var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupFull        = errors.New("group is full")
	ErrAlreadyMember    = errors.New("already a member of this group")
	ErrNotMember        = errors.New("not a member of this group")
	ErrNotCreator       = errors.New("only the creator can delete a group")
	ErrMissingCoords    = errors.New("pickup coordinates are required")
	ErrMissingDest      = errors.New("destination is required")
	ErrPendingImmutable = errors.New("group is still being created")
)

// Enqueuer is the durable submission side of the reconciliation queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *models.PendingMutation) error
}

// Kicker nudges the runner after an enqueue.
type Kicker interface {
	Kick()
}

// Config tunes the state engine.
type Config struct {
	// DetachGrace is how long the stream listener stays attached after
	// the last watcher leaves.
	DetachGrace time.Duration

	// WatchBuffer is the per-watcher channel depth. Full channels
	// coalesce: the oldest undelivered view is dropped for the newest.
	WatchBuffer int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DetachGrace: 30 * time.Second,
		WatchBuffer: 8,
	}
}

// State is the optimistic group state engine. One mutex guards the pending
// overlay, the authoritative snapshot, and the watcher registry; every
// change recomputes the merged view and fans it out.
type State struct {
	groups store.GroupStore
	queue  Enqueuer
	runner Kicker
	ident  identity.Provider
	cfg    Config

	mu        sync.Mutex
	pending   map[string]*models.PendingMutation
	order     []string
	snapshot  []*models.Group
	watchers  map[int]chan []*models.Group
	nextWatch int

	// Stream listener lifecycle. listenerCancel is non-nil while a
	// listener goroutine is attached; detachTimer counts down the grace
	// period after the last watcher leaves.
	listenerCancel context.CancelFunc
	detachTimer    *time.Timer
	baseCtx        context.Context
}

// New builds a State. runner may be nil (tests drive the queue directly).
// baseCtx bounds the internal stream listener; use the process context.
func New(baseCtx context.Context, groups store.GroupStore, queue Enqueuer, runner Kicker, ident identity.Provider, cfg Config) *State {
	if cfg.DetachGrace <= 0 {
		cfg.DetachGrace = 30 * time.Second
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = 8
	}
	return &State{
		groups:   groups,
		queue:    queue,
		runner:   runner,
		ident:    ident,
		cfg:      cfg,
		pending:  make(map[string]*models.PendingMutation),
		watchers: make(map[int]chan []*models.Group),
		baseCtx:  baseCtx,
	}
}

// SetRunner attaches the kicker after construction. The engine and the queue
// runner reference each other, so one side has to be wired late; call this
// before serving traffic.
func (s *State) SetRunner(runner Kicker) {
	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
}

// CreateGroup validates the draft, inserts a placeholder overlay visible
// immediately, and durably enqueues the create. The returned group is the
// placeholder carrying the temporary ID; the operation ID identifies the
// mutation through to resolution.
func (s *State) CreateGroup(ctx context.Context, draft models.GroupDraft) (string, *models.Group, error) {
	user, err := s.ident.CurrentUser(ctx)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(draft.DestinationName) == "" {
		return "", nil, ErrMissingDest
	}
	if draft.PickupLat == nil || draft.PickupLng == nil {
		return "", nil, ErrMissingCoords
	}

	g := models.NewGroupFromDraft(draft, user.ID, user.DisplayName, time.Now())
	g.ID = models.NewTempGroupID()
	// The creator rides too.
	g.MemberCount = 1
	g.Members[user.ID] = true
	g.MemberDetails[user.ID] = models.MemberInfo{
		DisplayName: user.DisplayName,
		ContactInfo: user.ContactInfo,
		JoinedAt:    g.CreatedAt,
	}

	m := &models.PendingMutation{
		OperationID:   models.NewOperationID(),
		Kind:          models.MutationCreate,
		TargetGroupID: g.ID,
		Group:         g,
		UserID:        user.ID,
		Status:        models.MutationPending,
		EnqueuedAt:    time.Now().UnixMilli(),
	}

	if err := s.submit(ctx, m); err != nil {
		return "", nil, err
	}
	return m.OperationID, g.Clone(), nil
}

// JoinGroup validates against the merged view and enqueues a join.
func (s *State) JoinGroup(ctx context.Context, groupID string) (string, error) {
	user, err := s.ident.CurrentUser(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	g := s.mergedGroupLocked(groupID)
	s.mu.Unlock()

	switch {
	case g == nil:
		return "", ErrGroupNotFound
	case g.Members[user.ID]:
		return "", ErrAlreadyMember
	case g.IsFull():
		return "", ErrGroupFull
	}

	m := &models.PendingMutation{
		OperationID:   models.NewOperationID(),
		Kind:          models.MutationJoin,
		TargetGroupID: groupID,
		UserID:        user.ID,
		Member: &models.MemberInfo{
			DisplayName: user.DisplayName,
			ContactInfo: user.ContactInfo,
			JoinedAt:    time.Now().UnixMilli(),
		},
		Status:     models.MutationPending,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	if err := s.submit(ctx, m); err != nil {
		return "", err
	}
	return m.OperationID, nil
}

// LeaveGroup validates membership against the merged view and enqueues a
// leave.
func (s *State) LeaveGroup(ctx context.Context, groupID string) (string, error) {
	user, err := s.ident.CurrentUser(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	g := s.mergedGroupLocked(groupID)
	s.mu.Unlock()

	if g == nil {
		return "", ErrGroupNotFound
	}
	if !g.Members[user.ID] {
		return "", ErrNotMember
	}

	m := &models.PendingMutation{
		OperationID:   models.NewOperationID(),
		Kind:          models.MutationLeave,
		TargetGroupID: groupID,
		UserID:        user.ID,
		Status:        models.MutationPending,
		EnqueuedAt:    time.Now().UnixMilli(),
	}

	if err := s.submit(ctx, m); err != nil {
		return "", err
	}
	return m.OperationID, nil
}

// DeleteGroup enqueues a delete. Only the creator may delete, and a group
// whose create is still in flight cannot be deleted yet.
func (s *State) DeleteGroup(ctx context.Context, groupID string) (string, error) {
	user, err := s.ident.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(groupID, models.PendingTempIDPrefix) {
		return "", ErrPendingImmutable
	}

	s.mu.Lock()
	g := s.mergedGroupLocked(groupID)
	s.mu.Unlock()

	if g == nil {
		return "", ErrGroupNotFound
	}
	if g.CreatorID != user.ID {
		return "", ErrNotCreator
	}

	m := &models.PendingMutation{
		OperationID:   models.NewOperationID(),
		Kind:          models.MutationDelete,
		TargetGroupID: groupID,
		UserID:        user.ID,
		Status:        models.MutationPending,
		EnqueuedAt:    time.Now().UnixMilli(),
	}

	if err := s.submit(ctx, m); err != nil {
		return "", err
	}
	return m.OperationID, nil
}

// submit inserts the overlay, persists the mutation, and notifies. The
// overlay is visible before the durable write completes; if that write
// fails the overlay is removed again and the caller sees the error.
func (s *State) submit(ctx context.Context, m *models.PendingMutation) error {
	s.mu.Lock()
	s.pending[m.OperationID] = m
	s.order = append(s.order, m.OperationID)
	s.mu.Unlock()
	s.notify()

	if err := s.queue.Enqueue(ctx, m); err != nil {
		s.removePending(m.OperationID)
		s.notify()
		return err
	}

	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner != nil {
		runner.Kick()
	}
	return nil
}

// Resolve implements reconcile.Resolver: the runner hands back terminal
// outcomes and the corresponding overlay is dropped. A confirmed create's
// store-assigned group is folded straight into the snapshot so the real ID
// appears without waiting for the next stream snapshot.
func (s *State) Resolve(outcome reconcile.Outcome) {
	s.mu.Lock()
	m, ok := s.pending[outcome.OperationID]
	if ok {
		delete(s.pending, outcome.OperationID)
		s.order = removeID(s.order, outcome.OperationID)
	}
	if outcome.Succeeded && outcome.Kind == models.MutationCreate && outcome.Group != nil {
		s.upsertSnapshotLocked(outcome.Group)
	}
	s.mu.Unlock()

	if !ok {
		logging.Debug().Str("operation_id", outcome.OperationID).Msg("Outcome for unknown overlay")
		return
	}

	if !outcome.Succeeded {
		logging.Info().
			Str("operation_id", outcome.OperationID).
			Str("kind", string(m.Kind)).
			Msg("Rolled back optimistic overlay")
	}
	s.notify()
}

// SetSnapshot replaces the authoritative snapshot. The stream listener
// calls this; tests may call it directly.
func (s *State) SetSnapshot(groups []*models.Group) {
	s.mu.Lock()
	s.snapshot = groups
	s.mu.Unlock()
	s.notify()
}

// MergedView returns the current merged view.
func (s *State) MergedView() []*models.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergedLocked()
}

// Group returns one group from the merged view, or nil.
func (s *State) Group(id string) *models.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergedGroupLocked(id)
}

// PendingCount returns the number of unresolved overlays.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Watch returns a channel that delivers the current merged view immediately
// and again after every change, until ctx ends. The first watcher attaches
// the store stream listener; it detaches after the grace period once the
// last watcher leaves.
func (s *State) Watch(ctx context.Context) <-chan []*models.Group {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan []*models.Group, s.cfg.WatchBuffer)
	s.watchers[id] = ch
	ch <- s.mergedLocked()
	s.ensureListenerLocked()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		remaining := len(s.watchers)
		if remaining == 0 {
			s.scheduleDetachLocked()
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (s *State) removePending(opID string) {
	s.mu.Lock()
	delete(s.pending, opID)
	s.order = removeID(s.order, opID)
	s.mu.Unlock()
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// notify recomputes the merged view and fans it out. Watchers with full
// buffers lose their oldest undelivered view; they only ever need the
// newest.
func (s *State) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := s.mergedLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

// ensureListenerLocked attaches the store stream listener if absent and
// cancels any pending detach. Caller holds mu.
func (s *State) ensureListenerLocked() {
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
	if s.listenerCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.listenerCancel = cancel
	go s.listen(ctx)
}

// scheduleDetachLocked starts the grace countdown after the last watcher
// leaves. Caller holds mu.
func (s *State) scheduleDetachLocked() {
	if s.listenerCancel == nil || s.detachTimer != nil {
		return
	}
	s.detachTimer = time.AfterFunc(s.cfg.DetachGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.watchers) > 0 {
			return
		}
		if s.listenerCancel != nil {
			s.listenerCancel()
			s.listenerCancel = nil
		}
		s.detachTimer = nil
		logging.Debug().Msg("Store stream listener detached")
	})
}

// listen consumes authoritative snapshots until its context is canceled,
// re-attaching with a delay when the stream drops.
func (s *State) listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, cancel, err := s.groups.StreamAll(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Store stream attach failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		logging.Debug().Msg("Store stream listener attached")
		for snap := range ch {
			s.SetSnapshot(snap)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
