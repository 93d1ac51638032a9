// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tomtom215/ridepool/internal/models"
)

// MemStore is a mutex-guarded in-memory GroupStore used by tests and local
// development. It mirrors the remote store's semantics: IDs assigned on
// create, atomic member-count adjustment, full-snapshot fan-out to watchers.
type MemStore struct {
	mu       sync.Mutex
	groups   map[string]*models.Group
	watchers map[int]chan []*models.Group
	nextID   int

	// FailWith, when set, makes every call return the given error. Tests
	// use it to inject backend failures. Guarded by mu.
	failWith error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		groups:   make(map[string]*models.Group),
		watchers: make(map[int]chan []*models.Group),
	}
}

// SetFailure makes every subsequent call fail with err; nil clears it.
func (s *MemStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Seed inserts a group directly, bypassing Create. Test helper.
func (s *MemStore) Seed(g *models.Group) {
	s.mu.Lock()
	s.groups[g.ID] = g.Clone()
	s.mu.Unlock()
	s.notifyWatchers()
}

func (s *MemStore) StreamAll(ctx context.Context) (<-chan []*models.Group, func(), error) {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return nil, nil, err
	}
	id := s.nextID
	s.nextID++
	ch := make(chan []*models.Group, 8)
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	g, ok := s.groups[id]
	if !ok {
		return nil, NewError(KindNotFound, "get", nil)
	}
	return g.Clone(), nil
}

func (s *MemStore) Create(_ context.Context, g *models.Group) (*models.Group, error) {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return nil, err
	}
	stored := g.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	} else if _, exists := s.groups[stored.ID]; exists {
		s.mu.Unlock()
		return nil, NewError(KindAlreadyExists, "create", nil)
	}
	s.groups[stored.ID] = stored
	s.mu.Unlock()

	s.notifyWatchers()
	return stored.Clone(), nil
}

func (s *MemStore) AdjustMemberCount(_ context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return 0, err
	}
	g, ok := s.groups[id]
	if !ok {
		s.mu.Unlock()
		return 0, NewError(KindNotFound, "adjust", nil)
	}
	next := g.MemberCount + delta
	if next < 0 {
		next = 0
	}
	if delta > 0 && next > g.MaxMembers {
		s.mu.Unlock()
		return g.MemberCount, NewError(KindInvalidInput, "adjust", errGroupFull)
	}
	g.MemberCount = next
	s.mu.Unlock()

	s.notifyWatchers()
	return next, nil
}

func (s *MemStore) SetMember(_ context.Context, id, userID string, info *models.MemberInfo, present bool) error {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	g, ok := s.groups[id]
	if !ok {
		s.mu.Unlock()
		return NewError(KindNotFound, "set_member", nil)
	}
	if g.Members == nil {
		g.Members = make(map[string]bool)
	}
	if g.MemberDetails == nil {
		g.MemberDetails = make(map[string]models.MemberInfo)
	}
	if present {
		g.Members[userID] = true
		if info != nil {
			g.MemberDetails[userID] = *info
		}
	} else {
		delete(g.Members, userID)
		delete(g.MemberDetails, userID)
	}
	s.mu.Unlock()

	s.notifyWatchers()
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	if _, ok := s.groups[id]; !ok {
		s.mu.Unlock()
		return NewError(KindNotFound, "delete", nil)
	}
	delete(s.groups, id)
	s.mu.Unlock()

	s.notifyWatchers()
	return nil
}

// Snapshot returns the current authoritative state. Used by the sweeper,
// which wants one listing rather than a stream.
func (s *MemStore) Snapshot(_ context.Context) ([]*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.snapshotLocked(), nil
}

// snapshotLocked builds a sorted deep-copied view. Caller holds mu.
func (s *MemStore) snapshotLocked() []*models.Group {
	out := make([]*models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// notifyWatchers fans the latest snapshot out to watchers. Slow watchers are
// skipped rather than blocked; they catch up on the next change.
func (s *MemStore) notifyWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}
