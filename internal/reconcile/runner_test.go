// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/ridepool/internal/classify"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/store"
)

// recordingResolver captures outcomes for assertions.
type recordingResolver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingResolver) Resolve(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingResolver) waitFor(t *testing.T, opID string) Outcome {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, o := range r.outcomes {
			if o.OperationID == opID {
				r.mu.Unlock()
				return o
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no outcome for %s", opID)
	return Outcome{}
}

func setupRunner(t *testing.T, groups store.GroupStore) (*Queue, *Runner, *recordingResolver) {
	t.Helper()
	q := setupQueue(t, testConfig(t))
	resolver := &recordingResolver{}
	r := NewRunner(q, groups, resolver, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start runner: %v", err)
	}
	t.Cleanup(r.Stop)
	return q, r, resolver
}

func seededStore(t *testing.T, groupID string, members int) *store.MemStore {
	t.Helper()
	s := store.NewMemStore()
	s.Seed(&models.Group{
		ID:          groupID,
		MaxMembers:  4,
		MemberCount: members,
		CreatedAt:   time.Now().UnixMilli(),
		ExpiresAt:   time.Now().Add(30 * time.Minute).UnixMilli(),
	})
	return s
}

func TestRunnerConfirmsJoin(t *testing.T) {
	s := seededStore(t, "grp-1", 1)
	q, r, resolver := setupRunner(t, s)

	m := joinMutation("op-join", "grp-1", "user-1")
	if err := q.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	o := resolver.waitFor(t, "op-join")
	if !o.Succeeded {
		t.Fatalf("join outcome failed: %+v", o.Err)
	}

	g, _ := s.GetByID(context.Background(), "grp-1")
	if g.MemberCount != 2 {
		t.Errorf("member count = %d, want 2", g.MemberCount)
	}
	if !g.Members["user-1"] {
		t.Error("member presence not written")
	}
	assertPendingCount(t, q, 0)
}

func TestRunnerConfirmsCreateWithStoreAssignedID(t *testing.T) {
	s := store.NewMemStore()
	q, r, resolver := setupRunner(t, s)

	tempID := models.NewTempGroupID()
	lat, lng := 9.0054, 38.7619
	m := &models.PendingMutation{
		OperationID:   "op-create",
		Kind:          models.MutationCreate,
		TargetGroupID: tempID,
		Group: &models.Group{
			ID:              tempID,
			DestinationName: "Bole Airport",
			PickupLat:       &lat,
			PickupLng:       &lng,
			CreatorID:       "user-1",
			MaxMembers:      4,
			CreatedAt:       time.Now().UnixMilli(),
			ExpiresAt:       time.Now().Add(30 * time.Minute).UnixMilli(),
		},
		Status: models.MutationPending,
	}
	if err := q.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	o := resolver.waitFor(t, "op-create")
	if !o.Succeeded {
		t.Fatalf("create outcome failed: %+v", o.Err)
	}
	if o.Group == nil || o.Group.ID == "" || o.Group.ID == tempID {
		t.Fatalf("create outcome group = %+v, want store-assigned ID", o.Group)
	}

	if _, err := s.GetByID(context.Background(), o.Group.ID); err != nil {
		t.Errorf("created group not in store: %v", err)
	}
}

func TestRunnerRetriesUntilStoreRecovers(t *testing.T) {
	s := seededStore(t, "grp-1", 0)
	s.SetFailure(store.NewError(store.KindUnavailable, "test", nil))
	q, r, resolver := setupRunner(t, s)

	if err := q.Enqueue(context.Background(), joinMutation("op-1", "grp-1", "user-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	// Let at least one attempt fail while the store is down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := q.GetPending(context.Background())
		if len(entries) == 1 && entries[0].Attempts >= 1 {
			break
		}
		r.Kick()
		time.Sleep(5 * time.Millisecond)
	}
	entries, _ := q.GetPending(context.Background())
	if len(entries) != 1 || entries[0].Attempts < 1 {
		t.Fatal("mutation was not retained as pending across failed attempts")
	}

	// Store comes back; the same operation ID must be reused and succeed
	// exactly once.
	s.SetFailure(nil)
	for i := 0; i < 200; i++ {
		r.Kick()
		time.Sleep(10 * time.Millisecond)
		if entries, _ := q.GetPending(context.Background()); len(entries) == 0 {
			break
		}
	}

	o := resolver.waitFor(t, "op-1")
	if !o.Succeeded {
		t.Fatalf("outcome after recovery: %+v", o.Err)
	}
	g, _ := s.GetByID(context.Background(), "grp-1")
	if g.MemberCount != 1 {
		t.Errorf("member count after retries = %d, want exactly 1", g.MemberCount)
	}
}

func TestRunnerFailsNonRetryable(t *testing.T) {
	s := seededStore(t, "grp-1", 0)
	s.SetFailure(store.NewError(store.KindPermissionDenied, "test", nil))
	q, r, resolver := setupRunner(t, s)

	if err := q.Enqueue(context.Background(), joinMutation("op-1", "grp-1", "user-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	o := resolver.waitFor(t, "op-1")
	if o.Succeeded {
		t.Fatal("non-retryable failure reported as success")
	}
	if o.Err == nil || o.Err.Category != classify.PermissionDenied {
		t.Errorf("outcome error = %+v, want PERMISSION_DENIED", o.Err)
	}
	assertPendingCount(t, q, 0)
}

func TestRunnerDeleteMissingGroupIsBenign(t *testing.T) {
	s := store.NewMemStore()
	q, r, resolver := setupRunner(t, s)

	m := &models.PendingMutation{
		OperationID:   "op-del",
		Kind:          models.MutationDelete,
		TargetGroupID: "already-gone",
		Status:        models.MutationPending,
	}
	if err := q.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	o := resolver.waitFor(t, "op-del")
	if !o.Succeeded {
		t.Errorf("delete of missing group should succeed, got %+v", o.Err)
	}
	assertPendingCount(t, q, 0)
}

func TestRunnerJoinFullGroupFails(t *testing.T) {
	s := seededStore(t, "grp-1", 4)
	q, r, resolver := setupRunner(t, s)

	if err := q.Enqueue(context.Background(), joinMutation("op-1", "grp-1", "user-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.Kick()

	o := resolver.waitFor(t, "op-1")
	if o.Succeeded {
		t.Fatal("join of full group succeeded")
	}
	if o.Err.Category != classify.InvalidInput {
		t.Errorf("category = %v, want INVALID_INPUT", o.Err.Category)
	}

	g, _ := s.GetByID(context.Background(), "grp-1")
	if g.MemberCount != 4 {
		t.Errorf("member count = %d, want unchanged 4", g.MemberCount)
	}
}

func TestRunnerStartStopIdempotent(t *testing.T) {
	s := store.NewMemStore()
	q := setupQueue(t, testConfig(t))
	r := NewRunner(q, s, nil, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !r.IsRunning() {
		t.Error("runner not running after start")
	}

	r.Stop()
	r.Stop()
	if r.IsRunning() {
		t.Error("runner still running after stop")
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, maxBackoff},
		{51, maxBackoff},
	}
	for _, tt := range tests {
		if got := calculateBackoff(base, tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
