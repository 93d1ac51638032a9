// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/metrics"
	"github.com/tomtom215/ridepool/internal/models"
)

var errGroupFull = errors.New("group is full")

// BreakerStore wraps a GroupStore with a circuit breaker so a struggling
// backend sheds load instead of piling up timed-out calls. Open-circuit
// rejections surface as KindUnavailable, which the classifier treats as
// retryable: the reconciliation queue keeps the mutation and retries after
// the breaker recovers.
//
// StreamAll bypasses the breaker; streams are long-lived and carry their own
// reconnect semantics.
type BreakerStore struct {
	inner GroupStore
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerStore wraps inner with a circuit breaker that opens after a 60%
// failure rate over at least 10 requests in a 1-minute window and probes
// again after 2 minutes.
func NewBreakerStore(inner GroupStore, name string) *BreakerStore {
	if name == "" {
		name = "group-store"
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, breakerStateString(to))
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("Store circuit breaker state transition")
		},
		// Expected business failures must not trip the breaker; only
		// infrastructure trouble counts.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch KindOf(err) {
			case KindTimeout, KindUnavailable, KindNoConnection, KindInternal:
				return false
			default:
				return true
			}
		},
	})

	return &BreakerStore{inner: inner, cb: cb, name: name}
}

// State returns the breaker state for health reporting.
func (b *BreakerStore) State() string {
	return breakerStateString(b.cb.State())
}

func (b *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(KindUnavailable, op, err)
		}
		return nil, err
	}
	return result, nil
}

func breakerResult[T any](result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func (b *BreakerStore) StreamAll(ctx context.Context) (<-chan []*models.Group, func(), error) {
	return b.inner.StreamAll(ctx)
}

func (b *BreakerStore) GetByID(ctx context.Context, id string) (*models.Group, error) {
	return breakerResult[*models.Group](b.execute("get", func() (any, error) {
		return b.inner.GetByID(ctx, id)
	}))
}

func (b *BreakerStore) Create(ctx context.Context, g *models.Group) (*models.Group, error) {
	return breakerResult[*models.Group](b.execute("create", func() (any, error) {
		return b.inner.Create(ctx, g)
	}))
}

func (b *BreakerStore) AdjustMemberCount(ctx context.Context, id string, delta int) (int, error) {
	return breakerResult[int](b.execute("adjust", func() (any, error) {
		return b.inner.AdjustMemberCount(ctx, id, delta)
	}))
}

func (b *BreakerStore) SetMember(ctx context.Context, id, userID string, info *models.MemberInfo, present bool) error {
	_, err := b.execute("set_member", func() (any, error) {
		return nil, b.inner.SetMember(ctx, id, userID, info, present)
	})
	return err
}

// Snapshot delegates to the inner store's one-shot lister.
func (b *BreakerStore) Snapshot(ctx context.Context) ([]*models.Group, error) {
	lister, ok := b.inner.(Lister)
	if !ok {
		return nil, NewError(KindInternal, "snapshot", fmt.Errorf("store %T cannot list groups", b.inner))
	}
	return breakerResult[[]*models.Group](b.execute("snapshot", func() (any, error) {
		return lister.Snapshot(ctx)
	}))
}

func (b *BreakerStore) Delete(ctx context.Context, id string) error {
	_, err := b.execute("delete", func() (any, error) {
		return nil, b.inner.Delete(ctx, id)
	})
	return err
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
