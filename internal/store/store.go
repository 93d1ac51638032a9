// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package store abstracts the authoritative group document store. The engine
// only ever talks to the GroupStore interface; the concrete backends are an
// in-memory store for tests and local development, a NATS JetStream KV
// adapter for production, and a circuit-breaker decorator that wraps either.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/ridepool/internal/models"
)

// GroupStore is the authoritative remote store for groups.
//
// AdjustMemberCount must be atomic with respect to concurrent adjustments
// from other clients: implementations use compare-and-swap or equivalent,
// never read-modify-write of the whole record. The result is floored at 0
// and capped at the group's MaxMembers.
type GroupStore interface {
	// StreamAll returns a channel of full authoritative snapshots. The
	// first snapshot arrives promptly; subsequent snapshots follow every
	// remote change. The cancel func detaches the stream and closes the
	// channel.
	StreamAll(ctx context.Context) (<-chan []*models.Group, func(), error)

	// GetByID fetches one group. Missing groups yield KindNotFound.
	GetByID(ctx context.Context, id string) (*models.Group, error)

	// Create persists a new group and returns it with the store-assigned
	// ID populated.
	Create(ctx context.Context, g *models.Group) (*models.Group, error)

	// AdjustMemberCount atomically adds delta to the member count and
	// returns the new value. A positive delta against a full group yields
	// KindInvalidInput.
	AdjustMemberCount(ctx context.Context, id string, delta int) (int, error)

	// SetMember adds (present=true) or removes (present=false) a member
	// presence entry and its detail record.
	SetMember(ctx context.Context, id, userID string, info *models.MemberInfo, present bool) error

	// Delete removes a group. Deleting a missing group yields
	// KindNotFound; callers that treat that as success check the kind.
	Delete(ctx context.Context, id string) error
}

// Lister is the optional one-shot listing side of a store. The expiration
// sweeper requires it; all concrete backends here implement it.
type Lister interface {
	Snapshot(ctx context.Context) ([]*models.Group, error)
}

// Kind discriminates store failures for the classifier.
type Kind string

const (
	KindTimeout          Kind = "TIMEOUT"
	KindUnavailable      Kind = "UNAVAILABLE"
	KindNoConnection     Kind = "NO_CONNECTION"
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindSessionExpired   Kind = "SESSION_EXPIRED"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindInvalidInput     Kind = "INVALID_INPUT"
	KindAlreadyExists    Kind = "ALREADY_EXISTS"
	KindNotFound         Kind = "NOT_FOUND"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindInternal         Kind = "INTERNAL"
)

// Error is the typed failure every GroupStore implementation returns. The
// classifier switches on Kind; Cause carries the backend error for logs.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a typed store error.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that are
// not store errors report KindInternal; context deadline and cancellation
// report KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
