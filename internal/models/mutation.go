// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package models

import (
	"fmt"

	"github.com/google/uuid"
)

// MutationKind identifies the store operation a pending mutation performs.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationJoin   MutationKind = "join"
	MutationLeave  MutationKind = "leave"
	MutationDelete MutationKind = "delete"
)

// MutationStatus tracks a pending mutation through its lifecycle.
// Pending -> Succeeded on store confirmation, Pending -> Failed on a
// non-retryable error or retry exhaustion. Retryable failures leave the
// mutation Pending.
type MutationStatus string

const (
	MutationPending   MutationStatus = "pending"
	MutationSucceeded MutationStatus = "succeeded"
	MutationFailed    MutationStatus = "failed"
)

// PendingTempIDPrefix marks client-temporary group IDs synthesized for
// optimistic Create overlays before the store assigns a real ID.
const PendingTempIDPrefix = "pending-"

// PendingMutation is a locally-originated group mutation that has not yet
// been confirmed by the remote store. It is owned exclusively by the
// optimistic state and the reconciliation queue and is never persisted to
// the remote store itself.
//
// The OperationID is the idempotency key: the same logical mutation is never
// submitted twice under different IDs, and retries always reuse the original.
type PendingMutation struct {
	OperationID string       `json:"operation_id"`
	Kind        MutationKind `json:"kind"`

	// TargetGroupID is the affected group, or a PendingTempIDPrefix
	// placeholder for Create until the store assigns a real ID.
	TargetGroupID string `json:"target_group_id"`

	// Create payload.
	Group *Group `json:"group,omitempty"`

	// Join/Leave payload.
	UserID string      `json:"user_id,omitempty"`
	Member *MemberInfo `json:"member,omitempty"`

	Status     MutationStatus `json:"status"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// NewTempGroupID returns a fresh client-temporary group ID for an optimistic
// Create overlay.
func NewTempGroupID() string {
	return PendingTempIDPrefix + uuid.New().String()
}

// NewOperationID returns a fresh operation ID.
func NewOperationID() string {
	return uuid.New().String()
}

// Validate checks the kind-specific payload is present.
func (m *PendingMutation) Validate() error {
	if m.OperationID == "" {
		return fmt.Errorf("mutation missing operation ID")
	}
	switch m.Kind {
	case MutationCreate:
		if m.Group == nil {
			return fmt.Errorf("create mutation %s missing group payload", m.OperationID)
		}
	case MutationJoin:
		if m.TargetGroupID == "" || m.UserID == "" || m.Member == nil {
			return fmt.Errorf("join mutation %s missing target, user, or member info", m.OperationID)
		}
	case MutationLeave:
		if m.TargetGroupID == "" || m.UserID == "" {
			return fmt.Errorf("leave mutation %s missing target or user", m.OperationID)
		}
	case MutationDelete:
		if m.TargetGroupID == "" {
			return fmt.Errorf("delete mutation %s missing target", m.OperationID)
		}
	default:
		return fmt.Errorf("mutation %s has unknown kind %q", m.OperationID, m.Kind)
	}
	return nil
}
