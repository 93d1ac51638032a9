// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package models contains the core domain entities shared across the
// reconciliation engine: groups, members, pending mutations, and sweep
// results.
package models

import (
	"time"
)

// DefaultExpirationWindow is how long a group lives after creation unless
// an explicit expiry is supplied at creation time.
const DefaultExpirationWindow = 30 * time.Minute

// DefaultMaxMembers is the member cap applied when a draft does not set one.
const DefaultMaxMembers = 4

// Group is a time-boxed, capacity-bounded ride-sharing party anchored to a
// pickup coordinate. Groups are remote-authoritative: the store assigns the
// ID on creation and the member count is only ever mutated through atomic
// adjustment, never by whole-record overwrite.
type Group struct {
	// ID is assigned by the store on creation and immutable afterwards.
	ID string `json:"id"`

	// DestinationName is the display destination shown to riders.
	// OriginalDestination preserves the creator's raw input before any
	// normalization.
	DestinationName     string `json:"destination_name"`
	OriginalDestination string `json:"original_destination,omitempty"`

	// PickupLat/PickupLng are nil only before the creator's location is
	// resolved. A persisted group always carries coordinates.
	PickupLat *float64 `json:"pickup_lat,omitempty"`
	PickupLng *float64 `json:"pickup_lng,omitempty"`

	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name,omitempty"`

	// CreatedAt and ExpiresAt are epoch milliseconds. ExpiresAt is
	// CreatedAt + DefaultExpirationWindow unless overridden at creation.
	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`

	// MaxMembers is fixed at creation. MemberCount stays in
	// [0, MaxMembers] and is mutated only via atomic increment/decrement.
	MaxMembers  int `json:"max_members"`
	MemberCount int `json:"member_count"`

	// Members holds presence (user ID -> true). MemberDetails carries the
	// per-member display data written alongside every Members addition.
	Members       map[string]bool       `json:"members,omitempty"`
	MemberDetails map[string]MemberInfo `json:"member_details,omitempty"`
}

// MemberInfo is the per-member detail record stored next to the presence map.
type MemberInfo struct {
	DisplayName string `json:"display_name"`
	ContactInfo string `json:"contact_info,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
}

// Clone returns a deep copy. The merge engine overlays pending mutations on
// copies so the authoritative snapshot is never mutated in place.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	cp := *g
	if g.PickupLat != nil {
		lat := *g.PickupLat
		cp.PickupLat = &lat
	}
	if g.PickupLng != nil {
		lng := *g.PickupLng
		cp.PickupLng = &lng
	}
	if g.Members != nil {
		cp.Members = make(map[string]bool, len(g.Members))
		for k, v := range g.Members {
			cp.Members[k] = v
		}
	}
	if g.MemberDetails != nil {
		cp.MemberDetails = make(map[string]MemberInfo, len(g.MemberDetails))
		for k, v := range g.MemberDetails {
			cp.MemberDetails[k] = v
		}
	}
	return &cp
}

// HasCoordinates reports whether both pickup coordinates are resolved.
func (g *Group) HasCoordinates() bool {
	return g != nil && g.PickupLat != nil && g.PickupLng != nil
}

// IsFull reports whether the group has reached its member cap.
func (g *Group) IsFull() bool {
	return g.MemberCount >= g.MaxMembers
}

// GroupDraft is the caller-supplied input for group creation. The store
// assigns the real ID; the engine assigns timestamps.
type GroupDraft struct {
	DestinationName     string   `json:"destination_name"`
	OriginalDestination string   `json:"original_destination,omitempty"`
	PickupLat           *float64 `json:"pickup_lat,omitempty"`
	PickupLng           *float64 `json:"pickup_lng,omitempty"`
	MaxMembers          int      `json:"max_members,omitempty"`

	// ExpiresAt overrides the default expiration window when non-zero.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// NewGroupFromDraft materializes a Group from a draft at the given creation
// instant. The returned group has no ID; the store assigns one on Create.
func NewGroupFromDraft(draft GroupDraft, creatorID, creatorName string, now time.Time) *Group {
	createdAt := now.UnixMilli()
	expiresAt := draft.ExpiresAt
	if expiresAt == 0 {
		expiresAt = createdAt + DefaultExpirationWindow.Milliseconds()
	}
	maxMembers := draft.MaxMembers
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}
	return &Group{
		DestinationName:     draft.DestinationName,
		OriginalDestination: draft.OriginalDestination,
		PickupLat:           draft.PickupLat,
		PickupLng:           draft.PickupLng,
		CreatorID:           creatorID,
		CreatorName:         creatorName,
		CreatedAt:           createdAt,
		ExpiresAt:           expiresAt,
		MaxMembers:          maxMembers,
		MemberCount:         0,
		Members:             make(map[string]bool),
		MemberDetails:       make(map[string]MemberInfo),
	}
}

// SweepResult summarizes a single expiration sweep run.
type SweepResult struct {
	TotalChecked int       `json:"total_checked"`
	ExpiredCount int       `json:"expired_count"`
	DeletedCount int       `json:"deleted_count"`
	Errors       []string  `json:"errors,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}
