// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package georule decides group visibility: a group is shown to a rider only
// when it is within the join radius of the rider's position and has not yet
// expired. The same rules gate joining, so a rider can never join a group
// they cannot see.
package georule

import (
	"time"

	"github.com/tomtom215/ridepool/internal/models"
)

const (
	// earthRadiusMeters is the mean Earth radius used by the haversine
	// formula.
	earthRadiusMeters = 6371000.0

	// DefaultJoinRadiusMeters is the visibility radius around a rider.
	// The boundary is inclusive: a group at exactly this distance is
	// visible.
	DefaultJoinRadiusMeters = 500.0
)

// Rule evaluates proximity and expiry for groups. The zero value is not
// usable; construct with New.
type Rule struct {
	radiusMeters float64
}

// New returns a Rule with the given join radius. Non-positive radii fall
// back to DefaultJoinRadiusMeters.
func New(radiusMeters float64) *Rule {
	if radiusMeters <= 0 {
		radiusMeters = DefaultJoinRadiusMeters
	}
	return &Rule{radiusMeters: radiusMeters}
}

// RadiusMeters returns the configured join radius.
func (r *Rule) RadiusMeters() float64 {
	return r.radiusMeters
}

// WithinRadius reports whether the group's pickup point lies within the join
// radius of the rider position, boundary inclusive. Groups without resolved
// coordinates are never within radius.
func (r *Rule) WithinRadius(riderLat, riderLng float64, g *models.Group) bool {
	if !g.HasCoordinates() {
		return false
	}
	return Distance(riderLat, riderLng, *g.PickupLat, *g.PickupLng) <= r.radiusMeters
}

// Expired reports whether the group's lifetime has elapsed at the given
// instant. The comparison is strict: a group whose ExpiresAt equals now is
// still alive.
func (r *Rule) Expired(g *models.Group, now time.Time) bool {
	return now.UnixMilli() > g.ExpiresAt
}

// Visible reports whether the group should be shown to a rider at the given
// position and instant: within radius and not expired.
func (r *Rule) Visible(riderLat, riderLng float64, g *models.Group, now time.Time) bool {
	return !r.Expired(g, now) && r.WithinRadius(riderLat, riderLng, g)
}

// Filter returns the subset of groups visible to the rider, preserving input
// order. The input slice is not modified.
func (r *Rule) Filter(riderLat, riderLng float64, groups []*models.Group, now time.Time) []*models.Group {
	visible := make([]*models.Group, 0, len(groups))
	for _, g := range groups {
		if r.Visible(riderLat, riderLng, g, now) {
			visible = append(visible, g)
		}
	}
	return visible
}

// Distance returns the great-circle distance in meters between two
// coordinates using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	return haversine(lat1, lng1, lat2, lng2)
}
