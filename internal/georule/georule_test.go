// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package georule

import (
	"math"
	"testing"
	"time"

	"github.com/tomtom215/ridepool/internal/models"
)

// metersToLatDegrees converts a north-south distance to degrees of latitude.
// Along a meridian the haversine distance reduces to radius * deltaLat, so
// this gives exact control over test distances.
func metersToLatDegrees(m float64) float64 {
	return m / earthRadiusMeters * 180 / math.Pi
}

func testGroup(t *testing.T, lat, lng float64, expiresAt int64) *models.Group {
	t.Helper()
	return &models.Group{
		ID:              "grp-1",
		DestinationName: "Bole Airport",
		PickupLat:       &lat,
		PickupLng:       &lng,
		CreatorID:       "user-1",
		MaxMembers:      4,
		ExpiresAt:       expiresAt,
	}
}

func TestDistanceZero(t *testing.T) {
	d := Distance(9.0054, 38.7619, 9.0054, 38.7619)
	if d != 0 {
		t.Errorf("distance between identical points = %v, want 0", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
	}{
		{"addis ababa pair", 9.0054, 38.7619, 9.0100, 38.7700},
		{"equator crossing", -0.5, 10.0, 0.5, 10.5},
		{"antimeridian", 10.0, 179.9, 10.0, -179.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab := Distance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			ba := Distance(tt.lat2, tt.lng2, tt.lat1, tt.lng1)
			if math.Abs(ab-ba) > 1e-9 {
				t.Errorf("distance not symmetric: %v vs %v", ab, ba)
			}
			if ab < 0 {
				t.Errorf("distance negative: %v", ab)
			}
		})
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// One degree of latitude along a meridian is radius * pi/180.
	want := earthRadiusMeters * math.Pi / 180
	got := Distance(9.0, 38.76, 10.0, 38.76)
	if math.Abs(got-want) > 0.01 {
		t.Errorf("one degree latitude = %v m, want %v m", got, want)
	}
}

func TestWithinRadiusBoundaries(t *testing.T) {
	const riderLat, riderLng = 9.0054, 38.7619
	rule := New(500.0)

	tests := []struct {
		name   string
		meters float64
		want   bool
	}{
		{"well inside", 100, true},
		{"just inside", 499.9, true},
		{"just outside", 500.1, false},
		{"far outside", 5000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGroup(t, riderLat+metersToLatDegrees(tt.meters), riderLng, 0)
			if got := rule.WithinRadius(riderLat, riderLng, g); got != tt.want {
				d := Distance(riderLat, riderLng, *g.PickupLat, *g.PickupLng)
				t.Errorf("WithinRadius at %.1f m (actual %.4f m) = %v, want %v",
					tt.meters, d, got, tt.want)
			}
		})
	}
}

func TestWithinRadiusBoundaryInclusive(t *testing.T) {
	// Build a rule whose radius is the exact computed distance to the
	// group, so the comparison exercises the boundary with no float
	// conversion error.
	const riderLat, riderLng = 9.0054, 38.7619
	g := testGroup(t, riderLat+metersToLatDegrees(500), riderLng, 0)
	d := Distance(riderLat, riderLng, *g.PickupLat, *g.PickupLng)

	rule := New(d)
	if !rule.WithinRadius(riderLat, riderLng, g) {
		t.Error("group at exactly the join radius should be within radius")
	}
}

func TestWithinRadiusNoCoordinates(t *testing.T) {
	rule := New(500.0)
	g := &models.Group{ID: "grp-nocoords", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	if rule.WithinRadius(9.0054, 38.7619, g) {
		t.Error("group without coordinates should never be within radius")
	}
}

func TestExpiredStrictBoundary(t *testing.T) {
	rule := New(500.0)
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"expires in future", now.Add(time.Minute).UnixMilli(), false},
		{"expires exactly now", now.UnixMilli(), false},
		{"expired one milli ago", now.UnixMilli() - 1, true},
		{"expired long ago", now.Add(-time.Hour).UnixMilli(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGroup(t, 9.0054, 38.7619, tt.expiresAt)
			if got := rule.Expired(g, now); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVisibleRequiresBothConditions(t *testing.T) {
	const riderLat, riderLng = 9.0054, 38.7619
	rule := New(500.0)
	now := time.Now()
	alive := now.Add(10 * time.Minute).UnixMilli()
	dead := now.Add(-time.Minute).UnixMilli()

	tests := []struct {
		name string
		g    *models.Group
		want bool
	}{
		{"near and alive", testGroup(t, riderLat+metersToLatDegrees(100), riderLng, alive), true},
		{"near but expired", testGroup(t, riderLat+metersToLatDegrees(100), riderLng, dead), false},
		{"alive but far", testGroup(t, riderLat+metersToLatDegrees(2000), riderLng, alive), false},
		{"far and expired", testGroup(t, riderLat+metersToLatDegrees(2000), riderLng, dead), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rule.Visible(riderLat, riderLng, tt.g, now); got != tt.want {
				t.Errorf("Visible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	const riderLat, riderLng = 9.0054, 38.7619
	rule := New(500.0)
	now := time.Now()
	alive := now.Add(10 * time.Minute).UnixMilli()

	near1 := testGroup(t, riderLat+metersToLatDegrees(50), riderLng, alive)
	near1.ID = "grp-a"
	far := testGroup(t, riderLat+metersToLatDegrees(3000), riderLng, alive)
	far.ID = "grp-b"
	near2 := testGroup(t, riderLat+metersToLatDegrees(400), riderLng, alive)
	near2.ID = "grp-c"

	got := rule.Filter(riderLat, riderLng, []*models.Group{near1, far, near2}, now)
	if len(got) != 2 {
		t.Fatalf("filtered %d groups, want 2", len(got))
	}
	if got[0].ID != "grp-a" || got[1].ID != "grp-c" {
		t.Errorf("filter order = [%s %s], want [grp-a grp-c]", got[0].ID, got[1].ID)
	}
}

func TestNewDefaultRadius(t *testing.T) {
	for _, radius := range []float64{0, -1} {
		rule := New(radius)
		if rule.RadiusMeters() != DefaultJoinRadiusMeters {
			t.Errorf("New(%v) radius = %v, want default %v",
				radius, rule.RadiusMeters(), DefaultJoinRadiusMeters)
		}
	}
}
