// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package optimistic

import (
	"sort"

	"github.com/tomtom215/ridepool/internal/models"
)

// mergedLocked overlays the pending mutations, in submission order, on a
// copy of the authoritative snapshot. Authoritative groups keep their
// CreatedAt/ID ordering; create placeholders are appended after them in
// submission order. Caller holds mu.
//
// Overlay rules:
//   - create inserts a placeholder under its temporary ID
//   - join raises the count by one, capped at MaxMembers, and marks presence
//   - leave lowers the count by one, floored at zero, and clears presence
//   - delete removes the group from the view entirely
//
// A join overlay can overstate the count by one while a concurrent leave is
// in flight at the store; the next authoritative snapshot corrects it.
func (s *State) mergedLocked() []*models.Group {
	byID := make(map[string]*models.Group, len(s.snapshot))
	authoritative := make([]string, 0, len(s.snapshot))
	var placeholders []string

	for _, g := range s.snapshot {
		byID[g.ID] = g.Clone()
		authoritative = append(authoritative, g.ID)
	}

	for _, opID := range s.order {
		m := s.pending[opID]
		switch m.Kind {
		case models.MutationCreate:
			if _, exists := byID[m.TargetGroupID]; exists {
				continue
			}
			byID[m.TargetGroupID] = m.Group.Clone()
			placeholders = append(placeholders, m.TargetGroupID)

		case models.MutationJoin:
			g, ok := byID[m.TargetGroupID]
			if !ok {
				continue
			}
			if g.Members == nil {
				g.Members = make(map[string]bool)
			}
			if g.MemberDetails == nil {
				g.MemberDetails = make(map[string]models.MemberInfo)
			}
			if !g.Members[m.UserID] {
				g.Members[m.UserID] = true
				if m.Member != nil {
					g.MemberDetails[m.UserID] = *m.Member
				}
				if g.MemberCount < g.MaxMembers {
					g.MemberCount++
				}
			}

		case models.MutationLeave:
			g, ok := byID[m.TargetGroupID]
			if !ok {
				continue
			}
			if g.Members[m.UserID] {
				delete(g.Members, m.UserID)
				delete(g.MemberDetails, m.UserID)
				if g.MemberCount > 0 {
					g.MemberCount--
				}
			}

		case models.MutationDelete:
			if _, ok := byID[m.TargetGroupID]; ok {
				delete(byID, m.TargetGroupID)
			}
		}
	}

	view := make([]*models.Group, 0, len(byID))
	for _, id := range authoritative {
		if g, ok := byID[id]; ok {
			view = append(view, g)
		}
	}
	for _, id := range placeholders {
		if g, ok := byID[id]; ok {
			view = append(view, g)
		}
	}
	return view
}

// mergedGroupLocked returns one group from the merged view, or nil. Caller
// holds mu.
func (s *State) mergedGroupLocked(id string) *models.Group {
	for _, g := range s.mergedLocked() {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// upsertSnapshotLocked folds a confirmed group into the snapshot so it is
// visible before the next stream snapshot arrives. Caller holds mu.
func (s *State) upsertSnapshotLocked(g *models.Group) {
	for i, existing := range s.snapshot {
		if existing.ID == g.ID {
			s.snapshot[i] = g.Clone()
			return
		}
	}
	updated := make([]*models.Group, len(s.snapshot), len(s.snapshot)+1)
	copy(updated, s.snapshot)
	updated = append(updated, g.Clone())
	sort.Slice(updated, func(i, j int) bool {
		if updated[i].CreatedAt != updated[j].CreatedAt {
			return updated[i].CreatedAt < updated[j].CreatedAt
		}
		return updated[i].ID < updated[j].ID
	})
	s.snapshot = updated
}
