// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/ridepool/internal/georule"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/optimistic"
	"github.com/tomtom215/ridepool/internal/reconcile"
	"github.com/tomtom215/ridepool/internal/sweeper"
)

// BreakerReporter exposes the store circuit breaker state for health checks.
type BreakerReporter interface {
	State() string
}

// Handler implements every route. All reads come from the merged optimistic
// view; all writes go through the engine and return 202 with an operation ID.
type Handler struct {
	state   *optimistic.State
	queue   *reconcile.Queue
	sweeper *sweeper.Sweeper
	rule    *georule.Rule
	breaker BreakerReporter

	startedAt time.Time
}

// NewHandler builds the handler set. breaker may be nil when the store runs
// unwrapped.
func NewHandler(state *optimistic.State, queue *reconcile.Queue, sw *sweeper.Sweeper, rule *georule.Rule, breaker BreakerReporter) *Handler {
	if rule == nil {
		rule = georule.New(0)
	}
	return &Handler{
		state:     state,
		queue:     queue,
		sweeper:   sw,
		rule:      rule,
		breaker:   breaker,
		startedAt: time.Now(),
	}
}

// operationResponse is the 202 payload for accepted mutations.
type operationResponse struct {
	OperationID string        `json:"operation_id"`
	Group       *models.Group `json:"group,omitempty"`
}

// Health reports process status, queue stats, and breaker state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	breakerState := "disabled"
	if h.breaker != nil {
		breakerState = h.breaker.State()
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"pending_overlays": h.state.PendingCount(),
		"queue":            h.queue.Stats(),
		"breaker":          breakerState,
		"sweeper_running":  h.sweeper.IsRunning(),
	})
}

// ListGroups returns the full merged view.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.state.MergedView()
	writeSuccess(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// GetGroup returns one group from the merged view.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g := h.state.Group(chi.URLParam(r, "id"))
	if g == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Group not found")
		return
	}
	writeSuccess(w, http.StatusOK, g)
}

// NearbyGroups returns unexpired groups within the join radius of the
// caller's position. An optional radius parameter narrows the rule's radius,
// it can never widen it.
func (h *Handler) NearbyGroups(w http.ResponseWriter, r *http.Request) {
	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "lat is required and must be a number")
		return
	}
	lng, err := parseFloatParam(r, "lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "lng is required and must be a number")
		return
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Coordinates out of range")
		return
	}

	rule := h.rule
	if raw := r.URL.Query().Get("radius"); raw != "" {
		radius, err := strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "radius must be a positive number")
			return
		}
		if radius < rule.RadiusMeters() {
			rule = georule.New(radius)
		}
	}

	groups := rule.Filter(lat, lng, h.state.MergedView(), time.Now())
	writeSuccess(w, http.StatusOK, map[string]any{
		"groups":        groups,
		"count":         len(groups),
		"radius_meters": rule.RadiusMeters(),
	})
}

// CreateGroup accepts a draft and returns 202 with the placeholder group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var draft models.GroupDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	opID, g, err := h.state.CreateGroup(r.Context(), draft)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, operationResponse{OperationID: opID, Group: g})
}

// JoinGroup returns 202 with the operation ID.
func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	opID, err := h.state.JoinGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, operationResponse{OperationID: opID})
}

// LeaveGroup returns 202 with the operation ID.
func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	opID, err := h.state.LeaveGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, operationResponse{OperationID: opID})
}

// DeleteGroup returns 202 with the operation ID.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	opID, err := h.state.DeleteGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, operationResponse{OperationID: opID})
}

// TriggerSweep runs a sweep now. Returns 409 when one is in progress.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// QueueStats reports the durable queue state and its pending entries.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.GetPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to read queue")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"stats":   h.queue.Stats(),
		"pending": entries,
	})
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(name), 64)
}
