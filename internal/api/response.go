// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package api provides the HTTP surface: routing, middleware, and handlers
// for group reads, mutation submission, and admin operations.
package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/optimistic"
	"github.com/tomtom215/ridepool/internal/sweeper"
)

// APIResponse is the standard response wrapper for all endpoints.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError carries a machine-readable code and a human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeSuccess writes a wrapped payload with the given status.
func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, APIResponse{Success: true, Data: data})
}

// writeError writes a wrapped error with the given status.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}

// writeEngineError maps engine validation and auth errors onto HTTP status
// codes. Anything unrecognized is an internal error.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
	case errors.Is(err, optimistic.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Group not found")
	case errors.Is(err, optimistic.ErrNotCreator):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, optimistic.ErrAlreadyMember),
		errors.Is(err, optimistic.ErrGroupFull),
		errors.Is(err, optimistic.ErrNotMember),
		errors.Is(err, optimistic.ErrPendingImmutable):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, optimistic.ErrMissingDest),
		errors.Is(err, optimistic.ErrMissingCoords):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, sweeper.ErrSweepInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, "A sweep is already in progress")
	default:
		logging.Error().Err(err).Msg("Unhandled engine error")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error")
	}
}
