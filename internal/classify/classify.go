// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package classify turns raw store failures into IntelligentErrors: a stable
// category, a user-facing message, and a retry decision. The reconciliation
// runner keys its retry/rollback choice entirely off this classification so
// the policy lives in exactly one place.
package classify

import (
	"fmt"

	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/store"
)

// Category is the stable error taxonomy exposed to clients and logs.
type Category string

const (
	NetworkTimeout    Category = "NETWORK_TIMEOUT"
	NoInternet        Category = "NO_INTERNET"
	ServerUnavailable Category = "SERVER_UNAVAILABLE"
	RateLimited       Category = "RATE_LIMITED"
	AuthRequired      Category = "AUTH_REQUIRED"
	SessionExpired    Category = "SESSION_EXPIRED"
	PermissionDenied  Category = "PERMISSION_DENIED"
	InvalidInput      Category = "INVALID_INPUT"
	Duplicate         Category = "DUPLICATE"
	NotFound          Category = "NOT_FOUND"
	UnknownError      Category = "UNKNOWN_ERROR"
)

// IntelligentError is the classified form of a mutation failure.
type IntelligentError struct {
	Category    Category `json:"category"`
	UserMessage string   `json:"user_message"`
	Retryable   bool     `json:"retryable"`

	// Benign marks failures that count as success for the operation that
	// produced them, e.g. deleting an already-deleted group.
	Benign bool `json:"benign,omitempty"`

	// DebugContext carries the underlying error text for logs. Never
	// shown to users.
	DebugContext string `json:"-"`
}

func (e *IntelligentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.UserMessage)
}

// Classify maps a store failure to an IntelligentError for the given
// mutation kind. A nil err yields nil.
func Classify(kind models.MutationKind, err error) *IntelligentError {
	if err == nil {
		return nil
	}

	ie := &IntelligentError{DebugContext: err.Error()}

	switch store.KindOf(err) {
	case store.KindTimeout:
		ie.Category = NetworkTimeout
		ie.UserMessage = "The request timed out. We'll keep trying."
		ie.Retryable = true
	case store.KindNoConnection:
		ie.Category = NoInternet
		ie.UserMessage = "No internet connection. Your change will sync when you're back online."
		ie.Retryable = true
	case store.KindUnavailable:
		ie.Category = ServerUnavailable
		ie.UserMessage = "The service is temporarily unavailable. We'll keep trying."
		ie.Retryable = true
	case store.KindRateLimited:
		ie.Category = RateLimited
		ie.UserMessage = "Too many requests. We'll retry shortly."
		ie.Retryable = true
	case store.KindUnauthenticated:
		ie.Category = AuthRequired
		ie.UserMessage = "Please sign in to continue."
	case store.KindSessionExpired:
		ie.Category = SessionExpired
		ie.UserMessage = "Your session has expired. Please sign in again."
	case store.KindPermissionDenied:
		ie.Category = PermissionDenied
		ie.UserMessage = "You don't have permission to do that."
	case store.KindInvalidInput:
		ie.Category = InvalidInput
		ie.UserMessage = "That request isn't valid. The group may be full."
	case store.KindAlreadyExists:
		ie.Category = Duplicate
		ie.UserMessage = "That already exists."
	case store.KindNotFound:
		ie.Category = NotFound
		if kind == models.MutationDelete {
			// The group is already gone; exactly the outcome the
			// delete wanted.
			ie.Benign = true
			ie.UserMessage = "The group was already removed."
		} else {
			ie.UserMessage = "That group no longer exists. It may have expired."
		}
	default:
		ie.Category = UnknownError
		ie.UserMessage = "Something went wrong. Please try again."
	}

	return ie
}

// Retryable reports whether a raw error would be retried for the given kind.
func Retryable(kind models.MutationKind, err error) bool {
	ie := Classify(kind, err)
	return ie != nil && ie.Retryable
}
