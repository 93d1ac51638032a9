// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package identity supplies the calling user for mutations. Absence of a
// user fails mutations immediately with an authentication error; nothing is
// enqueued for an anonymous caller.
package identity

import (
	"context"
	"errors"
)

// ErrNotAuthenticated is returned when no user can be established.
var ErrNotAuthenticated = errors.New("not authenticated")

// User is the authenticated caller.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	ContactInfo string `json:"contact_info,omitempty"`
}

// Provider resolves the current user for a request context.
type Provider interface {
	CurrentUser(ctx context.Context) (*User, error)
}

type ctxKey struct{}

// ContextWithUser stores an authenticated user on the context. The API
// middleware does this after verifying credentials.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the user previously stored on the context.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*User)
	return u, ok && u != nil
}

// ContextProvider resolves users from the request context. This is the
// provider the engine runs with in production: the HTTP middleware
// authenticates and stashes the user, the engine just reads it back.
type ContextProvider struct{}

func (ContextProvider) CurrentUser(ctx context.Context) (*User, error) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return u, nil
}

// StaticProvider always returns one configured user. Single-tenant
// deployments and tests use this.
type StaticProvider struct {
	User *User
}

func (p StaticProvider) CurrentUser(context.Context) (*User, error) {
	if p.User == nil || p.User.ID == "" {
		return nil, ErrNotAuthenticated
	}
	return p.User, nil
}

// NoneProvider never authenticates. Useful in tests exercising the
// fail-fast path.
type NoneProvider struct{}

func (NoneProvider) CurrentUser(context.Context) (*User, error) {
	return nil, ErrNotAuthenticated
}
