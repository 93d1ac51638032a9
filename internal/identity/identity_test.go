// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestContextProviderRoundTrip(t *testing.T) {
	p := ContextProvider{}

	if _, err := p.CurrentUser(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("empty context: err = %v, want ErrNotAuthenticated", err)
	}

	ctx := ContextWithUser(context.Background(), &User{ID: "user-1", DisplayName: "Abebe"})
	u, err := p.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if u.ID != "user-1" || u.DisplayName != "Abebe" {
		t.Errorf("user = %+v", u)
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{User: &User{ID: "solo"}}
	u, err := p.CurrentUser(context.Background())
	if err != nil || u.ID != "solo" {
		t.Errorf("CurrentUser = (%+v, %v)", u, err)
	}

	empty := StaticProvider{}
	if _, err := empty.CurrentUser(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("empty static provider: err = %v, want ErrNotAuthenticated", err)
	}
}

func TestTokenVerifierRoundTrip(t *testing.T) {
	v, err := NewTokenVerifier("test-secret", "ridepool")
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	token, err := v.Issue(&User{ID: "user-1", DisplayName: "Abebe", ContactInfo: "+251900000000"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	u, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if u.ID != "user-1" || u.DisplayName != "Abebe" || u.ContactInfo != "+251900000000" {
		t.Errorf("user = %+v", u)
	}
}

func TestTokenVerifierRejects(t *testing.T) {
	v, _ := NewTokenVerifier("test-secret", "")
	other, _ := NewTokenVerifier("other-secret", "")

	expired, _ := v.Issue(&User{ID: "user-1"}, -time.Minute)
	wrongKey, _ := other.Issue(&User{ID: "user-1"}, time.Minute)

	tests := []struct {
		name   string
		bearer string
	}{
		{"empty", ""},
		{"garbage", "Bearer not-a-token"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.bearer); !errors.Is(err, ErrNotAuthenticated) {
				t.Errorf("Verify(%q) err = %v, want ErrNotAuthenticated", tt.name, err)
			}
		})
	}
}

func TestNewTokenVerifierRequiresSecret(t *testing.T) {
	if _, err := NewTokenVerifier("", ""); err == nil {
		t.Error("empty secret accepted")
	}
}
