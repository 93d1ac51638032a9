// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/ridepool/internal/georule"
	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/optimistic"
	"github.com/tomtom215/ridepool/internal/reconcile"
	"github.com/tomtom215/ridepool/internal/store"
	"github.com/tomtom215/ridepool/internal/sweeper"
)

type testEnv struct {
	store   *store.MemStore
	state   *optimistic.State
	queue   *reconcile.Queue
	handler http.Handler
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := reconcile.DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	q, err := reconcile.OpenForTesting(&cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	ms := store.NewMemStore()
	user := &identity.User{ID: "user-1", DisplayName: "Abebe", ContactInfo: "+251900000000"}
	state := optimistic.New(context.Background(), ms, q, nil,
		identity.ContextProvider{}, optimistic.DefaultConfig())

	sw := sweeper.New(ms, nil, nil, sweeper.DefaultConfig())

	h := NewHandler(state, q, sw, georule.New(0), nil)
	routerCfg := DefaultRouterConfig()
	routerCfg.RateLimitDisabled = true
	router := NewRouter(h, nil, user, nil, routerCfg)

	return &testEnv{store: ms, state: state, queue: q, handler: router.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func seedGroup(e *testEnv, id string, lat, lng float64, count int) {
	e.store.Seed(&models.Group{
		ID:          id,
		CreatorID:   "user-1",
		PickupLat:   &lat,
		PickupLng:   &lng,
		MaxMembers:  4,
		MemberCount: count,
		CreatedAt:   time.Now().UnixMilli(),
		ExpiresAt:   time.Now().Add(30 * time.Minute).UnixMilli(),
	})
}

// waitForSnapshot lets the state's stream listener deliver the seeded store
// contents before the test asserts on the merged view.
func waitForSnapshot(t *testing.T, e *testEnv, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.state.Watch(ctx)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case view := <-ch:
			if len(view) == want {
				return
			}
		case <-deadline:
			t.Fatalf("merged view never reached %d groups", want)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := setupEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateGroupAccepted(t *testing.T) {
	e := setupEnv(t)
	lat, lng := 9.0054, 38.7619
	rec := e.do(t, http.MethodPost, "/api/v1/groups", models.GroupDraft{
		DestinationName: "Bole Airport",
		PickupLat:       &lat,
		PickupLng:       &lng,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	data, _ := resp.Data.(map[string]any)
	opID, _ := data["operation_id"].(string)
	if opID == "" {
		t.Fatalf("no operation_id in %+v", resp.Data)
	}
	group, _ := data["group"].(map[string]any)
	id, _ := group["id"].(string)
	if !strings.HasPrefix(id, models.PendingTempIDPrefix) {
		t.Errorf("placeholder id = %q", id)
	}

	// The placeholder is immediately readable.
	list := decodeResponse(t, e.do(t, http.MethodGet, "/api/v1/groups", nil))
	listData, _ := list.Data.(map[string]any)
	if count, _ := listData["count"].(float64); count != 1 {
		t.Errorf("merged view count = %v, want 1", listData["count"])
	}
}

func TestCreateGroupValidation(t *testing.T) {
	e := setupEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/groups", models.GroupDraft{DestinationName: "Bole"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing coordinates: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/groups", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	e.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec2.Code)
	}
}

func TestJoinLeaveDeleteRoutes(t *testing.T) {
	e := setupEnv(t)
	seedGroup(e, "grp-1", 9.0054, 38.7619, 1)
	waitForSnapshot(t, e, 1)

	rec := e.do(t, http.MethodPost, "/api/v1/groups/grp-1/join", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("join status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Duplicate join conflicts against the merged view.
	rec = e.do(t, http.MethodPost, "/api/v1/groups/grp-1/join", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second join status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/groups/grp-1/leave", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("leave status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/groups/grp-1", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/groups/missing/join", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("join missing status = %d", rec.Code)
	}
}

func TestNearbyGroups(t *testing.T) {
	e := setupEnv(t)
	// ~0.0045 degrees latitude is roughly 500 m.
	seedGroup(e, "close", 9.0054, 38.7619, 1)
	seedGroup(e, "far", 9.1000, 38.7619, 1)
	waitForSnapshot(t, e, 2)

	rec := e.do(t, http.MethodGet, "/api/v1/groups/nearby?lat=9.0054&lng=38.7619", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	data, _ := resp.Data.(map[string]any)
	if count, _ := data["count"].(float64); count != 1 {
		t.Errorf("nearby count = %v, want 1", data["count"])
	}

	rec = e.do(t, http.MethodGet, "/api/v1/groups/nearby?lng=38.7619", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing lat status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/groups/nearby?lat=99&lng=38.7619", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range lat status = %d", rec.Code)
	}
}

func TestGetGroup(t *testing.T) {
	e := setupEnv(t)
	seedGroup(e, "grp-1", 9.0054, 38.7619, 1)
	waitForSnapshot(t, e, 1)

	if rec := e.do(t, http.MethodGet, "/api/v1/groups/grp-1", nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/groups/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d", rec.Code)
	}
}

func TestAdminSweep(t *testing.T) {
	e := setupEnv(t)
	e.store.Seed(&models.Group{
		ID:         "expired",
		MaxMembers: 4,
		CreatedAt:  time.Now().Add(-time.Hour).UnixMilli(),
		ExpiresAt:  time.Now().Add(-30 * time.Minute).UnixMilli(),
	})

	rec := e.do(t, http.MethodPost, "/api/v1/admin/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data, _ := resp.Data.(map[string]any)
	if deleted, _ := data["deleted_count"].(float64); deleted != 1 {
		t.Errorf("deleted_count = %v, want 1", data["deleted_count"])
	}
}

func TestAdminQueue(t *testing.T) {
	e := setupEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/admin/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenAuthRequired(t *testing.T) {
	e := setupEnv(t)

	verifier, err := identity.NewTokenVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	cfg := DefaultRouterConfig()
	cfg.RateLimitDisabled = true
	h := NewHandler(e.state, e.queue, sweeper.New(e.store, nil, nil, sweeper.DefaultConfig()), georule.New(0), nil)
	handler := NewRouter(h, verifier, nil, nil, cfg).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	token, err := verifier.Issue(&identity.User{ID: "user-1", DisplayName: "Abebe"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketRouteUnconfigured(t *testing.T) {
	e := setupEnv(t)
	rec := e.do(t, http.MethodGet, "/ws", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
