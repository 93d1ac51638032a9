// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tomtom215/ridepool/internal/events"
	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/optimistic"
	"github.com/tomtom215/ridepool/internal/store"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, *models.PendingMutation) error { return nil }

func setupHub(t *testing.T) (*Hub, *store.MemStore, *events.Bus, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ms := store.NewMemStore()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	state := optimistic.New(ctx, ms, nopQueue{}, nil,
		identity.StaticProvider{User: &identity.User{ID: "user-1"}}, optimistic.DefaultConfig())

	hub := NewHub(state, bus)
	go func() { _ = hub.Serve(ctx) }()

	srv := httptest.NewServer(NewHandler(hub, []string{"*"}))
	t.Cleanup(srv.Close)

	return hub, ms, bus, srv
}

func dial(t *testing.T, srv *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		var msg struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == wantType {
			return msg.Data
		}
	}
	t.Fatalf("no %s message", wantType)
	return nil
}

func TestClientReceivesInitialView(t *testing.T) {
	_, ms, _, srv := setupHub(t)
	ms.Seed(&models.Group{
		ID:         "grp-1",
		MaxMembers: 4,
		CreatedAt:  time.Now().UnixMilli(),
		ExpiresAt:  time.Now().Add(30 * time.Minute).UnixMilli(),
	})

	conn := dial(t, srv)
	data := readMessage(t, conn, MessageTypeGroups)
	if data == nil {
		t.Fatal("no groups payload")
	}
}

func TestClientReceivesStoreChanges(t *testing.T) {
	_, ms, _, srv := setupHub(t)
	conn := dial(t, srv)

	// Initial view first.
	readMessage(t, conn, MessageTypeGroups)

	ms.Seed(&models.Group{
		ID:         "grp-new",
		MaxMembers: 4,
		CreatedAt:  time.Now().UnixMilli(),
		ExpiresAt:  time.Now().Add(30 * time.Minute).UnixMilli(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		data := readMessage(t, conn, MessageTypeGroups)
		if count, _ := data["count"].(float64); count == 1 {
			return
		}
	}
	t.Fatal("store change never reached the client")
}

func TestClientReceivesNotifications(t *testing.T) {
	_, _, bus, srv := setupHub(t)
	conn := dial(t, srv)
	readMessage(t, conn, MessageTypeGroups)

	if err := bus.PublishNotification(events.Notification{
		Level:       events.LevelSuccess,
		Message:     "You're in! The group has a seat for you.",
		OperationID: "op-1",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	data := readMessage(t, conn, MessageTypeNotification)
	if data["operation_id"] != "op-1" {
		t.Errorf("notification = %+v", data)
	}
}

func TestPingPong(t *testing.T) {
	_, _, _, srv := setupHub(t)
	conn := dial(t, srv)
	readMessage(t, conn, MessageTypeGroups)

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readMessage(t, conn, MessageTypePong)
}

func TestHubClientCount(t *testing.T) {
	hub, _, _, srv := setupHub(t)
	conn := dial(t, srv)
	readMessage(t, conn, MessageTypeGroups)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", hub.ClientCount())
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d after close, want 0", hub.ClientCount())
}
