// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package websocket pushes live state to connected riders: every merged-view
// change, every mutation outcome notification, and every sweep completion.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/ridepool/internal/events"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/metrics"
	"github.com/tomtom215/ridepool/internal/models"
	"github.com/tomtom215/ridepool/internal/optimistic"
)

// Message types.
const (
	MessageTypeGroups       = "groups"
	MessageTypeNotification = "notification"
	MessageTypeLifecycle    = "lifecycle"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is the wire format for all pushed events.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of active clients and fans events out to them.
type Hub struct {
	state *optimistic.State
	bus   *events.Bus

	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub builds a hub over the merged-view engine and the event bus. Either
// may be nil in tests exercising only client plumbing.
func NewHub(state *optimistic.State, bus *events.Bus) *Hub {
	return &Hub{
		state:      state,
		bus:        bus,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Serve runs the hub until ctx ends. Designed for suture supervision; the
// returned error is always ctx.Err().
func (h *Hub) Serve(ctx context.Context) error {
	if h.state != nil {
		go h.watchGroups(ctx)
	}
	if h.bus != nil {
		go h.pumpNotifications(ctx)
		go h.pumpLifecycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().Msg("WebSocket hub stopped")
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(total))
			logging.Info().Int("total_clients", total).Msg("WebSocket client connected")

			// New clients get the current view right away.
			if h.state != nil {
				client.trySend(Message{Type: MessageTypeGroups, Data: groupsPayload(h.state.MergedView())})
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(total))
			logging.Info().Int("total_clients", total).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all clients, dropping it when the hub is
// saturated.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn().Str("message_type", msg.Type).Msg("Broadcast channel full, dropping message")
	}
}

type groupsData struct {
	Groups []*models.Group `json:"groups"`
	Count  int             `json:"count"`
}

func groupsPayload(groups []*models.Group) groupsData {
	return groupsData{Groups: groups, Count: len(groups)}
}

// watchGroups forwards every merged-view change. The watch attaches the
// engine's stream listener for as long as the hub runs.
func (h *Hub) watchGroups(ctx context.Context) {
	for view := range h.state.Watch(ctx) {
		h.Broadcast(Message{Type: MessageTypeGroups, Data: groupsPayload(view)})
	}
}

func (h *Hub) pumpNotifications(ctx context.Context) {
	ch, err := h.bus.SubscribeNotifications(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to subscribe to notifications")
		return
	}
	for n := range ch {
		h.Broadcast(Message{Type: MessageTypeNotification, Data: n})
	}
}

func (h *Hub) pumpLifecycle(ctx context.Context) {
	ch, err := h.bus.SubscribeLifecycle(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to subscribe to lifecycle events")
		return
	}
	for e := range ch {
		h.Broadcast(Message{Type: MessageTypeLifecycle, Data: e})
	}
}

// broadcastToClients delivers to every client in ID order. A client whose
// send buffer is full is dropped; its read pump notices the closed channel
// and tears the connection down.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		select {
		case client.send <- msg:
			metrics.WSMessagesSent.Inc()
		default:
			metrics.WSMessagesDropped.Inc()
			close(client.send)
			delete(h.clients, client)
		}
	}
	metrics.WSConnections.Set(float64(len(h.clients)))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WSConnections.Set(0)
}
