// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package events is the in-process notification bus. The reconciliation
// runner and the sweeper publish here; the websocket hub and any other
// observer subscribe. Delivery is per-subscriber fan-out over Watermill's
// gochannel transport, so a slow observer never blocks a publisher.
package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/ridepool/internal/models"
)

// Topics.
const (
	TopicNotifications = "notifications"
	TopicLifecycle     = "groups.lifecycle"
)

// NotificationLevel distinguishes success toasts from error surfaces.
type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
)

// Notification is a user-facing outcome message for a mutation.
type Notification struct {
	Level       NotificationLevel `json:"level"`
	Message     string            `json:"message"`
	Category    string            `json:"category,omitempty"`
	Retryable   bool              `json:"retryable,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
	GroupID     string            `json:"group_id,omitempty"`
}

// LifecycleType enumerates group lifecycle transitions.
type LifecycleType string

const (
	LifecycleCreated LifecycleType = "created"
	LifecycleJoined  LifecycleType = "joined"
	LifecycleLeft    LifecycleType = "left"
	LifecycleDeleted LifecycleType = "deleted"
	LifecycleSwept   LifecycleType = "swept"
)

// LifecycleEvent records a confirmed group transition.
type LifecycleEvent struct {
	Type        LifecycleType       `json:"type"`
	GroupID     string              `json:"group_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	OperationID string              `json:"operation_id,omitempty"`
	Sweep       *models.SweepResult `json:"sweep,omitempty"`
}

// Bus wraps a gochannel pub/sub with typed publish helpers.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates an in-process bus. Buffered so bursts from the runner do
// not stall on subscriber scheduling.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NopLogger{}),
	}
}

// PublishNotification emits a success/error notification.
func (b *Bus) PublishNotification(n Notification) error {
	return b.publish(TopicNotifications, n)
}

// PublishLifecycle emits a group lifecycle event.
func (b *Bus) PublishLifecycle(e LifecycleEvent) error {
	return b.publish(TopicLifecycle, e)
}

func (b *Bus) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	return b.pubsub.Publish(topic, msg)
}

// SubscribeNotifications delivers notifications until ctx ends. Messages are
// auto-acked; the bus is fire-and-forget.
func (b *Bus) SubscribeNotifications(ctx context.Context) (<-chan Notification, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicNotifications)
	if err != nil {
		return nil, err
	}
	out := make(chan Notification, 16)
	go decodeLoop(ctx, msgs, out)
	return out, nil
}

// SubscribeLifecycle delivers lifecycle events until ctx ends.
func (b *Bus) SubscribeLifecycle(ctx context.Context) (<-chan LifecycleEvent, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicLifecycle)
	if err != nil {
		return nil, err
	}
	out := make(chan LifecycleEvent, 16)
	go decodeLoop(ctx, msgs, out)
	return out, nil
}

// Close shuts the bus down; pending subscriber channels are closed.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func decodeLoop[T any](ctx context.Context, in <-chan *message.Message, out chan<- T) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var v T
			if err := json.Unmarshal(msg.Payload, &v); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}
