// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/models"
)

// casMaxRetries bounds the optimistic update loop for member-count and
// membership writes. Contention beyond this surfaces as Unavailable and the
// queue retries the whole mutation.
const casMaxRetries = 5

// NATSKVConfig configures the JetStream KV GroupStore.
type NATSKVConfig struct {
	URL           string
	Bucket        string
	ReconnectWait time.Duration
}

// DefaultNATSKVConfig returns production defaults.
func DefaultNATSKVConfig() NATSKVConfig {
	return NATSKVConfig{
		URL:           natsgo.DefaultURL,
		Bucket:        "ridepool-groups",
		ReconnectWait: 2 * time.Second,
	}
}

// NATSKVStore is the production GroupStore: one JetStream KV bucket, one JSON
// document per group, revision-based compare-and-swap for every read-modify-
// write so concurrent clients never clobber each other's member counts.
type NATSKVStore struct {
	nc *natsgo.Conn
	kv jetstream.KeyValue

	// ownConn records whether Close should tear the connection down.
	ownConn bool
}

// NewNATSKVStore connects to NATS and ensures the bucket exists.
func NewNATSKVStore(ctx context.Context, cfg NATSKVConfig) (*NATSKVStore, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	s, err := newNATSKVStoreWithConn(ctx, nc, cfg.Bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownConn = true
	return s, nil
}

// NewNATSKVStoreWithConn builds a store over an existing connection. The
// caller keeps ownership of the connection.
func NewNATSKVStoreWithConn(ctx context.Context, nc *natsgo.Conn, bucket string) (*NATSKVStore, error) {
	return newNATSKVStoreWithConn(ctx, nc, bucket)
}

func newNATSKVStoreWithConn(ctx context.Context, nc *natsgo.Conn, bucket string) (*NATSKVStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open KV bucket %s: %w", bucket, err)
	}

	logging.Info().Str("bucket", bucket).Msg("NATS JetStream KV group store ready")
	return &NATSKVStore{nc: nc, kv: kv}, nil
}

// Close releases the NATS connection if this store opened it.
func (s *NATSKVStore) Close() {
	if s.ownConn && s.nc != nil {
		s.nc.Close()
	}
}

func (s *NATSKVStore) StreamAll(ctx context.Context) (<-chan []*models.Group, func(), error) {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watcher, err := s.kv.WatchAll(watchCtx)
	if err != nil {
		cancelWatch()
		return nil, nil, mapNATSError("watch", err)
	}

	out := make(chan []*models.Group, 8)
	cancel := func() {
		cancelWatch()
	}

	go func() {
		defer close(out)
		defer func() {
			if err := watcher.Stop(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
				logging.Debug().Err(err).Msg("KV watcher stop")
			}
		}()

		current := make(map[string]*models.Group)
		replayDone := false

		emit := func() {
			snap := make([]*models.Group, 0, len(current))
			for _, g := range current {
				snap = append(snap, g.Clone())
			}
			sort.Slice(snap, func(i, j int) bool {
				if snap[i].CreatedAt != snap[j].CreatedAt {
					return snap[i].CreatedAt < snap[j].CreatedAt
				}
				return snap[i].ID < snap[j].ID
			})
			select {
			case out <- snap:
			case <-watchCtx.Done():
			}
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial replay.
				if entry == nil {
					replayDone = true
					emit()
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					delete(current, entry.Key())
				default:
					var g models.Group
					if err := json.Unmarshal(entry.Value(), &g); err != nil {
						logging.Warn().Err(err).Str("key", entry.Key()).Msg("Skipping undecodable group document")
						continue
					}
					current[entry.Key()] = &g
				}
				if replayDone {
					emit()
				}
			}
		}
	}()

	return out, cancel, nil
}

func (s *NATSKVStore) GetByID(ctx context.Context, id string) (*models.Group, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		return nil, mapNATSError("get", err)
	}
	var g models.Group
	if err := json.Unmarshal(entry.Value(), &g); err != nil {
		return nil, NewError(KindInternal, "get", err)
	}
	return &g, nil
}

func (s *NATSKVStore) Create(ctx context.Context, g *models.Group) (*models.Group, error) {
	stored := g.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, NewError(KindInvalidInput, "create", err)
	}
	if _, err := s.kv.Create(ctx, stored.ID, payload); err != nil {
		return nil, mapNATSError("create", err)
	}
	return stored, nil
}

func (s *NATSKVStore) AdjustMemberCount(ctx context.Context, id string, delta int) (int, error) {
	var count int
	err := s.casUpdate(ctx, "adjust", id, func(g *models.Group) error {
		next := g.MemberCount + delta
		if next < 0 {
			next = 0
		}
		if delta > 0 && next > g.MaxMembers {
			return NewError(KindInvalidInput, "adjust", errGroupFull)
		}
		g.MemberCount = next
		count = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *NATSKVStore) SetMember(ctx context.Context, id, userID string, info *models.MemberInfo, present bool) error {
	return s.casUpdate(ctx, "set_member", id, func(g *models.Group) error {
		if g.Members == nil {
			g.Members = make(map[string]bool)
		}
		if g.MemberDetails == nil {
			g.MemberDetails = make(map[string]models.MemberInfo)
		}
		if present {
			g.Members[userID] = true
			if info != nil {
				g.MemberDetails[userID] = *info
			}
		} else {
			delete(g.Members, userID)
			delete(g.MemberDetails, userID)
		}
		return nil
	})
}

// Snapshot lists every group once, sorted by creation time. The expiration
// sweeper uses this instead of holding a watch open.
func (s *NATSKVStore) Snapshot(ctx context.Context) ([]*models.Group, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mapNATSError("snapshot", err)
	}

	var groups []*models.Group
	for key := range lister.Keys() {
		g, err := s.GetByID(ctx, key)
		if err != nil {
			// Deleted between list and get.
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt != groups[j].CreatedAt {
			return groups[i].CreatedAt < groups[j].CreatedAt
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

func (s *NATSKVStore) Delete(ctx context.Context, id string) error {
	// Purge of a missing key succeeds in NATS; probe first so callers can
	// distinguish not-found.
	if _, err := s.kv.Get(ctx, id); err != nil {
		return mapNATSError("delete", err)
	}
	if err := s.kv.Purge(ctx, id); err != nil {
		return mapNATSError("delete", err)
	}
	return nil
}

// casUpdate runs a get/mutate/update-with-revision loop. Revision conflicts
// mean another client wrote between our read and write; re-read and retry.
func (s *NATSKVStore) casUpdate(ctx context.Context, op, id string, mutate func(*models.Group) error) error {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		entry, err := s.kv.Get(ctx, id)
		if err != nil {
			return mapNATSError(op, err)
		}
		var g models.Group
		if err := json.Unmarshal(entry.Value(), &g); err != nil {
			return NewError(KindInternal, op, err)
		}
		if err := mutate(&g); err != nil {
			return err
		}
		payload, err := json.Marshal(&g)
		if err != nil {
			return NewError(KindInternal, op, err)
		}
		_, err = s.kv.Update(ctx, id, payload, entry.Revision())
		if err == nil {
			return nil
		}
		if !isWrongRevision(err) {
			return mapNATSError(op, err)
		}
		if ctx.Err() != nil {
			return NewError(KindTimeout, op, ctx.Err())
		}
	}
	return NewError(KindUnavailable, op, fmt.Errorf("revision conflict persisted after %d attempts", casMaxRetries))
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// mapNATSError translates backend failures into typed store errors.
func mapNATSError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return NewError(KindNotFound, op, err)
	case errors.Is(err, jetstream.ErrKeyExists):
		return NewError(KindAlreadyExists, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, natsgo.ErrTimeout):
		return NewError(KindTimeout, op, err)
	case errors.Is(err, natsgo.ErrConnectionClosed), errors.Is(err, natsgo.ErrNoServers), errors.Is(err, natsgo.ErrDisconnected):
		return NewError(KindNoConnection, op, err)
	case errors.Is(err, natsgo.ErrAuthorization):
		return NewError(KindPermissionDenied, op, err)
	case errors.Is(err, jetstream.ErrJetStreamNotEnabled), errors.Is(err, jetstream.ErrNoStreamResponse):
		return NewError(KindUnavailable, op, err)
	default:
		return NewError(KindInternal, op, err)
	}
}
