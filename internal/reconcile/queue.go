// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/models"
)

// Key prefixes. A mutation lives under pending: until it reaches a terminal
// state, then moves under done: where it suppresses duplicate enqueues until
// the TTL reclaims it.
const (
	prefixPending = "pending:"
	prefixDone    = "done:"
)

var (
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("reconciliation queue is closed")

	// ErrEntryNotFound is returned when an operation ID has no pending
	// entry.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Entry is a pending mutation plus its retry bookkeeping, as persisted.
type Entry struct {
	Mutation *models.PendingMutation `json:"mutation"`

	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	// LeaseExpiry and LeaseHolder implement durable claims. An entry can
	// be claimed when the lease is zero or expired; a crashed holder's
	// lease simply runs out.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`
	LeaseHolder string    `json:"lease_holder,omitempty"`
}

// Stats contains queue metrics for monitoring.
type Stats struct {
	PendingCount  int64     `json:"pending_count"`
	DoneCount     int64     `json:"done_count"`
	TotalEnqueues int64     `json:"total_enqueues"`
	TotalConfirms int64     `json:"total_confirms"`
	TotalFailures int64     `json:"total_failures"`
	TotalRetries  int64     `json:"total_retries"`
	DBSizeBytes   int64     `json:"db_size_bytes"`
	OldestPending time.Time `json:"oldest_pending,omitempty"`
}

// Queue is the BadgerDB-backed durable mutation queue. Mutations are keyed
// by operation ID; enqueuing an ID that is already pending or already done
// is a no-op, which makes submission idempotent end to end.
type Queue struct {
	db     *badger.DB
	config Config

	totalEnqueues atomic.Int64
	totalConfirms atomic.Int64
	totalFailures atomic.Int64
	totalRetries  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open creates or reopens the queue at the configured path. Entries left
// pending by a previous process are picked up by the next runner pass.
func Open(cfg *Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	return open(cfg)
}

// OpenForTesting skips validation so tests can use fast intervals.
func OpenForTesting(cfg *Config) (*Queue, error) {
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	return open(cfg)
}

func open(cfg *Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.NumCompactors = cfg.NumCompactors
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Reconciliation queue opened")

	return &Queue{db: db, config: *cfg}, nil
}

// Enqueue persists a mutation before any store work happens. Duplicate
// operation IDs, whether still pending or already resolved, are silently
// absorbed.
func (q *Queue) Enqueue(ctx context.Context, m *models.PendingMutation) error {
	if err := q.guard(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("mutation cannot be nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	pendingKey := []byte(prefixPending + m.OperationID)
	doneKey := []byte(prefixDone + m.OperationID)

	var duplicate bool
	err := q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pendingKey); err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("probe pending: %w", err)
		}
		if _, err := txn.Get(doneKey); err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("probe done: %w", err)
		}

		entry := &Entry{
			Mutation:  m,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		return txn.Set(pendingKey, data)
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", m.OperationID, err)
	}

	if duplicate {
		logging.Debug().
			Str("operation_id", m.OperationID).
			Str("kind", string(m.Kind)).
			Msg("Duplicate enqueue absorbed")
		return nil
	}

	q.totalEnqueues.Add(1)
	recordEnqueue(string(m.Kind))
	return nil
}

// GetPending returns all unresolved entries from a consistent snapshot,
// oldest first by enqueue time.
func (q *Queue) GetPending(ctx context.Context) ([]*Entry, error) {
	if err := q.guard(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping undecodable queue entry")
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}
	return entries, nil
}

// MarkAttempt records a failed attempt: bumps the counter, stamps the time,
// keeps the entry pending for the next backoff window.
func (q *Queue) MarkAttempt(ctx context.Context, operationID, lastError string) error {
	if err := q.guard(); err != nil {
		return err
	}

	key := []byte(prefixPending + operationID)
	err := q.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, key)
		if err != nil {
			return err
		}
		entry.Attempts++
		entry.LastAttemptAt = time.Now().UTC()
		entry.LastError = lastError
		return putEntry(txn, key, entry, 0)
	})
	if err != nil {
		return err
	}

	q.totalRetries.Add(1)
	recordRetry()
	return nil
}

// Confirm resolves an entry as succeeded: the pending record is replaced by
// a done: record that keeps absorbing duplicate enqueues until its TTL.
func (q *Queue) Confirm(ctx context.Context, operationID string) error {
	if err := q.resolve(operationID, models.MutationSucceeded); err != nil {
		return err
	}
	q.totalConfirms.Add(1)
	recordConfirm()
	return nil
}

// Fail resolves an entry as permanently failed.
func (q *Queue) Fail(ctx context.Context, operationID string) error {
	if err := q.resolve(operationID, models.MutationFailed); err != nil {
		return err
	}
	q.totalFailures.Add(1)
	recordFailure()
	return nil
}

func (q *Queue) resolve(operationID string, status models.MutationStatus) error {
	if err := q.guard(); err != nil {
		return err
	}

	pendingKey := []byte(prefixPending + operationID)
	doneKey := []byte(prefixDone + operationID)

	return q.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, pendingKey)
		if err != nil {
			return err
		}
		entry.Mutation.Status = status
		entry.LeaseExpiry = time.Time{}
		entry.LeaseHolder = ""

		if err := putEntry(txn, doneKey, entry, q.config.DoneTTL); err != nil {
			return err
		}
		return txn.Delete(pendingKey)
	})
}

// TryClaim attempts to acquire a durable processing lease on an entry.
// Returns (false, nil) when another holder's lease is still live; that is
// normal contention, not an error. The same holder may re-extend its own
// lease.
func (q *Queue) TryClaim(ctx context.Context, operationID, leaseHolder string) (bool, error) {
	if err := q.guard(); err != nil {
		return false, err
	}

	now := time.Now()
	leaseExpiry := now.Add(q.config.LeaseDuration)
	key := []byte(prefixPending + operationID)

	var claimed bool
	err := q.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, key)
		if err != nil {
			return err
		}

		if !entry.LeaseExpiry.IsZero() && now.Before(entry.LeaseExpiry) && entry.LeaseHolder != leaseHolder {
			claimed = false
			return nil
		}

		entry.LeaseExpiry = leaseExpiry
		entry.LeaseHolder = leaseHolder
		claimed = true
		return putEntry(txn, key, entry, 0)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ReleaseClaim clears a lease early so the next pass can pick the entry up
// without waiting for expiry. Releasing a resolved entry is a no-op.
func (q *Queue) ReleaseClaim(ctx context.Context, operationID string) error {
	if err := q.guard(); err != nil {
		return err
	}

	key := []byte(prefixPending + operationID)
	return q.db.Update(func(txn *badger.Txn) error {
		entry, err := getEntry(txn, key)
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		entry.LeaseExpiry = time.Time{}
		entry.LeaseHolder = ""
		return putEntry(txn, key, entry, 0)
	})
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return Stats{}
	}

	var pendingCount, doneCount int64
	var oldest time.Time

	if err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		pendingPrefix := []byte(prefixPending)
		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			pendingCount++
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err == nil {
				if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
					oldest = entry.CreatedAt
				}
			}
		}

		donePrefix := []byte(prefixDone)
		for it.Seek(donePrefix); it.ValidForPrefix(donePrefix); it.Next() {
			doneCount++
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("Queue stats failed to count entries")
	}

	lsm, vlog := q.db.Size()

	stats := Stats{
		PendingCount:  pendingCount,
		DoneCount:     doneCount,
		TotalEnqueues: q.totalEnqueues.Load(),
		TotalConfirms: q.totalConfirms.Load(),
		TotalFailures: q.totalFailures.Load(),
		TotalRetries:  q.totalRetries.Load(),
		DBSizeBytes:   lsm + vlog,
		OldestPending: oldest,
	}

	updatePendingGauge(pendingCount)
	return stats
}

// Close shuts the queue down with a bounded wait on BadgerDB.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	timeout := q.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- q.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Reconciliation queue closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.config
}

func (q *Queue) guard() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func getEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

func putEntry(txn *badger.Txn, key []byte, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	e := badger.NewEntry(key, data)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}
