// Package queue persists mutations authored on this device until a reconciliation round drains them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("queue: record store required")

// RecordStore is the slice of the local store the queue needs.
type RecordStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Queue is a durable FIFO of pending mutations. Every operation rewrites the whole record under one
// mutex, so a drain is atomic with respect to concurrent enqueues.
type Queue struct {
	store  RecordStore
	logger *zap.Logger
	mu     sync.Mutex
}

// New constructs a Queue backed by store.
func New(store RecordStore, logger *zap.Logger) (*Queue, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, logger: logger}, nil
}

// Enqueue appends mutation. Duplicate keys are kept.
func (q *Queue) Enqueue(ctx context.Context, mutation entry.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.load(ctx)
	if err != nil {
		return err
	}
	pending = append(pending, mutation)
	return q.save(ctx, pending)
}

// Drain returns every queued mutation in enqueue order and empties the queue.
func (q *Queue) Drain(ctx context.Context) ([]entry.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.save(ctx, nil); err != nil {
		return nil, err
	}
	return pending, nil
}

// PeekAll returns the queued mutations without removing them.
func (q *Queue) PeekAll(ctx context.Context) ([]entry.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len reports the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	pending, err := q.PeekAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (q *Queue) load(ctx context.Context) ([]entry.Entry, error) {
	raw, ok, err := q.store.Get(ctx, localstore.KeyPendingEntries)
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var pending []entry.Entry
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, q.quarantine(ctx, raw, err)
	}
	for index := range pending {
		pending[index].SyncStatus = entry.SyncStatusPending
	}
	return pending, nil
}

// quarantine moves an undecodable record aside and resets the queue so later operations keep working.
func (q *Queue) quarantine(ctx context.Context, raw string, cause error) error {
	q.logger.Warn("pending mutations record is corrupt; moving it aside",
		zap.Error(cause),
		zap.String("quarantine_key", localstore.KeyQuarantinedEntries),
		zap.Int("bytes", len(raw)),
	)
	if err := q.store.Put(ctx, localstore.KeyQuarantinedEntries, raw); err != nil {
		return fmt.Errorf("queue: quarantine: %w", err)
	}
	return q.save(ctx, nil)
}

func (q *Queue) save(ctx context.Context, pending []entry.Entry) error {
	if pending == nil {
		pending = []entry.Entry{}
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.store.Put(ctx, localstore.KeyPendingEntries, string(encoded)); err != nil {
		return fmt.Errorf("queue: save: %w", err)
	}
	return nil
}
