package syncengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/device"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"github.com/MarcoPoloResearchLab/wordbank/internal/netmon"
	"github.com/MarcoPoloResearchLab/wordbank/internal/queue"
	"github.com/stretchr/testify/require"
)

type reconcileFunc func(ctx context.Context, deviceID string, lastSync time.Time, mutations []entry.Entry) (gateway.ReconcileResult, error)

type fakeRemote struct {
	mu          sync.Mutex
	listed      []entry.Entry
	createFn    func(draft entry.Draft, deviceID string) (entry.Entry, error)
	deleteErr   error
	deleted     []int64
	similar     []entry.SimilarEntry
	reconcileFn reconcileFunc
	batches     [][]entry.Entry
	watermarks  []time.Time
}

func (f *fakeRemote) List(context.Context) ([]entry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entry.Entry(nil), f.listed...), nil
}

func (f *fakeRemote) Create(_ context.Context, draft entry.Draft, deviceID string) (entry.Entry, error) {
	if f.createFn == nil {
		return entry.Entry{ID: 100, Content: draft.Content, Version: 1, DeviceID: deviceID, SyncStatus: entry.SyncStatusSynced}, nil
	}
	return f.createFn(draft, deviceID)
}

func (f *fakeRemote) Delete(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) FindSimilar(context.Context, int64, int) ([]entry.SimilarEntry, error) {
	return f.similar, nil
}

func (f *fakeRemote) Reconcile(ctx context.Context, deviceID string, lastSync time.Time, mutations []entry.Entry) (gateway.ReconcileResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]entry.Entry(nil), mutations...))
	f.watermarks = append(f.watermarks, lastSync)
	fn := f.reconcileFn
	listed := append([]entry.Entry(nil), f.listed...)
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, lastSync, mutations)
	}
	return gateway.ReconcileResult{ServerEntries: listed, Conflicts: []entry.Conflict{}, SyncTimestamp: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeRemote) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type harness struct {
	engine  *Engine
	remote  *fakeRemote
	queue   *queue.Queue
	store   *localstore.Store
	monitor *netmon.Monitor

	mu          sync.Mutex
	transitions [][2]State
}

func newHarness(t *testing.T, online bool, configure func(*Config)) *harness {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mutations, err := queue.New(store, nil)
	require.NoError(t, err)
	identity, err := device.NewIdentity(store)
	require.NoError(t, err)

	h := &harness{
		remote:  &fakeRemote{},
		queue:   mutations,
		store:   store,
		monitor: netmon.NewMonitor(online, nil),
	}
	clock := &steppingClock{current: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
	cfg := Config{
		Remote:     h.remote,
		Queue:      mutations,
		Watermarks: store,
		Device:     identity,
		Network:    h.monitor,
		Interval:   time.Hour,
		Clock:      clock.Now,
		OnStateChange: func(from, to State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, [2]State{from, to})
			h.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&cfg)
	}
	h.engine, err = New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) takeTransitions() [][2]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	taken := h.transitions
	h.transitions = nil
	return taken
}

func (h *harness) queued(t *testing.T) []entry.Entry {
	t.Helper()
	pending, err := h.queue.PeekAll(context.Background())
	require.NoError(t, err)
	return pending
}

func viewKeys(list []entry.Entry) []entry.Key {
	keys := make([]entry.Key, 0, len(list))
	for _, item := range list {
		keys = append(keys, item.Key())
	}
	return keys
}
