package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"github.com/stretchr/testify/require"
)

func TestMergeOrdersByCreatedDesc(t *testing.T) {
	t1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	merged := Merge([]entry.Entry{{ID: 1, CreatedAt: t1}}, []entry.Entry{{ID: 9, CreatedAt: t2}})
	require.Equal(t, []entry.Key{"9", "1"}, viewKeys(merged))
	require.Equal(t, entry.SyncStatusPending, merged[0].SyncStatus)
	require.Equal(t, entry.SyncStatusSynced, merged[1].SyncStatus)
}

func TestMergeSkipsTombstonesAndRoundTrippedCreates(t *testing.T) {
	t1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	server := []entry.Entry{
		{ID: 5, LocalID: "local-a", Content: "round trip", CreatedAt: t1, Version: 1},
		{ID: 6, Content: "server copy", CreatedAt: t1.Add(time.Minute), Version: 3},
	}
	local := []entry.Entry{
		{LocalID: "local-a", Content: "round trip", CreatedAt: t1},
		{ID: 6, Content: "local edit", CreatedAt: t1.Add(time.Minute), Version: 2},
		{LocalID: "local-b", Content: "gone", Deleted: true, CreatedAt: t1.Add(2 * time.Minute)},
		{LocalID: "local-c", Content: "never arrived", CreatedAt: t1.Add(3 * time.Minute)},
	}

	merged := Merge(server, local)
	require.Equal(t, []entry.Key{"local-c", "6", "5"}, viewKeys(merged))
	require.Equal(t, "server copy", merged[1].Content)
}

func TestEveryRoundPassesThroughSyncing(t *testing.T) {
	cases := []struct {
		name      string
		online    bool
		reconcile reconcileFunc
		want      State
		wantErr   bool
	}{
		{name: "offline", online: false, want: StateOffline},
		{name: "synced", online: true, want: StateSynced},
		{
			name:   "conflict",
			online: true,
			reconcile: func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
				return gateway.ReconcileResult{Conflicts: []entry.Conflict{{Local: entry.Entry{ID: 42, Version: 1}, Server: entry.Entry{ID: 42, Version: 2}}}}, nil
			},
			want: StateConflict,
		},
		{
			name:   "error",
			online: true,
			reconcile: func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
				return gateway.ReconcileResult{}, fmt.Errorf("%w: connection refused", gateway.ErrTransport)
			},
			want:    StateError,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.online, nil)
			h.remote.reconcileFn = tc.reconcile

			result, err := h.engine.SyncOnce(context.Background())
			if tc.wantErr {
				require.ErrorIs(t, err, gateway.ErrTransport)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, result.State)
			require.Equal(t, [][2]State{
				{StateIdle, StateSyncing},
				{StateSyncing, tc.want},
				{tc.want, StateIdle},
			}, h.takeTransitions())
			require.Equal(t, StateIdle, h.engine.State())
			require.Equal(t, string(tc.want), string(h.engine.View().Status()))
		})
	}
}

func TestOfflineRoundMakesNoRemoteCall(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.engine.Create(context.Background(), entry.Draft{Content: "offline word"})
	require.NoError(t, err)

	result, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateOffline, result.State)
	require.Zero(t, h.remote.batchCount())
	require.Len(t, h.queued(t), 1)
}

func TestCorruptQueueRecordDoesNotBlockOfflineWritesOrRounds(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, localstore.KeyPendingEntries, "{not json"))

	created, err := h.engine.Create(ctx, entry.Draft{Content: "offline word"})
	require.NoError(t, err)
	require.True(t, created.Pending())
	require.Len(t, h.queued(t), 1)

	h.monitor.Set(true)
	result, err := h.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSynced, result.State)
	require.Equal(t, 1, h.remote.batchCount())
	require.Equal(t, created.LocalID, h.remote.batches[0][0].LocalID)
}

func TestSyncedRoundAdvancesWatermark(t *testing.T) {
	h := newHarness(t, true, nil)
	stamp := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	h.remote.reconcileFn = func(_ context.Context, _ string, _ time.Time, mutations []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{ServerEntries: []entry.Entry{{ID: 1, Content: "a", Version: 1}}, SyncTimestamp: stamp}, nil
	}

	_, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	watermark, err := h.store.LastSync(context.Background())
	require.NoError(t, err)
	require.True(t, stamp.Equal(watermark))

	_, err = h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	require.True(t, h.remote.watermarks[0].IsZero())
	require.True(t, stamp.Equal(h.remote.watermarks[1]))
}

func TestConflictIsSurfacedAndWatermarkHeld(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	held := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.SetLastSync(ctx, held))

	seen := entry.Entry{ID: 42, Content: "laptop", Version: 1}
	h.remote.listed = []entry.Entry{seen}
	require.NoError(t, h.engine.Prime(ctx))

	h.monitor.Set(false)
	require.NoError(t, h.engine.Delete(ctx, "42"))
	h.monitor.Set(true)

	server := entry.Entry{ID: 42, Content: "phone edit", Version: 2}
	h.remote.reconcileFn = func(_ context.Context, _ string, _ time.Time, mutations []entry.Entry) (gateway.ReconcileResult, error) {
		require.Len(t, mutations, 1)
		return gateway.ReconcileResult{
			ServerEntries: []entry.Entry{server},
			Conflicts:     []entry.Conflict{{Local: mutations[0], Server: server}},
			SyncTimestamp: held.Add(48 * time.Hour),
		}, nil
	}

	result, err := h.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, StateConflict, result.State)
	require.Len(t, result.Conflicts, 1)

	watermark, err := h.store.LastSync(ctx)
	require.NoError(t, err)
	require.True(t, held.Equal(watermark))

	conflicts := h.engine.Conflicts()
	require.Len(t, conflicts, 1)
	require.True(t, conflicts[0].Local.Deleted)
	require.Equal(t, int64(1), conflicts[0].Local.Version)
	require.Equal(t, int64(2), conflicts[0].Server.Version)

	visible, ok := h.engine.View().Find("42")
	require.True(t, ok)
	require.Equal(t, "phone edit", visible.Content)
	require.Empty(t, h.queued(t))
}

func TestResolveKeepLocalRequeuesRebasedEdit(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{
			ServerEntries: []entry.Entry{{ID: 42, Content: "server", Version: 5}},
			Conflicts:     []entry.Conflict{{Local: entry.Entry{ID: 42, Content: "mine", Version: 3}, Server: entry.Entry{ID: 42, Content: "server", Version: 5}}},
		}, nil
	}
	_, err := h.engine.SyncOnce(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.Resolve(ctx, "7", KeepLocal), ErrUnknownConflict)
	require.NoError(t, h.engine.Resolve(ctx, "42", KeepLocal))
	require.Empty(t, h.engine.Conflicts())

	pending := h.queued(t)
	require.Len(t, pending, 1)
	require.Equal(t, "mine", pending[0].Content)
	require.Equal(t, int64(5), pending[0].Version)
	require.NotEmpty(t, pending[0].DeviceID)

	visible, ok := h.engine.View().Find("42")
	require.True(t, ok)
	require.Equal(t, "mine", visible.Content)
	require.True(t, visible.Pending())
}

func TestResolveKeepServerDropsLocalEdit(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{
			ServerEntries: []entry.Entry{{ID: 42, Content: "server", Version: 5}},
			Conflicts:     []entry.Conflict{{Local: entry.Entry{ID: 42, Content: "mine", Version: 3}, Server: entry.Entry{ID: 42, Content: "server", Version: 5}}},
		}, nil
	}
	_, err := h.engine.SyncOnce(ctx)
	require.NoError(t, err)

	require.Error(t, h.engine.Resolve(ctx, "42", Choice("both")))
	require.Len(t, h.engine.Conflicts(), 1)

	require.NoError(t, h.engine.Resolve(ctx, "42", KeepServer))
	require.Empty(t, h.engine.Conflicts())
	require.Empty(t, h.queued(t))
	visible, ok := h.engine.View().Find("42")
	require.True(t, ok)
	require.Equal(t, "server", visible.Content)
}

func TestTransportFailureKeepsViewAndDiscardsDrained(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.listed = []entry.Entry{{ID: 1, Content: "kept", Version: 1}}
	require.NoError(t, h.engine.Prime(ctx))

	h.monitor.Set(false)
	_, err := h.engine.Create(ctx, entry.Draft{Content: "lost on failure"})
	require.NoError(t, err)
	h.monitor.Set(true)
	before := h.engine.View().Entries()

	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{}, fmt.Errorf("%w: timeout", gateway.ErrTransport)
	}
	result, err := h.engine.SyncOnce(ctx)
	require.ErrorIs(t, err, gateway.ErrTransport)
	require.Equal(t, StateError, result.State)
	require.Equal(t, viewKeys(before), viewKeys(h.engine.View().Entries()))
	require.Empty(t, h.queued(t))
}

func TestRequeueOnFailureKeepsMutations(t *testing.T) {
	h := newHarness(t, true, func(cfg *Config) { cfg.RequeueOnFailure = true })
	ctx := context.Background()

	h.monitor.Set(false)
	_, err := h.engine.Create(ctx, entry.Draft{Content: "kept for retry"})
	require.NoError(t, err)
	h.monitor.Set(true)

	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{}, fmt.Errorf("%w: timeout", gateway.ErrTransport)
	}
	_, err = h.engine.SyncOnce(ctx)
	require.Error(t, err)

	pending := h.queued(t)
	require.Len(t, pending, 1)
	require.Equal(t, "kept for retry", pending[0].Content)
}

func TestDuplicateQueuedMutationsCollapseBeforeSending(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.queue.Enqueue(ctx, entry.Entry{ID: 3, Content: "newer", Version: 1, UpdatedAt: base.Add(time.Minute)}))
	require.NoError(t, h.queue.Enqueue(ctx, entry.Entry{ID: 3, Content: "older", Version: 1, UpdatedAt: base}))

	_, err := h.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, h.remote.batches, 1)
	require.Len(t, h.remote.batches[0], 1)
	require.Equal(t, "newer", h.remote.batches[0][0].Content)
}

func TestConcurrentRoundIsRejected(t *testing.T) {
	h := newHarness(t, true, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		close(entered)
		<-release
		return gateway.ReconcileResult{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncOnce(context.Background())
		done <- err
	}()
	<-entered

	_, err := h.engine.SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrRoundInFlight)
	require.Equal(t, StateSyncing, h.engine.State())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, h.remote.batchCount())
}

func TestOfflineDeleteHidesEntryImmediately(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.listed = []entry.Entry{{ID: 1, Content: "one", Version: 1}, {ID: 2, Content: "two", Version: 4}}
	require.NoError(t, h.engine.Prime(ctx))

	h.monitor.Set(false)
	require.NoError(t, h.engine.Delete(ctx, "2"))

	_, visible := h.engine.View().Find("2")
	require.False(t, visible)
	pending := h.queued(t)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Deleted)
	require.Equal(t, int64(2), pending[0].ID)
	require.Equal(t, int64(4), pending[0].Version)
	require.Empty(t, h.remote.deleted)

	require.ErrorIs(t, h.engine.Delete(ctx, "2"), ErrUnknownEntry)
}

func TestOnlineDeleteGoesStraightToRemote(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.listed = []entry.Entry{{ID: 1, Content: "one", Version: 1}}
	require.NoError(t, h.engine.Prime(ctx))

	require.NoError(t, h.engine.Delete(ctx, "1"))
	require.Equal(t, []int64{1}, h.remote.deleted)
	require.Empty(t, h.queued(t))
	require.Empty(t, h.engine.View().Entries())
}

func TestDeleteOfLocalOnlyEntryQueuesTombstone(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, entry.Draft{Content: "typo"})
	require.NoError(t, err)

	h.monitor.Set(true)
	require.NoError(t, h.engine.Delete(ctx, created.Key()))
	require.Empty(t, h.remote.deleted)
	require.Empty(t, h.engine.View().Entries())

	pending := h.queued(t)
	require.Len(t, pending, 2)
	collapsed := entry.Collapse(pending)
	require.Len(t, collapsed, 1)
	require.True(t, collapsed[0].Deleted)
}

func TestCreateWritePaths(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, entry.Draft{Content: " online "})
	require.NoError(t, err)
	require.Equal(t, int64(100), created.ID)
	require.Empty(t, h.queued(t))

	_, err = h.engine.Create(ctx, entry.Draft{Content: "  "})
	require.ErrorIs(t, err, gateway.ErrValidation)
	require.Empty(t, h.queued(t))

	h.remote.createFn = func(entry.Draft, string) (entry.Entry, error) {
		return entry.Entry{}, &gateway.HTTPError{StatusCode: 401, Message: "unauthorized"}
	}
	_, err = h.engine.Create(ctx, entry.Draft{Content: "needs auth"})
	require.ErrorIs(t, err, gateway.ErrAuth)
	require.Empty(t, h.queued(t))

	h.remote.createFn = func(entry.Draft, string) (entry.Entry, error) {
		return entry.Entry{}, fmt.Errorf("%w: connection reset", gateway.ErrTransport)
	}
	degraded, err := h.engine.Create(ctx, entry.Draft{Content: "degraded", Source: "podcast"})
	require.NoError(t, err)
	require.True(t, degraded.Key().IsLocal())
	require.True(t, degraded.Pending())
	require.NotEmpty(t, degraded.DeviceID)

	pending := h.queued(t)
	require.Len(t, pending, 1)
	require.Equal(t, degraded.LocalID, pending[0].LocalID)

	visible := h.engine.View().Entries()
	require.Equal(t, []entry.Key{degraded.Key(), "100"}, viewKeys(visible))
}

func TestFindSimilarNeedsRemoteID(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	h.remote.listed = []entry.Entry{{ID: 1, Content: "run"}}
	h.remote.similar = []entry.SimilarEntry{{Entry: entry.Entry{ID: 2, Content: "running"}, Score: 0.8}}
	require.NoError(t, h.engine.Prime(ctx))

	similar, err := h.engine.FindSimilar(ctx, "1", 5)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	selected, ok := h.engine.View().Selected()
	require.True(t, ok)
	require.Equal(t, int64(1), selected.ID)
	require.Len(t, h.engine.View().Similar(), 1)

	h.monitor.Set(false)
	local, err := h.engine.Create(ctx, entry.Draft{Content: "walk"})
	require.NoError(t, err)
	_, err = h.engine.FindSimilar(ctx, local.Key(), 5)
	require.ErrorIs(t, err, gateway.ErrNotFound)
	_, err = h.engine.FindSimilar(ctx, "999", 5)
	require.ErrorIs(t, err, ErrUnknownEntry)
}

func TestRunLoopSyncsOnReconnect(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	_, err := h.engine.Create(context.Background(), entry.Draft{Content: "queued while away"})
	require.NoError(t, err)
	require.Zero(t, h.remote.batchCount())

	h.monitor.Set(true)
	require.Eventually(t, func() bool { return h.remote.batchCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, err := h.queue.Len(context.Background())
		return err == nil && pending == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.SetInterval(10*time.Millisecond))
	count := h.remote.batchCount()
	require.Eventually(t, func() bool { return h.remote.batchCount() > count+1 }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.engine.SetInterval(0), ErrInvalidInterval)

	cancel()
	require.NoError(t, <-done)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.True(t, errors.Is(err, errMissingRemote))
}

func TestOpenConflictsSurviveRestart(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()
	identity, err := h.engine.device.GetOrCreate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, identity)

	build := func() *Engine {
		engine, err := New(Config{
			Remote:     h.remote,
			Queue:      h.queue,
			Watermarks: h.store,
			Device:     h.engine.device,
			Network:    h.monitor,
			Conflicts:  h.store,
		})
		require.NoError(t, err)
		return engine
	}

	h.remote.reconcileFn = func(context.Context, string, time.Time, []entry.Entry) (gateway.ReconcileResult, error) {
		return gateway.ReconcileResult{
			Conflicts: []entry.Conflict{{Local: entry.Entry{ID: 42, Content: "mine", Version: 1}, Server: entry.Entry{ID: 42, Content: "theirs", Version: 2}}},
		}, nil
	}
	first := build()
	_, err = first.SyncOnce(ctx)
	require.NoError(t, err)

	restarted := build()
	require.Empty(t, restarted.Conflicts())
	require.NoError(t, restarted.Prime(ctx))
	require.Len(t, restarted.Conflicts(), 1)

	require.NoError(t, restarted.Resolve(ctx, "42", KeepServer))
	again := build()
	require.NoError(t, again.Prime(ctx))
	require.Empty(t, again.Conflicts())
}
