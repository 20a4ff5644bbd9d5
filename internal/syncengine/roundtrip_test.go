package syncengine_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/auth"
	"github.com/MarcoPoloResearchLab/wordbank/internal/database"
	"github.com/MarcoPoloResearchLab/wordbank/internal/device"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
	"github.com/MarcoPoloResearchLab/wordbank/internal/entry"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"github.com/MarcoPoloResearchLab/wordbank/internal/netmon"
	"github.com/MarcoPoloResearchLab/wordbank/internal/queue"
	"github.com/MarcoPoloResearchLab/wordbank/internal/server"
	"github.com/MarcoPoloResearchLab/wordbank/internal/similarity"
	"github.com/MarcoPoloResearchLab/wordbank/internal/syncengine"
	"github.com/MarcoPoloResearchLab/wordbank/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startRemoteStore(t *testing.T) (string, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(fmt.Sprintf("file:roundtrip_%d?mode=memory&cache=shared", time.Now().UnixNano()), logger)
	require.NoError(t, err)
	analyzer, err := analysis.NewService(analysis.ServiceConfig{Logger: logger})
	require.NoError(t, err)
	index, err := similarity.NewIndex(similarity.HashEmbedding())
	require.NoError(t, err)
	entryService, err := entries.NewService(entries.ServiceConfig{
		Database:   db,
		IDProvider: entries.NewUUIDProvider(),
		Analyzer:   analyzer,
		Index:      index,
		Logger:     logger,
	})
	require.NoError(t, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("roundtrip-secret"),
		Issuer:        "wordbank-auth",
		Audience:      "wordbank-api",
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  issuer,
		Users:   userService,
		Entries: entryService,
		Logger:  logger,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return httpServer.URL, issuer
}

type client struct {
	engine  *syncengine.Engine
	monitor *netmon.Monitor
	queue   *queue.Queue
}

func newClient(t *testing.T, baseURL, token string, online bool, interval time.Duration) client {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mutations, err := queue.New(store, nil)
	require.NoError(t, err)
	identity, err := device.NewIdentity(store)
	require.NoError(t, err)
	remote, err := gateway.New(gateway.Config{BaseURL: baseURL, Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)

	monitor := netmon.NewMonitor(online, nil)
	engine, err := syncengine.New(syncengine.Config{
		Remote:     remote,
		Queue:      mutations,
		Watermarks: store,
		Device:     identity,
		Network:    monitor,
		Interval:   interval,
	})
	require.NoError(t, err)
	return client{engine: engine, monitor: monitor, queue: mutations}
}

func TestOfflineCreateRoundTripsOnNextTimerTick(t *testing.T) {
	baseURL, issuer := startRemoteStore(t)
	token, _, err := issuer.IssueToken("learner@example.com")
	require.NoError(t, err)

	laptop := newClient(t, baseURL, token, false, 20*time.Millisecond)
	ctx := context.Background()

	created, err := laptop.engine.Create(ctx, entry.Draft{Content: "ephemeral", Source: "Podcast"})
	require.NoError(t, err)
	require.True(t, created.Key().IsLocal())

	visible := laptop.engine.View().Entries()
	require.Len(t, visible, 1)
	require.Equal(t, entry.SyncStatusPending, visible[0].SyncStatus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = laptop.engine.Run(runCtx) }()

	laptop.monitor.Set(true)
	require.Eventually(t, func() bool {
		synced, ok := laptop.engine.View().Find(created.Key())
		return ok && synced.ID > 0 && synced.SyncStatus == entry.SyncStatusSynced
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	synced, ok := laptop.engine.View().Find(created.Key())
	require.True(t, ok)
	require.Equal(t, int64(1), synced.Version)
	require.Equal(t, created.LocalID, synced.LocalID)
	require.Equal(t, "word", synced.EntryType)
	require.Contains(t, synced.Tags, "podcast")
	require.Len(t, laptop.engine.View().Entries(), 1)

	pending, err := laptop.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestReconcileTwiceIsIdempotent(t *testing.T) {
	baseURL, issuer := startRemoteStore(t)
	token, _, err := issuer.IssueToken("learner@example.com")
	require.NoError(t, err)

	phone := newClient(t, baseURL, token, true, time.Hour)
	ctx := context.Background()
	_, err = phone.engine.Create(ctx, entry.Draft{Content: "The early bird catches the worm."})
	require.NoError(t, err)
	phone.monitor.Set(false)
	_, err = phone.engine.Create(ctx, entry.Draft{Content: "resilient"})
	require.NoError(t, err)
	phone.monitor.Set(true)

	first, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, syncengine.StateSynced, first.State)

	second, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	third, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)

	require.Empty(t, second.Conflicts)
	require.Empty(t, third.Conflicts)
	require.Equal(t, snapshot(second.Merged), snapshot(third.Merged))
	require.Equal(t, snapshot(first.Merged), snapshot(second.Merged))
	require.Len(t, second.Merged, 2)
}

func TestStaleOfflineDeleteIsReportedAsConflict(t *testing.T) {
	baseURL, issuer := startRemoteStore(t)
	token, _, err := issuer.IssueToken("learner@example.com")
	require.NoError(t, err)
	ctx := context.Background()

	laptop := newClient(t, baseURL, token, true, time.Hour)
	phone := newClient(t, baseURL, token, true, time.Hour)

	created, err := laptop.engine.Create(ctx, entry.Draft{Content: "serendipity"})
	require.NoError(t, err)
	require.NoError(t, phone.engine.Prime(ctx))

	phone.monitor.Set(false)
	require.NoError(t, phone.engine.Delete(ctx, created.Key()))

	edit := created
	edit.Note = "found it in a novel"
	edit.UpdatedAt = time.Now().UTC()
	require.NoError(t, laptop.queue.Enqueue(ctx, edit))
	_, err = laptop.engine.SyncOnce(ctx)
	require.NoError(t, err)

	phone.monitor.Set(true)
	result, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, syncengine.StateConflict, result.State)

	conflicts := phone.engine.Conflicts()
	require.Len(t, conflicts, 1)
	require.True(t, conflicts[0].Local.Deleted)
	require.Equal(t, int64(2), conflicts[0].Server.Version)
	require.Equal(t, "found it in a novel", conflicts[0].Server.Note)

	visible, ok := phone.engine.View().Find(created.Key())
	require.True(t, ok)
	require.Equal(t, "found it in a novel", visible.Note)

	require.NoError(t, phone.engine.Resolve(ctx, created.Key(), syncengine.KeepLocal))
	resolved, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, syncengine.StateSynced, resolved.State)
	_, ok = phone.engine.View().Find(created.Key())
	require.False(t, ok)
}

type versionedKey struct {
	Key     entry.Key
	Version int64
}

func snapshot(list []entry.Entry) []versionedKey {
	out := make([]versionedKey, 0, len(list))
	for _, item := range list {
		out = append(out, versionedKey{Key: item.Key(), Version: item.Version})
	}
	return out
}
