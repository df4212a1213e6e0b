package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/config"
	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	memorystorage "github.com/JakeFAU/pdf-watcher/internal/storage/memory"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	cfg.Progress.Prometheus = false
	return &cfg
}

func TestBuildWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	require.NotNil(t, app.Orchestrator())
	_, ok := app.repo.(*memorystorage.Repository)
	require.True(t, ok)
	require.NotNil(t, app.memScheduler)
	require.Equal(t, orchestrator.SweepOptions{BatchSize: 50, Limit: 10}, app.SweepOptions())

	res, err := app.Orchestrator().Run(context.Background(), orchestrator.ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeIdle, res.Outcome)

	n, err := app.PruneHistory(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAppHandlerServesRuns(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(srv.URL + "/v1/runs/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap orchestrator.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Nil(t, snap.State)
}

func TestSetupWritesWorkbook(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Storage.Backend = config.BackendSheet
	cfg.Workbook.Path = filepath.Join(t.TempDir(), "watcher.xlsx")

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	require.NoError(t, app.Setup(context.Background()))
	info, err := os.Stat(cfg.Workbook.Path)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildRejectsUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Lock.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Nil(t, app)
}

func TestBuildClosesClientsWhenStateStoreFails(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	blocker := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := memoryConfig(t)
	cfg.Lock.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.State.Backend = config.BackendBadger
	cfg.State.BadgerPath = blocker

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "badger state store init failed")
	require.Nil(t, app)
	require.Eventually(t, func() bool { return mr.CurrentConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}
