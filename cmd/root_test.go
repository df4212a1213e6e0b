package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/config"
	"github.com/JakeFAU/pdf-watcher/internal/server"
)

func useMemoryApp(t *testing.T) {
	t.Helper()
	orig := newApp
	newApp = func(ctx context.Context, _ string) (*server.App, error) {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg.Storage.Backend = config.BackendMemory
		cfg.Progress.Prometheus = false
		return server.BuildWithLogger(ctx, &cfg, zap.NewNop())
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunReportsIdleWithoutSourceRows(t *testing.T) {
	useMemoryApp(t)

	out, err := execute(t, "run", "--user", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "outcome: idle")
}

func TestParallelRunReportsIdleWithoutSourceRows(t *testing.T) {
	useMemoryApp(t)

	out, err := execute(t, "run", "--parallel", "--limit", "2")
	require.NoError(t, err)
	require.Contains(t, out, "outcome: idle")
}

func TestStatusWithoutRun(t *testing.T) {
	useMemoryApp(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestHistoryPrune(t *testing.T) {
	useMemoryApp(t)

	out, err := execute(t, "history", "prune")
	require.NoError(t, err)
	require.Contains(t, out, "pruned 0 rows")
}

func TestBadConfigFails(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/pdf-watcher.yaml", "status")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load config")
}
