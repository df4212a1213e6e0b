package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

func TestSweepProcessesEverythingWithoutState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 65, 0)
	res, err := h.orch.Sweep(context.Background(), "alice", SweepOptions{BatchSize: 10, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 65, res.Totals.ProcessedPages)
	require.Equal(t, 65, res.Totals.AddedPDFs)
	require.Len(t, h.runner.Calls(), 7)
	for _, call := range h.runner.Calls() {
		require.Equal(t, res.RunID, call.RunID)
		require.Equal(t, "alice", call.User)
	}

	listed, err := h.repo.ListChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 65)
	require.Len(t, h.repo.ChangesHistory(), 65)

	_, err = h.states.Peek(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)
	require.Empty(t, h.sched.Delays())
	require.Len(t, h.reporter.Completed(), 1)
}

func TestSweepRefusesWhileRunUnfinished(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 65, 0)
	_, err := h.states.Create(context.Background(), state.NewParams{User: "bob", TotalPages: 65, TotalGroups: 3})
	require.NoError(t, err)

	res, err := h.orch.Sweep(context.Background(), "alice", SweepOptions{})
	require.ErrorIs(t, err, ErrRunActive)
	require.Equal(t, OutcomeBusy, res.Outcome)
	require.Empty(t, h.runner.Calls())
}

func TestSweepRunnerErrorFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 12, 0)
	h.runner.SetFailures(1)
	res, err := h.orch.Sweep(context.Background(), "", SweepOptions{BatchSize: 50, Limit: 1})
	require.ErrorContains(t, err, "sheet unavailable")
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Empty(t, h.reporter.Completed())
}

func TestSweepIdleWithoutSourceRows(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, 0)
	res, err := h.orch.Sweep(context.Background(), "", SweepOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
}
