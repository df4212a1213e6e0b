package changes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/storage/memory"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTransferCopiesRowsWithRetention(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.AppendChanges(ctx, []watcher.Change{
		{PageURL: "p1", Label: "A", PDFURL: "a.pdf"},
		{PageURL: "p2", PDFURL: "b.pdf"},
	}))
	h := NewHistory(repo, repo, fixedClock{t0}, 0, zap.NewNop())

	n, err := h.Transfer(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows := repo.ChangesHistory()
	require.Equal(t, watcher.ChangesHistoryEntry{
		SavedAt:   t0,
		RunID:     "run-1",
		PDFURL:    "a.pdf",
		PageURL:   "p1",
		ExpiresAt: t0.Add(5 * 24 * time.Hour),
	}, rows[0])
}

func TestTransferNothingToCopy(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	n, err := NewHistory(repo, repo, fixedClock{t0}, 0, nil).Transfer(context.Background(), "r")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, repo.ChangesHistory())
}

func TestDeleteExpiredUsesClock(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.AppendChangesHistory(ctx, []watcher.ChangesHistoryEntry{
		{RunID: "expired", ExpiresAt: t0.Add(-time.Second)},
		{RunID: "boundary", ExpiresAt: t0},
		{RunID: "kept", ExpiresAt: t0.Add(time.Second)},
	}))

	n, err := NewHistory(repo, repo, fixedClock{t0}, 0, nil).DeleteExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "kept", repo.ChangesHistory()[0].RunID)
}

func TestTransferPropagatesErrors(t *testing.T) {
	t.Parallel()

	h := NewHistory(brokenChanges{}, memory.NewRepository(), fixedClock{t0}, time.Hour, nil)
	_, err := h.Transfer(context.Background(), "r")
	require.ErrorContains(t, err, "list changes")
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

type brokenChanges struct{}

func (brokenChanges) AppendChanges(context.Context, []watcher.Change) error { return nil }

func (brokenChanges) ListChanges(context.Context) ([]watcher.Change, error) {
	return nil, errors.New("sheet missing")
}

func (brokenChanges) ClearChanges(context.Context) error { return nil }
