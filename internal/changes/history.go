// Package changes moves the per-run changes output into the retained
// changes history and prunes expired history rows.
package changes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// DefaultRetention is how long a change row stays in the history.
const DefaultRetention = 5 * 24 * time.Hour

// History transfers and prunes change rows.
type History struct {
	changes   watcher.ChangesRepository
	history   watcher.ChangesHistoryRepository
	clock     watcher.Clock
	retention time.Duration
	logger    *zap.Logger
}

// NewHistory constructs a History. A non-positive retention means DefaultRetention.
func NewHistory(
	changes watcher.ChangesRepository,
	history watcher.ChangesHistoryRepository,
	clock watcher.Clock,
	retention time.Duration,
	logger *zap.Logger,
) *History {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		changes:   changes,
		history:   history,
		clock:     clock,
		retention: retention,
		logger:    logger,
	}
}

// Transfer copies every current change row into the history tagged with
// runID and returns how many rows were copied.
func (h *History) Transfer(ctx context.Context, runID string) (int, error) {
	rows, err := h.changes.ListChanges(ctx)
	if err != nil {
		return 0, fmt.Errorf("list changes: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	savedAt := h.clock.Now()
	entries := make([]watcher.ChangesHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, watcher.ChangesHistoryEntry{
			SavedAt:   savedAt,
			RunID:     runID,
			PDFURL:    row.PDFURL,
			PageURL:   row.PageURL,
			ExpiresAt: savedAt.Add(h.retention),
		})
	}
	if err := h.history.AppendChangesHistory(ctx, entries); err != nil {
		return 0, fmt.Errorf("append changes history: %w", err)
	}
	h.logger.Info("changes transferred to history", zap.String("run_id", runID), zap.Int("rows", len(entries)))
	return len(entries), nil
}

// DeleteExpired removes history rows whose expiry is at or before now.
func (h *History) DeleteExpired(ctx context.Context) (int, error) {
	n, err := h.history.DeleteExpired(ctx, h.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired changes history: %w", err)
	}
	if n > 0 {
		h.logger.Info("expired changes history pruned", zap.Int("rows", n))
	}
	return n, nil
}
