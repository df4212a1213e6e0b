package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Service updates page summaries and appends page history.
type Service struct {
	summaries watcher.SummaryRepository
	history   watcher.HistoryRepository
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(summaries watcher.SummaryRepository, history watcher.HistoryRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		summaries: summaries,
		history:   history,
		logger:    logger,
	}
}

// UpdatePageSummary rotates the diff outcome into the page's summary with a
// single write.
func (s *Service) UpdatePageSummary(ctx context.Context, result watcher.DiffResult, at time.Time) error {
	current, err := s.summaries.PageSummary(ctx, result.PageURL)
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		current = watcher.PageSummary{PageURL: result.PageURL}
	case err != nil:
		return fmt.Errorf("load summary for %s: %w", result.PageURL, err)
	}
	next := Rotate(current, watcher.RunSummary{
		Date:        at,
		PageUpdated: result.PageChanged,
		PDFUpdated:  result.PDFSetChanged,
		AddedCount:  result.AddedCount,
	}, result.PageHash)
	if err := s.summaries.SavePageSummary(ctx, next); err != nil {
		return fmt.Errorf("save summary for %s: %w", result.PageURL, err)
	}
	return nil
}

// UpdateBatchSummaries updates every page summary and appends one history row
// per result, stamped with the same run date.
func (s *Service) UpdateBatchSummaries(
	ctx context.Context,
	results []watcher.DiffResult,
	user string,
	at time.Time,
) error {
	entries := make([]watcher.PageHistoryEntry, 0, len(results))
	for _, result := range results {
		if err := s.UpdatePageSummary(ctx, result, at); err != nil {
			return err
		}
		entries = append(entries, watcher.PageHistoryEntry{
			RunDate:     at,
			PageURL:     result.PageURL,
			PageUpdated: result.PageChanged,
			PDFUpdated:  result.PDFSetChanged,
			AddedCount:  result.AddedCount,
			User:        user,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.history.AddPageHistory(ctx, entries); err != nil {
		return fmt.Errorf("append page history: %w", err)
	}
	s.logger.Debug("summaries updated", zap.Int("pages", len(entries)))
	return nil
}
