package sheet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/archive"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var (
	_ watcher.ArchiveRepository        = (*Workbook)(nil)
	_ watcher.SummaryRepository        = (*Workbook)(nil)
	_ watcher.HistoryRepository        = (*Workbook)(nil)
	_ watcher.RunLogRepository         = (*Workbook)(nil)
	_ watcher.RunLogReader             = (*Workbook)(nil)
	_ watcher.ChangesRepository        = (*Workbook)(nil)
	_ watcher.ChangesHistoryRepository = (*Workbook)(nil)
	_ watcher.SourceRepository         = (*Workbook)(nil)
)

// decodeAll decodes every data row of sheet with fn.
func decodeAll[T any](w *Workbook, name string, fn func([]string) (T, error)) ([]T, error) {
	rows, err := w.rows(name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		v, err := fn(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", name, i+2, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeAll[T any](items []T, fn func(T) []any) [][]any {
	out := make([][]any, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

func infallible[T any](fn func([]string) T) func([]string) (T, error) {
	return func(row []string) (T, error) { return fn(row), nil }
}

// PDFsByPage implements watcher.ArchiveRepository.
func (w *Workbook) PDFsByPage(_ context.Context, pageURL string) ([]watcher.PDFRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, Archive, decodeRecord)
	if err != nil {
		return nil, err
	}
	var out []watcher.PDFRecord
	for _, rec := range all {
		if rec.PageURL == pageURL {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpsertPDFs implements watcher.ArchiveRepository.
func (w *Workbook) UpsertPDFs(_ context.Context, records []watcher.PDFRecord) error {
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	stored, err := decodeAll(w, Archive, decodeRecord)
	if err != nil {
		return err
	}
	merged := archive.Apply(stored, records, w.clock.Now())
	if err := w.replace(Archive, encodeAll(merged, encodeRecord)); err != nil {
		return err
	}
	w.logger.Debug("archive upserted", zap.Int("incoming", len(records)), zap.Int("rows", len(merged)))
	return w.save()
}

// PageSummary implements watcher.SummaryRepository.
func (w *Workbook) PageSummary(_ context.Context, pageURL string) (watcher.PageSummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, Summary, decodeSummary)
	if err != nil {
		return watcher.PageSummary{}, err
	}
	for _, s := range all {
		if s.PageURL == pageURL {
			return s, nil
		}
	}
	return watcher.PageSummary{}, watcher.ErrNotFound
}

// SavePageSummary implements watcher.SummaryRepository.
func (w *Workbook) SavePageSummary(_ context.Context, summary watcher.PageSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, Summary, decodeSummary)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].PageURL == summary.PageURL {
			all[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		if err := w.appendRows(Summary, [][]any{encodeSummary(summary)}); err != nil {
			return err
		}
		return w.save()
	}
	if err := w.replace(Summary, encodeAll(all, encodeSummary)); err != nil {
		return err
	}
	return w.save()
}

// AddPageHistory implements watcher.HistoryRepository.
func (w *Workbook) AddPageHistory(_ context.Context, entries []watcher.PageHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendRows(History, encodeAll(entries, encodeHistory)); err != nil {
		return err
	}
	return w.save()
}

// PageHistory returns every page history row.
func (w *Workbook) PageHistory(context.Context) ([]watcher.PageHistoryEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return decodeAll(w, History, decodeHistory)
}

// AddRunLog implements watcher.RunLogRepository. A row with the same ExecID
// is accumulated in place.
func (w *Workbook) AddRunLog(_ context.Context, entry watcher.RunLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, RunLog, decodeRunLog)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ExecID == entry.ExecID {
			all[i] = entry.Accumulate(all[i])
			if err := w.replace(RunLog, encodeAll(all, encodeRunLog)); err != nil {
				return err
			}
			return w.save()
		}
	}
	if err := w.appendRows(RunLog, [][]any{encodeRunLog(entry)}); err != nil {
		return err
	}
	return w.save()
}

// RunLogs returns every run log row.
func (w *Workbook) RunLogs(context.Context) ([]watcher.RunLogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return decodeAll(w, RunLog, decodeRunLog)
}

// RecentRunLogs implements watcher.RunLogReader.
func (w *Workbook) RecentRunLogs(_ context.Context, limit, offset int) ([]watcher.RunLogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, RunLog, decodeRunLog)
	if err != nil {
		return nil, err
	}
	return watcher.NewestFirst(all, limit, offset), nil
}

// AppendChanges implements watcher.ChangesRepository.
func (w *Workbook) AppendChanges(_ context.Context, changes []watcher.Change) error {
	if len(changes) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendRows(Changes, encodeAll(changes, encodeChange)); err != nil {
		return err
	}
	return w.save()
}

// ListChanges implements watcher.ChangesRepository.
func (w *Workbook) ListChanges(context.Context) ([]watcher.Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return decodeAll(w, Changes, infallible(decodeChange))
}

// ClearChanges implements watcher.ChangesRepository.
func (w *Workbook) ClearChanges(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.replace(Changes, nil); err != nil {
		return err
	}
	return w.save()
}

// AppendChangesHistory implements watcher.ChangesHistoryRepository.
func (w *Workbook) AppendChangesHistory(_ context.Context, entries []watcher.ChangesHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendRows(ChangesHistory, encodeAll(entries, encodeChangesHistory)); err != nil {
		return err
	}
	return w.save()
}

// ChangesHistoryRows returns every retained change row.
func (w *Workbook) ChangesHistoryRows(context.Context) ([]watcher.ChangesHistoryEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return decodeAll(w, ChangesHistory, decodeChangesHistory)
}

// DeleteExpired implements watcher.ChangesHistoryRepository.
func (w *Workbook) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, err := decodeAll(w, ChangesHistory, decodeChangesHistory)
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	for _, e := range all {
		if e.ExpiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := w.replace(ChangesHistory, encodeAll(kept, encodeChangesHistory)); err != nil {
		return 0, err
	}
	return removed, w.save()
}

// ReadRows implements watcher.SourceRepository.
func (w *Workbook) ReadRows(context.Context) ([]watcher.SourceRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return decodeAll(w, Source, infallible(decodeSource))
}

// WriteRows replaces the source rows.
func (w *Workbook) WriteRows(_ context.Context, rows []watcher.SourceRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.replace(Source, encodeAll(rows, encodeSource)); err != nil {
		return err
	}
	return w.save()
}

// ClearRows implements watcher.SourceRepository.
func (w *Workbook) ClearRows(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.replace(Source, nil); err != nil {
		return err
	}
	return w.save()
}
