package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/pdf-watcher/internal/archive"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Repository provides an in-memory implementation of every watcher
// repository for development and testing.
type Repository struct {
	mu             sync.RWMutex
	now            func() time.Time
	archive        []watcher.PDFRecord
	summaries      map[string]watcher.PageSummary
	history        []watcher.PageHistoryEntry
	runLogs        []watcher.RunLogEntry
	changes        []watcher.Change
	changesHistory []watcher.ChangesHistoryEntry
	source         []watcher.SourceRow
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		now:       func() time.Time { return time.Now().UTC() },
		summaries: make(map[string]watcher.PageSummary),
	}
}

// PDFsByPage implements watcher.ArchiveRepository.
func (r *Repository) PDFsByPage(_ context.Context, pageURL string) ([]watcher.PDFRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []watcher.PDFRecord
	for _, rec := range r.archive {
		if rec.PageURL == pageURL {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpsertPDFs implements watcher.ArchiveRepository.
func (r *Repository) UpsertPDFs(_ context.Context, records []watcher.PDFRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive = archive.Apply(r.archive, records, r.now())
	return nil
}

// Archive returns a copy of every archived record.
func (r *Repository) Archive() []watcher.PDFRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.archive)
}

// PageSummary implements watcher.SummaryRepository.
func (r *Repository) PageSummary(_ context.Context, pageURL string) (watcher.PageSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.summaries[pageURL]
	if !ok {
		return watcher.PageSummary{}, watcher.ErrNotFound
	}
	s.Runs = slices.Clone(s.Runs)
	return s, nil
}

// SavePageSummary implements watcher.SummaryRepository.
func (r *Repository) SavePageSummary(_ context.Context, s watcher.PageSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Runs = slices.Clone(s.Runs)
	r.summaries[s.PageURL] = s
	return nil
}

// AddPageHistory implements watcher.HistoryRepository.
func (r *Repository) AddPageHistory(_ context.Context, entries []watcher.PageHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entries...)
	return nil
}

// History returns a copy of the page history.
func (r *Repository) History() []watcher.PageHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history)
}

// AddRunLog implements watcher.RunLogRepository.
func (r *Repository) AddRunLog(_ context.Context, entry watcher.RunLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, stored := range r.runLogs {
		if stored.ExecID == entry.ExecID {
			r.runLogs[i] = entry.Accumulate(stored)
			return nil
		}
	}
	r.runLogs = append(r.runLogs, entry)
	return nil
}

// RunLogs returns a copy of the run log.
func (r *Repository) RunLogs() []watcher.RunLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.runLogs)
}

// RecentRunLogs implements watcher.RunLogReader.
func (r *Repository) RecentRunLogs(_ context.Context, limit, offset int) ([]watcher.RunLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return watcher.NewestFirst(r.runLogs, limit, offset), nil
}

// AppendChanges implements watcher.ChangesRepository.
func (r *Repository) AppendChanges(_ context.Context, changes []watcher.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return nil
}

// ListChanges implements watcher.ChangesRepository.
func (r *Repository) ListChanges(context.Context) ([]watcher.Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.changes), nil
}

// ClearChanges implements watcher.ChangesRepository.
func (r *Repository) ClearChanges(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
	return nil
}

// AppendChangesHistory implements watcher.ChangesHistoryRepository.
func (r *Repository) AppendChangesHistory(_ context.Context, entries []watcher.ChangesHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changesHistory = append(r.changesHistory, entries...)
	return nil
}

// DeleteExpired implements watcher.ChangesHistoryRepository.
func (r *Repository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.changesHistory)
	r.changesHistory = slices.DeleteFunc(r.changesHistory, func(e watcher.ChangesHistoryEntry) bool {
		return !e.ExpiresAt.After(now)
	})
	return before - len(r.changesHistory), nil
}

// ChangesHistory returns a copy of the retained change rows.
func (r *Repository) ChangesHistory() []watcher.ChangesHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.changesHistory)
}

// SetSourceRows replaces the page input.
func (r *Repository) SetSourceRows(rows []watcher.SourceRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = slices.Clone(rows)
}

// ReadRows implements watcher.SourceRepository.
func (r *Repository) ReadRows(context.Context) ([]watcher.SourceRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.source), nil
}

// ClearRows implements watcher.SourceRepository.
func (r *Repository) ClearRows(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = nil
	return nil
}
