package watcher

import (
	"context"
	"io"
	"time"
)

// ArchiveRepository persists PDF presence records.
type ArchiveRepository interface {
	PDFsByPage(ctx context.Context, pageURL string) ([]PDFRecord, error)
	UpsertPDFs(ctx context.Context, records []PDFRecord) error
}

// SummaryRepository persists per-page rolling summaries.
type SummaryRepository interface {
	// PageSummary returns ErrNotFound when the page has never been summarized.
	PageSummary(ctx context.Context, pageURL string) (PageSummary, error)
	SavePageSummary(ctx context.Context, summary PageSummary) error
}

// HistoryRepository appends page history rows.
type HistoryRepository interface {
	AddPageHistory(ctx context.Context, entries []PageHistoryEntry) error
}

// RunLogRepository records run logs, accumulating rows that share an ExecID.
type RunLogRepository interface {
	AddRunLog(ctx context.Context, entry RunLogEntry) error
}

// RunLogReader lists run log rows, newest first.
type RunLogReader interface {
	RecentRunLogs(ctx context.Context, limit, offset int) ([]RunLogEntry, error)
}

// ChangesRepository holds the changes output of the current run.
type ChangesRepository interface {
	AppendChanges(ctx context.Context, changes []Change) error
	ListChanges(ctx context.Context) ([]Change, error)
	ClearChanges(ctx context.Context) error
}

// ChangesHistoryRepository retains change rows for a limited period.
type ChangesHistoryRepository interface {
	AppendChangesHistory(ctx context.Context, entries []ChangesHistoryEntry) error
	// DeleteExpired removes entries whose ExpiresAt is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// SourceRepository reads and clears the tabular page input.
type SourceRepository interface {
	ReadRows(ctx context.Context) ([]SourceRow, error)
	ClearRows(ctx context.Context) error
}

// BatchRunner executes the batch-diff operation, locally or remotely.
type BatchRunner interface {
	RunBatch(ctx context.Context, req BatchRequest) (BatchResult, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads contribute message attributes when published.
type Attributed interface {
	Attributes() map[string]string
}

// BlobStore writes exported artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, session and exec IDs.
type IDGenerator interface {
	NewID() (string, error)
}
