package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/pdf-watcher/internal/archive"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// DB is the subset of pgxpool.Pool used by the Repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var (
	_ watcher.ArchiveRepository        = (*Repository)(nil)
	_ watcher.SummaryRepository        = (*Repository)(nil)
	_ watcher.HistoryRepository        = (*Repository)(nil)
	_ watcher.RunLogRepository         = (*Repository)(nil)
	_ watcher.RunLogReader             = (*Repository)(nil)
	_ watcher.ChangesRepository        = (*Repository)(nil)
	_ watcher.ChangesHistoryRepository = (*Repository)(nil)
	_ watcher.SourceRepository         = (*Repository)(nil)
)

// Repository implements every watcher repository over the tables in Schema.
type Repository struct {
	db  DB
	now func() time.Time
}

// NewRepository constructs a Repository over db, typically a *pgxpool.Pool.
func NewRepository(db DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("postgres repository: db is required")
	}
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate applies Schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func lockArchive(ctx context.Context, tx pgx.Tx, key watcher.ArchiveKey) (watcher.PDFRecord, bool, error) {
	rec := watcher.PDFRecord{PageURL: key.PageURL, PDFURL: key.PDFURL}
	var (
		deleted pgtype.Timestamptz
		status  string
	)
	err := tx.QueryRow(ctx, lockArchiveRow, key.PageURL, key.PDFURL).
		Scan(&rec.Label, &rec.FirstSeen, &deleted, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("lock archive %s: %w", key.PDFURL, err)
	}
	if deleted.Valid {
		at := deleted.Time.UTC()
		rec.DeletedAt = &at
	}
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.Status = watcher.PDFStatus(status)
	return rec, true, nil
}

// PDFsByPage implements watcher.ArchiveRepository.
func (r *Repository) PDFsByPage(ctx context.Context, pageURL string) ([]watcher.PDFRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT page_url, pdf_url, label, first_seen, deleted_at, status
FROM archive_pdf
WHERE page_url = $1
ORDER BY first_seen, pdf_url`, pageURL)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (watcher.PDFRecord, error) {
		var (
			rec     watcher.PDFRecord
			deleted pgtype.Timestamptz
			status  string
		)
		if err := row.Scan(&rec.PageURL, &rec.PDFURL, &rec.Label, &rec.FirstSeen, &deleted, &status); err != nil {
			return rec, err
		}
		if deleted.Valid {
			at := deleted.Time.UTC()
			rec.DeletedAt = &at
		}
		rec.FirstSeen = rec.FirstSeen.UTC()
		rec.Status = watcher.PDFStatus(status)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	return recs, nil
}

const (
	lockArchiveRow = `
SELECT label, first_seen, deleted_at, status
FROM archive_pdf
WHERE page_url = $1 AND pdf_url = $2
FOR UPDATE`
	insertArchiveRow = `
INSERT INTO archive_pdf (page_url, pdf_url, label, first_seen, deleted_at, status)
VALUES ($1, $2, $3, $4, NULL, $5)`
	updateArchiveRow = `
UPDATE archive_pdf SET label = $3, deleted_at = $4, status = $5
WHERE page_url = $1 AND pdf_url = $2`
)

// UpsertPDFs implements watcher.ArchiveRepository in a single transaction.
// Each key is locked, merged with archive.Merge or archive.Insert and written
// back.
func (r *Repository) UpsertPDFs(ctx context.Context, records []watcher.PDFRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	now := r.now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	for _, rec := range records {
		stored, found, lerr := lockArchive(ctx, tx, rec.Key())
		if lerr != nil {
			return lerr
		}
		if !found {
			row := archive.Insert(rec, now)
			if _, err = tx.Exec(ctx, insertArchiveRow,
				row.PageURL, row.PDFURL, row.Label, row.FirstSeen, string(row.Status),
			); err != nil {
				return fmt.Errorf("insert archive %s: %w", rec.PDFURL, err)
			}
			continue
		}
		row := archive.Merge(stored, rec, now)
		var deleted pgtype.Timestamptz
		if row.DeletedAt != nil {
			deleted = pgtype.Timestamptz{Time: *row.DeletedAt, Valid: true}
		}
		if _, err = tx.Exec(ctx, updateArchiveRow,
			row.PageURL, row.PDFURL, row.Label, deleted, string(row.Status),
		); err != nil {
			return fmt.Errorf("update archive %s: %w", rec.PDFURL, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive upsert: %w", err)
	}
	return nil
}

// PageSummary implements watcher.SummaryRepository.
func (r *Repository) PageSummary(ctx context.Context, pageURL string) (watcher.PageSummary, error) {
	s := watcher.PageSummary{PageURL: pageURL}
	var runs []byte
	err := r.db.QueryRow(ctx, `SELECT last_hash, runs FROM page_summary WHERE page_url = $1`, pageURL).
		Scan(&s.LastHash, &runs)
	if errors.Is(err, pgx.ErrNoRows) {
		return watcher.PageSummary{}, watcher.ErrNotFound
	}
	if err != nil {
		return watcher.PageSummary{}, fmt.Errorf("query page summary: %w", err)
	}
	if len(runs) > 0 {
		if err := json.Unmarshal(runs, &s.Runs); err != nil {
			return watcher.PageSummary{}, fmt.Errorf("decode page summary runs: %w", err)
		}
	}
	return s, nil
}

// SavePageSummary implements watcher.SummaryRepository.
func (r *Repository) SavePageSummary(ctx context.Context, summary watcher.PageSummary) error {
	runs := summary.Runs
	if runs == nil {
		runs = []watcher.RunSummary{}
	}
	payload, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("encode page summary runs: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
INSERT INTO page_summary (page_url, last_hash, runs)
VALUES ($1, $2, $3)
ON CONFLICT (page_url) DO UPDATE SET last_hash = EXCLUDED.last_hash, runs = EXCLUDED.runs`,
		summary.PageURL, summary.LastHash, payload,
	); err != nil {
		return fmt.Errorf("save page summary: %w", err)
	}
	return nil
}

// AddPageHistory implements watcher.HistoryRepository.
func (r *Repository) AddPageHistory(ctx context.Context, entries []watcher.PageHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"page_history"},
		[]string{"run_date", "page_url", "page_updated", "pdf_updated", "added_count", "run_user"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.RunDate, e.PageURL, e.PageUpdated, e.PDFUpdated, e.AddedCount, e.User}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy page history: %w", err)
	}
	return nil
}

// AddRunLog implements watcher.RunLogRepository. Rows sharing an exec id
// accumulate counts and durations; the latest result wins.
func (r *Repository) AddRunLog(ctx context.Context, e watcher.RunLogEntry) error {
	if _, err := r.db.Exec(ctx, `
INSERT INTO run_log (exec_id, logged_at, run_user, duration_seconds, pages_processed,
	pages_updated, pdfs_added, result, error_message, script_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (exec_id) DO UPDATE SET
	logged_at = EXCLUDED.logged_at,
	run_user = EXCLUDED.run_user,
	duration_seconds = run_log.duration_seconds + EXCLUDED.duration_seconds,
	pages_processed = run_log.pages_processed + EXCLUDED.pages_processed,
	pages_updated = run_log.pages_updated + EXCLUDED.pages_updated,
	pdfs_added = run_log.pdfs_added + EXCLUDED.pdfs_added,
	result = EXCLUDED.result,
	error_message = EXCLUDED.error_message,
	script_version = EXCLUDED.script_version`,
		e.ExecID, e.Timestamp, e.User, e.DurationSeconds, e.PagesProcessed,
		e.PagesUpdated, e.PDFsAdded, string(e.Result), e.ErrorMessage, e.ScriptVersion,
	); err != nil {
		return fmt.Errorf("add run log: %w", err)
	}
	return nil
}

// RecentRunLogs implements watcher.RunLogReader. A non-positive limit
// returns every row.
func (r *Repository) RecentRunLogs(ctx context.Context, limit, offset int) ([]watcher.RunLogEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.db.Query(ctx, `
SELECT exec_id, logged_at, run_user, duration_seconds, pages_processed,
	pages_updated, pdfs_added, result, error_message, script_version
FROM run_log ORDER BY logged_at DESC LIMIT $1 OFFSET $2`, lim, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (watcher.RunLogEntry, error) {
		var (
			e      watcher.RunLogEntry
			result string
		)
		err := row.Scan(&e.ExecID, &e.Timestamp, &e.User, &e.DurationSeconds, &e.PagesProcessed,
			&e.PagesUpdated, &e.PDFsAdded, &result, &e.ErrorMessage, &e.ScriptVersion)
		e.Result = watcher.RunResult(result)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan run log: %w", err)
	}
	return out, nil
}

// AppendChanges implements watcher.ChangesRepository.
func (r *Repository) AppendChanges(ctx context.Context, changes []watcher.Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"changes"},
		[]string{"page_url", "label", "pdf_url"},
		pgx.CopyFromSlice(len(changes), func(i int) ([]any, error) {
			c := changes[i]
			return []any{c.PageURL, c.Label, c.PDFURL}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy changes: %w", err)
	}
	return nil
}

// ListChanges implements watcher.ChangesRepository.
func (r *Repository) ListChanges(ctx context.Context) ([]watcher.Change, error) {
	rows, err := r.db.Query(ctx, `SELECT page_url, label, pdf_url FROM changes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (watcher.Change, error) {
		var c watcher.Change
		err := row.Scan(&c.PageURL, &c.Label, &c.PDFURL)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan changes: %w", err)
	}
	return out, nil
}

// ClearChanges implements watcher.ChangesRepository.
func (r *Repository) ClearChanges(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM changes`); err != nil {
		return fmt.Errorf("clear changes: %w", err)
	}
	return nil
}

// AppendChangesHistory implements watcher.ChangesHistoryRepository.
func (r *Repository) AppendChangesHistory(ctx context.Context, entries []watcher.ChangesHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"changes_history"},
		[]string{"saved_at", "run_id", "pdf_url", "page_url", "expires_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.SavedAt, e.RunID, e.PDFURL, e.PageURL, e.ExpiresAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy changes history: %w", err)
	}
	return nil
}

// DeleteExpired implements watcher.ChangesHistoryRepository.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM changes_history WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired changes history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReadRows implements watcher.SourceRepository.
func (r *Repository) ReadRows(ctx context.Context) ([]watcher.SourceRow, error) {
	rows, err := r.db.Query(ctx, `SELECT page_url, page_hash, label, pdf_url FROM source_rows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query source rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (watcher.SourceRow, error) {
		var s watcher.SourceRow
		err := row.Scan(&s.PageURL, &s.PageHash, &s.Label, &s.PDFURL)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan source rows: %w", err)
	}
	return out, nil
}

// ClearRows implements watcher.SourceRepository.
func (r *Repository) ClearRows(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM source_rows`); err != nil {
		return fmt.Errorf("clear source rows: %w", err)
	}
	return nil
}
