package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPDFsByPageScansNullableDeletedAt(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	deleted := t0.Add(time.Hour)
	mock.ExpectQuery("SELECT page_url, pdf_url, label, first_seen, deleted_at, status").
		WithArgs("p").
		WillReturnRows(pgxmock.NewRows([]string{"page_url", "pdf_url", "label", "first_seen", "deleted_at", "status"}).
			AddRow("p", "a.pdf", "A", t0, pgtype.Timestamptz{Time: deleted, Valid: true}, "removed").
			AddRow("p", "b.pdf", "", t0, pgtype.Timestamptz{}, "present"))

	recs, err := repo.PDFsByPage(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, watcher.PDFRemoved, recs[0].Status)
	require.NotNil(t, recs[0].DeletedAt)
	require.Equal(t, deleted, *recs[0].DeletedAt)
	require.Nil(t, recs[1].DeletedAt)
	require.Equal(t, watcher.PDFPresent, recs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func archiveRow(label string, firstSeen time.Time, deleted pgtype.Timestamptz, status string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"label", "first_seen", "deleted_at", "status"}).
		AddRow(label, firstSeen, deleted, status)
}

func TestUpsertPDFsInsertsNewKeys(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	repo.now = func() time.Time { return t0 }

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "a.pdf").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO archive_pdf").
		WithArgs("p", "a.pdf", "A", t0, "present").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "b.pdf").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO archive_pdf").
		WithArgs("p", "b.pdf", "", t0.Add(-time.Hour), "removed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.UpsertPDFs(context.Background(), []watcher.PDFRecord{
		{PageURL: "p", PDFURL: "a.pdf", Label: "A"},
		{PageURL: "p", PDFURL: "b.pdf", FirstSeen: t0.Add(-time.Hour), Status: watcher.PDFRemoved},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPDFsMergesLockedRow(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	repo.now = func() time.Time { return t0 }
	firstSeen := t0.Add(-48 * time.Hour)
	removedAt := t0.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "a.pdf").
		WillReturnRows(archiveRow("Annual", firstSeen, pgtype.Timestamptz{}, "present"))
	mock.ExpectExec("UPDATE archive_pdf").
		WithArgs("p", "a.pdf", "Annual", pgtype.Timestamptz{Time: t0, Valid: true}, "removed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "b.pdf").
		WillReturnRows(archiveRow("Old", firstSeen, pgtype.Timestamptz{Time: removedAt, Valid: true}, "removed"))
	mock.ExpectExec("UPDATE archive_pdf").
		WithArgs("p", "b.pdf", "New", pgtype.Timestamptz{}, "present").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := repo.UpsertPDFs(context.Background(), []watcher.PDFRecord{
		{PageURL: "p", PDFURL: "a.pdf", Status: watcher.PDFRemoved},
		{PageURL: "p", PDFURL: "b.pdf", Label: "New", FirstSeen: t0},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPDFsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "a.pdf").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO archive_pdf").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := repo.UpsertPDFs(context.Background(), []watcher.PDFRecord{{PageURL: "p", PDFURL: "a.pdf"}})
	require.ErrorContains(t, err, "constraint")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPDFsRollsBackOnLockError(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT label, first_seen, deleted_at, status").
		WithArgs("p", "a.pdf").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.UpsertPDFs(context.Background(), []watcher.PDFRecord{{PageURL: "p", PDFURL: "a.pdf"}})
	require.ErrorContains(t, err, "lock archive a.pdf")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPDFsSkipsEmpty(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	require.NoError(t, repo.UpsertPDFs(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageSummaryDecodesRuns(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectQuery("SELECT last_hash, runs FROM page_summary").
		WithArgs("p").
		WillReturnRows(pgxmock.NewRows([]string{"last_hash", "runs"}).
			AddRow("h1", []byte(`[{"date":"2025-03-01T09:00:00Z","pageUpdated":true,"pdfUpdated":false,"addedCount":2}]`)))

	got, err := repo.PageSummary(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, watcher.PageSummary{
		PageURL:  "p",
		LastHash: "h1",
		Runs:     []watcher.RunSummary{{Date: t0, PageUpdated: true, AddedCount: 2}},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageSummaryMapsNoRows(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectQuery("SELECT last_hash, runs FROM page_summary").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.PageSummary(context.Background(), "missing")
	require.ErrorIs(t, err, watcher.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageSummaryUpserts(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectExec("INSERT INTO page_summary").
		WithArgs("p", "h", []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SavePageSummary(context.Background(), watcher.PageSummary{PageURL: "p", LastHash: "h"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRunLogAccumulatesOnConflict(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectExec(`ON CONFLICT \(exec_id\) DO UPDATE`).
		WithArgs("r1", t0, "alice", 1.5, 5, 2, 3, "SUCCESS", "", watcher.ScriptVersion).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.AddRunLog(context.Background(), watcher.RunLogEntry{
		ExecID: "r1", Timestamp: t0, User: "alice", DurationSeconds: 1.5,
		PagesProcessed: 5, PagesUpdated: 2, PDFsAdded: 3,
		Result: watcher.RunSuccess, ScriptVersion: watcher.ScriptVersion,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentRunLogsOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectQuery("FROM run_log ORDER BY logged_at DESC").
		WithArgs(pgxmock.AnyArg(), 1).
		WillReturnRows(pgxmock.NewRows([]string{
			"exec_id", "logged_at", "run_user", "duration_seconds", "pages_processed",
			"pages_updated", "pdfs_added", "result", "error_message", "script_version",
		}).AddRow("r2", t0, "alice", 2.5, 10, 1, 2, "SUCCESS", "", watcher.ScriptVersion))

	logs, err := repo.RecentRunLogs(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Equal(t, []watcher.RunLogEntry{{
		ExecID: "r2", Timestamp: t0, User: "alice", DurationSeconds: 2.5,
		PagesProcessed: 10, PagesUpdated: 1, PDFsAdded: 2,
		Result: watcher.RunSuccess, ScriptVersion: watcher.ScriptVersion,
	}}, logs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTablesUseCopy(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	ctx := context.Background()

	mock.ExpectCopyFrom(pgx.Identifier{"page_history"},
		[]string{"run_date", "page_url", "page_updated", "pdf_updated", "added_count", "run_user"}).
		WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"changes"}, []string{"page_url", "label", "pdf_url"}).
		WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"changes_history"},
		[]string{"saved_at", "run_id", "pdf_url", "page_url", "expires_at"}).
		WillReturnResult(1)

	require.NoError(t, repo.AddPageHistory(ctx, []watcher.PageHistoryEntry{{RunDate: t0, PageURL: "p"}}))
	require.NoError(t, repo.AppendChanges(ctx, []watcher.Change{{PageURL: "p", PDFURL: "a.pdf"}, {PageURL: "p", PDFURL: "b.pdf"}}))
	require.NoError(t, repo.AppendChangesHistory(ctx, []watcher.ChangesHistoryEntry{{SavedAt: t0, RunID: "r", ExpiresAt: t0}}))
	require.NoError(t, repo.AddPageHistory(ctx, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChangesAndClear(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	ctx := context.Background()
	mock.ExpectQuery("SELECT page_url, label, pdf_url FROM changes").
		WillReturnRows(pgxmock.NewRows([]string{"page_url", "label", "pdf_url"}).
			AddRow("p", "A", "a.pdf").
			AddRow("q", "", "c.pdf"))
	mock.ExpectExec("DELETE FROM changes").WillReturnResult(pgxmock.NewResult("DELETE", 2))

	changes, err := repo.ListChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, []watcher.Change{
		{PageURL: "p", Label: "A", PDFURL: "a.pdf"},
		{PageURL: "q", PDFURL: "c.pdf"},
	}, changes)
	require.NoError(t, repo.ClearChanges(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredReturnsRowsAffected(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectExec("DELETE FROM changes_history WHERE expires_at <=").
		WithArgs(t0).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := repo.DeleteExpired(context.Background(), t0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRows(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	ctx := context.Background()
	mock.ExpectQuery("SELECT page_url, page_hash, label, pdf_url FROM source_rows").
		WillReturnRows(pgxmock.NewRows([]string{"page_url", "page_hash", "label", "pdf_url"}).
			AddRow("p", "h", "A", "a.pdf"))
	mock.ExpectExec("DELETE FROM source_rows").WillReturnResult(pgxmock.NewResult("DELETE", 1))

	rows, err := repo.ReadRows(ctx)
	require.NoError(t, err)
	require.Equal(t, []watcher.SourceRow{{PageURL: "p", PageHash: "h", Label: "A", PDFURL: "a.pdf"}}, rows)
	require.NoError(t, repo.ClearRows(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, repo := newMockRepository(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS source_rows").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepositoryRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.Error(t, err)
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), PoolConfig{})
	require.Error(t, err)
}

func newMockRepository(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewRepository(mock)
	require.NoError(t, err)
	return mock, repo
}
