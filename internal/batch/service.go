// Package batch implements the batch-diff operation: diff a set of pages,
// upsert the archive, rotate summaries and record a run log row.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/diff"
	"github.com/JakeFAU/pdf-watcher/internal/summary"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// DefaultLockWait is how long a batch waits for the archive lock per attempt.
const DefaultLockWait = 30 * time.Second

// Differ diffs a single page against the archive.
type Differ interface {
	CalculateDiff(ctx context.Context, page watcher.Page, retry bool) (watcher.DiffResult, error)
}

// Summarizer rotates summaries and appends page history.
type Summarizer interface {
	UpdateBatchSummaries(ctx context.Context, results []watcher.DiffResult, user string, at time.Time) error
}

// Locker serializes archive and summary mutations.
type Locker interface {
	ExecuteWithLock(ctx context.Context, wait time.Duration, fn func(ctx context.Context) error) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Archive    watcher.ArchiveRepository
	RunLog     watcher.RunLogRepository
	Differ     Differ
	Summarizer Summarizer
	Lock       Locker
	Clock      watcher.Clock
	IDs        watcher.IDGenerator
	Logger     *zap.Logger
	LockWait   time.Duration
}

// Service is the in-process watcher.BatchRunner.
type Service struct {
	archive    watcher.ArchiveRepository
	runLog     watcher.RunLogRepository
	differ     Differ
	summarizer Summarizer
	lock       Locker
	clock      watcher.Clock
	ids        watcher.IDGenerator
	logger     *zap.Logger
	lockWait   time.Duration
}

// NewService constructs a Service.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Archive == nil:
		return nil, errors.New("archive repository is required")
	case d.RunLog == nil:
		return nil, errors.New("run log repository is required")
	case d.Differ == nil:
		return nil, errors.New("differ is required")
	case d.Summarizer == nil:
		return nil, errors.New("summarizer is required")
	case d.Lock == nil:
		return nil, errors.New("archive lock is required")
	case d.Clock == nil || d.IDs == nil:
		return nil, errors.New("clock and id generator are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.LockWait <= 0 {
		d.LockWait = DefaultLockWait
	}
	return &Service{
		archive:    d.Archive,
		runLog:     d.RunLog,
		differ:     d.Differ,
		summarizer: d.Summarizer,
		lock:       d.Lock,
		clock:      d.Clock,
		ids:        d.IDs,
		logger:     d.Logger,
		lockWait:   d.LockWait,
	}, nil
}

// Repositories groups the four stores a Service is built from.
type Repositories struct {
	Archive   watcher.ArchiveRepository
	Summaries watcher.SummaryRepository
	History   watcher.HistoryRepository
	RunLog    watcher.RunLogRepository
}

// NewFromRepositories wires the diff engine and summary service over repos.
func NewFromRepositories(
	repos Repositories,
	lock Locker,
	clock watcher.Clock,
	ids watcher.IDGenerator,
	lockWait time.Duration,
	logger *zap.Logger,
) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewService(Deps{
		Archive:    repos.Archive,
		RunLog:     repos.RunLog,
		Differ:     diff.New(repos.Archive, repos.Summaries, logger.Named("diff")),
		Summarizer: summary.NewService(repos.Summaries, repos.History, logger.Named("summary")),
		Lock:       lock,
		Clock:      clock,
		IDs:        ids,
		Logger:     logger,
		LockWait:   lockWait,
	})
}

// RunBatch implements watcher.BatchRunner.
func (s *Service) RunBatch(ctx context.Context, req watcher.BatchRequest) (watcher.BatchResult, error) {
	start := s.clock.Now()
	execID := req.RunID
	if execID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return watcher.BatchResult{}, fmt.Errorf("generate exec id: %w", err)
		}
		execID = id
	}
	logger := s.logger.With(zap.String("run_id", execID), zap.Int("pages", len(req.Pages)))

	results := make([]watcher.DiffResult, 0, len(req.Pages))
	var pageErrors []watcher.ErrorInfo
	for _, page := range req.Pages {
		res, err := s.differ.CalculateDiff(ctx, page, req.IsRetry)
		if err != nil {
			logger.Warn("page diff failed", zap.String("page_url", page.URL), zap.Error(err))
			pageErrors = append(pageErrors, watcher.ErrorInfo{PageURL: page.URL, Message: err.Error()})
			continue
		}
		results = append(results, res)
	}

	now := s.clock.Now()
	records := BuildRecords(req.Pages, results, now)
	err := s.lock.ExecuteWithLock(ctx, s.lockWait, func(ctx context.Context) error {
		if len(records) > 0 {
			if err := s.archive.UpsertPDFs(ctx, records); err != nil {
				return fmt.Errorf("upsert archive: %w", err)
			}
		}
		if err := s.summarizer.UpdateBatchSummaries(ctx, results, req.User, now); err != nil {
			return fmt.Errorf("update summaries: %w", err)
		}
		return nil
	})
	duration := s.clock.Now().Sub(start).Seconds()
	if err != nil {
		s.writeRunLog(context.WithoutCancel(ctx), logger, watcher.RunLogEntry{
			ExecID:          execID,
			Timestamp:       now,
			User:            req.User,
			DurationSeconds: duration,
			Result:          watcher.RunError,
			ErrorMessage:    watcher.TruncateError(err.Error()),
			ScriptVersion:   watcher.ScriptVersion,
		})
		return watcher.BatchResult{}, err
	}

	stats := diff.Summarize(results)
	result := watcher.BatchResult{
		RunID:           execID,
		ProcessedPages:  stats.Processed,
		UpdatedPages:    stats.Updated,
		AddedPDFs:       stats.PDFsAdded,
		DurationSeconds: duration,
		Errors:          pageErrors,
		DiffResults:     results,
	}
	entry := watcher.RunLogEntry{
		ExecID:          execID,
		Timestamp:       now,
		User:            req.User,
		DurationSeconds: duration,
		PagesProcessed:  stats.Processed,
		PagesUpdated:    stats.Updated,
		PDFsAdded:       stats.PDFsAdded,
		Result:          watcher.RunSuccess,
		ScriptVersion:   watcher.ScriptVersion,
	}
	if len(pageErrors) > 0 {
		entry.Result = watcher.RunError
		entry.ErrorMessage = watcher.TruncateError(pageErrors[0].Message)
	}
	s.writeRunLog(ctx, logger, entry)

	logger.Info("batch completed",
		zap.Int("processed", stats.Processed),
		zap.Int("updated", stats.Updated),
		zap.Int("pdfs_added", stats.PDFsAdded),
		zap.Int("page_errors", len(pageErrors)),
		zap.Bool("retry", req.IsRetry),
	)
	return result, nil
}

// The run log is best effort; a failure must not undo committed upserts.
func (s *Service) writeRunLog(ctx context.Context, logger *zap.Logger, entry watcher.RunLogEntry) {
	if err := s.runLog.AddRunLog(ctx, entry); err != nil {
		logger.Warn("run log write failed", zap.Error(err))
	}
}

// BuildRecords derives archive records from the diffed pages: added and
// still-linked PDFs become present records stamped now, removed PDFs become
// removed records. Pages without a diff result are skipped.
func BuildRecords(pages []watcher.Page, results []watcher.DiffResult, now time.Time) []watcher.PDFRecord {
	byPage := make(map[string]watcher.DiffResult, len(results))
	for _, r := range results {
		byPage[r.PageURL] = r
	}
	var records []watcher.PDFRecord
	seen := make(map[watcher.ArchiveKey]struct{})
	add := func(rec watcher.PDFRecord) {
		if _, ok := seen[rec.Key()]; ok {
			return
		}
		seen[rec.Key()] = struct{}{}
		records = append(records, rec)
	}
	for _, page := range pages {
		res, ok := byPage[page.URL]
		if !ok {
			continue
		}
		for _, pdf := range page.PDFs {
			add(watcher.PDFRecord{
				PageURL:   page.URL,
				PDFURL:    pdf.URL,
				Label:     pdf.Label,
				FirstSeen: now,
				Status:    watcher.PDFPresent,
			})
		}
		for _, url := range res.RemovedURLs {
			add(watcher.PDFRecord{
				PageURL:   page.URL,
				PDFURL:    url,
				FirstSeen: now,
				Status:    watcher.PDFRemoved,
			})
		}
	}
	return records
}
