// Package diff compares a page's current PDF links with its archived set.
package diff

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Engine computes per-page diffs against the archive.
type Engine struct {
	archive   watcher.ArchiveRepository
	summaries watcher.SummaryRepository
	logger    *zap.Logger
}

// New constructs an Engine.
func New(archive watcher.ArchiveRepository, summaries watcher.SummaryRepository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		archive:   archive,
		summaries: summaries,
		logger:    logger,
	}
}

// CalculateDiff diffs page against its archived PDFs. Unless retry is set, a
// page whose hash matches the last recorded hash short-circuits to a no-change
// result without reading the archive. The returned PageHash is always the
// page's current hash.
func (e *Engine) CalculateDiff(ctx context.Context, page watcher.Page, retry bool) (watcher.DiffResult, error) {
	lastHash, err := e.lastHash(ctx, page.URL)
	if err != nil {
		return watcher.DiffResult{}, err
	}

	result := watcher.DiffResult{
		PageURL:     page.URL,
		PageHash:    page.Hash,
		AddedURLs:   []string{},
		RemovedURLs: []string{},
	}
	if !retry && page.Hash != "" && lastHash != "" && page.Hash == lastHash {
		e.logger.Debug("page hash unchanged, skipping archive read", zap.String("page_url", page.URL))
		return result, nil
	}

	archived, err := e.archive.PDFsByPage(ctx, page.URL)
	if err != nil {
		return watcher.DiffResult{}, fmt.Errorf("read archive for %s: %w", page.URL, err)
	}

	archivedSet := make(map[string]struct{}, len(archived))
	archivedOrder := make([]string, 0, len(archived))
	for _, rec := range archived {
		if rec.Status != watcher.PDFPresent {
			continue
		}
		if _, ok := archivedSet[rec.PDFURL]; ok {
			continue
		}
		archivedSet[rec.PDFURL] = struct{}{}
		archivedOrder = append(archivedOrder, rec.PDFURL)
	}

	currentSet := make(map[string]struct{}, len(page.PDFs))
	for _, url := range page.PDFURLs() {
		if _, ok := currentSet[url]; ok {
			continue
		}
		currentSet[url] = struct{}{}
		if _, ok := archivedSet[url]; !ok {
			result.AddedURLs = append(result.AddedURLs, url)
		}
	}
	for _, url := range archivedOrder {
		if _, ok := currentSet[url]; !ok {
			result.RemovedURLs = append(result.RemovedURLs, url)
		}
	}

	result.AddedCount = len(result.AddedURLs)
	result.PDFSetChanged = len(result.AddedURLs)+len(result.RemovedURLs) > 0
	result.PageChanged = page.Hash != "" && page.Hash != lastHash
	return result, nil
}

func (e *Engine) lastHash(ctx context.Context, pageURL string) (string, error) {
	summary, err := e.summaries.PageSummary(ctx, pageURL)
	if errors.Is(err, watcher.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read summary for %s: %w", pageURL, err)
	}
	return summary.LastHash, nil
}

// Stats aggregates a set of diff results.
type Stats struct {
	Processed int
	Updated   int
	PDFsAdded int
}

// Summarize counts processed pages, pages whose content or PDF set changed,
// and added PDFs.
func Summarize(results []watcher.DiffResult) Stats {
	stats := Stats{Processed: len(results)}
	for _, r := range results {
		if r.Updated() {
			stats.Updated++
		}
		stats.PDFsAdded += r.AddedCount
	}
	return stats
}
