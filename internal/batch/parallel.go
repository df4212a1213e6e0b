package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Defaults for RunParallel.
const (
	DefaultParallelBatchSize = 50
	DefaultParallelLimit     = 10
)

// RunParallel splits req into chunks of batchSize pages and runs up to limit
// chunks concurrently. Results merge in input order; the first error cancels
// the remaining chunks.
func RunParallel(
	ctx context.Context,
	runner watcher.BatchRunner,
	req watcher.BatchRequest,
	batchSize, limit int,
) (watcher.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultParallelBatchSize
	}
	if limit <= 0 {
		limit = DefaultParallelLimit
	}
	chunks := chunkPages(req.Pages, batchSize)
	results := make([]watcher.BatchResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pages := range chunks {
		sub := req
		sub.Pages = pages
		g.Go(func() error {
			res, err := runner.RunBatch(gctx, sub)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return watcher.BatchResult{}, err
	}

	merged := watcher.BatchResult{RunID: req.RunID}
	for _, res := range results {
		merged = merged.Merge(res)
	}
	return merged, nil
}

func chunkPages(pages []watcher.Page, size int) [][]watcher.Page {
	var chunks [][]watcher.Page
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		chunks = append(chunks, pages[start:end])
	}
	return chunks
}
