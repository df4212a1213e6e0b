package orchestrator

import "github.com/JakeFAU/pdf-watcher/internal/watcher"

// Group is a contiguous slice of the page list processed as a unit.
type Group struct {
	Index int
	// Start is inclusive and End exclusive, both indexes into the page list.
	Start int
	End   int
	Pages []watcher.Page
}

// Partition splits pages into consecutive groups of at most size pages. The
// result depends only on the page order and size.
func Partition(pages []watcher.Page, size int) []Group {
	if size <= 0 {
		size = DefaultGroupSize
	}
	groups := make([]Group, 0, (len(pages)+size-1)/size)
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		groups = append(groups, Group{
			Index: len(groups),
			Start: start,
			End:   end,
			Pages: pages[start:end],
		})
	}
	return groups
}

// MiniBatches splits a group into consecutive chunks of at most size pages.
// Chunk i is mini-batch index i within the group.
func MiniBatches(g Group, size int) [][]watcher.Page {
	if size <= 0 {
		size = DefaultMiniBatchSize
	}
	out := make([][]watcher.Page, 0, (len(g.Pages)+size-1)/size)
	for start := 0; start < len(g.Pages); start += size {
		out = append(out, g.Pages[start:min(start+size, len(g.Pages))])
	}
	return out
}
