// Package summary maintains the rolling per-page run summaries and the page
// history log.
package summary

import (
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Rotate pushes run into the newest slot of s, shifting older generations
// down and dropping anything past watcher.SummaryGenerations. A non-empty hash
// replaces LastHash.
func Rotate(s watcher.PageSummary, run watcher.RunSummary, hash string) watcher.PageSummary {
	keep := len(s.Runs)
	if keep > watcher.SummaryGenerations-1 {
		keep = watcher.SummaryGenerations - 1
	}
	runs := make([]watcher.RunSummary, 0, keep+1)
	runs = append(runs, run)
	runs = append(runs, s.Runs[:keep]...)

	out := watcher.PageSummary{
		PageURL:  s.PageURL,
		LastHash: s.LastHash,
		Runs:     runs,
	}
	if hash != "" {
		out.LastHash = hash
	}
	return out
}
