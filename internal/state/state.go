// Package state persists the processing state of a resumable run.
package state

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const (
	// SchemaVersion is the only state layout this build accepts.
	SchemaVersion = "1.0.0"
	// DefaultKey is the storage key of the singleton state.
	DefaultKey = "PDF_WATCHER_PROCESSING_STATE"
	// DefaultExpiry is how long a state stays valid after its last update.
	DefaultExpiry = 24 * time.Hour
	// MaxConsecutiveErrors escalates a run to cancelled.
	MaxConsecutiveErrors = 3
)

// ErrNotFound is returned when no valid state exists.
var ErrNotFound = errors.New("processing state not found")

// Status is the lifecycle status of a run.
type Status string

// Run statuses.
const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further work should be done for the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Totals accumulates batch results across every invocation of a run.
type Totals struct {
	ProcessedPages  int     `json:"processedPages"`
	UpdatedPages    int     `json:"updatedPages"`
	AddedPDFs       int     `json:"addedPdfs"`
	DurationSeconds float64 `json:"durationSeconds"`
	PageErrors      int     `json:"pageErrors"`
}

// Add folds a batch result into the totals.
func (t Totals) Add(r watcher.BatchResult) Totals {
	t.ProcessedPages += r.ProcessedPages
	t.UpdatedPages += r.UpdatedPages
	t.AddedPDFs += r.AddedPDFs
	t.DurationSeconds += r.DurationSeconds
	t.PageErrors += len(r.Errors)
	return t
}

// State is the durable record of an in-flight run. Timestamps are epoch
// milliseconds.
type State struct {
	SchemaVersion        string        `json:"schemaVersion"`
	Status               Status        `json:"status"`
	StartedAt            int64         `json:"startedAt"`
	LastUpdatedAt        int64         `json:"lastUpdatedAt"`
	CurrentGroupIndex    int           `json:"currentGroupIndex"`
	TotalGroups          int           `json:"totalGroups"`
	TotalPages           int           `json:"totalPages"`
	ProcessedPages       int           `json:"processedPages"`
	ContinuationHandle   string        `json:"continuationHandle,omitempty"`
	User                 string        `json:"user"`
	ErrorCount           int           `json:"errorCount"`
	LastError            string        `json:"lastError,omitempty"`
	SessionID            string        `json:"sessionId"`
	RunID                string        `json:"runId"`
	CompletedMiniBatches map[int][]int `json:"completedMiniBatchesByGroup"`
	SourceDigest         string        `json:"sourceDigest,omitempty"`
	Totals               Totals        `json:"totals"`
	// PendingChanges were found by a checkpointed mini-batch but are not yet
	// in the changes table.
	PendingChanges []watcher.Change `json:"pendingChanges,omitempty"`
}

// Validate checks the state's schema, freshness and structural invariants.
func (s *State) Validate(now time.Time, expiry time.Duration) error {
	switch {
	case s.SchemaVersion != SchemaVersion:
		return fmt.Errorf("schema version %q != %q", s.SchemaVersion, SchemaVersion)
	case now.Sub(time.UnixMilli(s.LastUpdatedAt)) >= expiry:
		return fmt.Errorf("state expired, last updated %s", time.UnixMilli(s.LastUpdatedAt).UTC().Format(time.RFC3339))
	case s.SessionID == "" || s.Status == "":
		return errors.New("session id and status are required")
	case s.CurrentGroupIndex < 0 || s.CurrentGroupIndex > s.TotalGroups:
		return fmt.Errorf("group index %d outside [0,%d]", s.CurrentGroupIndex, s.TotalGroups)
	case s.ProcessedPages > s.TotalPages:
		return fmt.Errorf("processed pages %d exceed total %d", s.ProcessedPages, s.TotalPages)
	}
	return nil
}

// StartedTime returns StartedAt as a time.
func (s *State) StartedTime() time.Time {
	return time.UnixMilli(s.StartedAt).UTC()
}

// Touch stamps the state as updated at now.
func (s *State) Touch(now time.Time) {
	s.LastUpdatedAt = now.UnixMilli()
}

// IsMiniBatchCompleted reports whether the ledger records (group, mini).
func (s *State) IsMiniBatchCompleted(group, mini int) bool {
	_, found := slices.BinarySearch(s.CompletedMiniBatches[group], mini)
	return found
}

// MarkMiniBatchCompleted adds (group, mini) to the ledger, keeping each
// group's list sorted and unique.
func (s *State) MarkMiniBatchCompleted(group, mini int) {
	if s.CompletedMiniBatches == nil {
		s.CompletedMiniBatches = make(map[int][]int)
	}
	done := s.CompletedMiniBatches[group]
	i, found := slices.BinarySearch(done, mini)
	if found {
		return
	}
	s.CompletedMiniBatches[group] = slices.Insert(done, i, mini)
}

// CompletedCount returns the number of finished mini-batches in group.
func (s *State) CompletedCount(group int) int {
	return len(s.CompletedMiniBatches[group])
}

// RecordError counts a run-level failure. The status becomes error, or
// cancelled once MaxConsecutiveErrors is reached; the return value reports
// the cancellation.
func (s *State) RecordError(msg string, now time.Time) bool {
	s.ErrorCount++
	s.LastError = watcher.TruncateError(msg)
	s.Touch(now)
	if s.ErrorCount >= MaxConsecutiveErrors {
		s.Status = StatusCancelled
		return true
	}
	s.Status = StatusError
	return false
}

// ResetErrors clears the consecutive error count after a successful checkpoint.
func (s *State) ResetErrors() {
	s.ErrorCount = 0
	s.LastError = ""
}
