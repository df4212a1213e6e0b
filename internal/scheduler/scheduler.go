// Package scheduler registers the delayed continuations that resume a run
// after its time budget ran out.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Next once the scheduler has shut down.
var ErrClosed = errors.New("scheduler closed")

// Continuation is a pending or fired resumption.
type Continuation struct {
	Handle string    `json:"handle"`
	DueAt  time.Time `json:"dueAt"`
}

// Scheduler manages the continuations of the single orchestrator callback.
type Scheduler interface {
	// Schedule removes every pending continuation, then registers one due
	// after delay and returns its handle.
	Schedule(ctx context.Context, delay time.Duration) (string, error)
	// CancelAll removes every pending continuation. It is idempotent.
	CancelAll(ctx context.Context) error
	// CleanupDuplicates keeps the earliest pending continuation and removes
	// the rest, returning how many were removed.
	CleanupDuplicates(ctx context.Context) (int, error)
	// Pending lists pending continuations ordered by due time.
	Pending(ctx context.Context) ([]Continuation, error)
}

// Source yields continuations as they become due.
type Source interface {
	Next(ctx context.Context) (Continuation, error)
}
