// Package progress defines the events emitted while a run advances through
// its groups and mini-batches.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunResume      Stage = "RUN_RESUME"
	StageBatchDone      Stage = "BATCH_DONE"
	StageBatchError     Stage = "BATCH_ERROR"
	StageRunPaused      Stage = "RUN_PAUSED"
	StageRunInterrupted Stage = "RUN_INTERRUPTED"
	StageRunDone        Stage = "RUN_DONE"
	StageRunCancelled   Stage = "RUN_CANCELLED"
)

// Event captures a single step of run progress.
type Event struct {
	// RunID identifies the run across invocations.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Group and MiniBatch locate batch events; both are zero-based.
	Group     int
	MiniBatch int
	// Pages, Updated and AddedPDFs carry batch counters.
	Pages     int
	Updated   int
	AddedPDFs int
	// Dur is the batch latency, or the invocation wall time for run stages.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunResume, StageRunPaused, StageRunInterrupted, StageRunDone, StageRunCancelled:
	case StageBatchDone, StageBatchError:
		if e.Group < 0 || e.MiniBatch < 0 {
			return errors.New("batch events require a group and mini-batch")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends an invocation.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunPaused, StageRunInterrupted, StageRunDone, StageRunCancelled:
		return true
	}
	return false
}
