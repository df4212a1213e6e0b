package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/progress"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Snapshot is the observable state of the current run.
type Snapshot struct {
	State   *state.State             `json:"state,omitempty"`
	Pending []scheduler.Continuation `json:"pending"`
}

// Status returns the stored state, if any, and the pending continuations. It
// takes no lock and never modifies the state.
func (o *Orchestrator) Status(ctx context.Context) (Snapshot, error) {
	st, err := o.states.Peek(ctx)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("peek state: %w", err)
	}
	pending, err := o.scheduler.Pending(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list continuations: %w", err)
	}
	if pending == nil {
		pending = []scheduler.Continuation{}
	}
	return Snapshot{State: st, Pending: pending}, nil
}

// Cancel marks the current run cancelled and removes its continuations. The
// next invocation clears the cancelled state. It waits for the run lock like
// a continuation does and fails with ErrLockBusy when an invocation keeps it.
func (o *Orchestrator) Cancel(ctx context.Context, user string) (Result, error) {
	inv := &invocation{mode: ModeStart, user: user, started: o.clock.Now(), logger: o.logger.With(zap.String("mode", "cancel"))}
	if err := o.lock.Acquire(ctx, o.cfg.ContinueLockWait); err != nil {
		return Result{Outcome: OutcomeBusy}, fmt.Errorf("%w: %w", ErrLockBusy, err)
	}
	defer o.lock.Release(context.WithoutCancel(ctx))

	st, err := o.states.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		o.cancelContinuations(ctx, inv)
		return Result{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("load state: %w", err)
	}
	if st.Status.Terminal() {
		o.cancelContinuations(ctx, inv)
		return o.result(OutcomeStopped, st), nil
	}

	st.Status = state.StatusCancelled
	st.LastError = watcher.TruncateError("cancelled by " + userOrSystem(user))
	if err := o.states.Save(ctx, st); err != nil {
		return o.result(OutcomeFailed, st), fmt.Errorf("save cancelled state: %w", err)
	}
	o.cancelContinuations(ctx, inv)
	inv.logger.Info("run cancelled", zap.String("run_id", st.RunID), zap.String("user", user))
	if err := o.reporter.RunCancelled(ctx, o.report(st, watcher.RunCancelled, nil)); err != nil {
		inv.logger.Warn("report cancellation failed", zap.Error(err))
	}
	o.emit(inv, st, progress.Event{Stage: progress.StageRunCancelled, Group: st.CurrentGroupIndex, Note: st.LastError})
	return o.result(OutcomeCancelled, st), nil
}

// CleanupContinuations removes duplicate pending continuations.
func (o *Orchestrator) CleanupContinuations(ctx context.Context) (int, error) {
	n, err := o.scheduler.CleanupDuplicates(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup continuations: %w", err)
	}
	if n > 0 {
		o.logger.Info("removed duplicate continuations", zap.Int("removed", n))
	}
	return n, nil
}

func userOrSystem(user string) string {
	if user == "" {
		return "system"
	}
	return user
}
