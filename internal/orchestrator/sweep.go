package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/batch"
	"github.com/JakeFAU/pdf-watcher/internal/progress"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// ErrRunActive is returned by Sweep while a resumable run is unfinished.
var ErrRunActive = errors.New("a resumable run is in progress")

// SweepOptions bound the fan-out of a sweep.
type SweepOptions struct {
	BatchSize int
	Limit     int
}

// Sweep processes every source page in one invocation with bounded parallel
// batches. It leaves no state and schedules no continuation, so an
// interrupted sweep is simply rerun.
func (o *Orchestrator) Sweep(ctx context.Context, user string, opts SweepOptions) (Result, error) {
	if o.ids == nil {
		return Result{Outcome: OutcomeFailed}, errors.New("sweep: id generator is required")
	}
	user = userOrSystem(user)
	inv := &invocation{mode: ModeStart, user: user, started: o.clock.Now(), logger: o.logger.With(zap.String("mode", "sweep"))}

	if err := o.lock.Acquire(ctx, o.cfg.NewRunLockWait); err != nil {
		return o.lockBusy(ctx, inv, err)
	}
	defer o.lock.Release(context.WithoutCancel(ctx))

	st, err := o.states.Peek(ctx)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("peek state: %w", err)
	case !st.Status.Terminal():
		return Result{Outcome: OutcomeBusy, RunID: st.RunID}, fmt.Errorf("%w: %s", ErrRunActive, st.RunID)
	}

	pages, _, err := o.loadPages(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if len(pages) == 0 {
		inv.logger.Info("nothing to process")
		return Result{Outcome: OutcomeIdle}, nil
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("generate run id: %w", err)
	}
	run := &state.State{
		RunID:       runID,
		User:        user,
		StartedAt:   inv.started.UnixMilli(),
		TotalPages:  len(pages),
		TotalGroups: 1,
	}
	log := inv.logger.With(zap.String("run_id", runID))
	if err := o.changes.ClearChanges(ctx); err != nil {
		return o.result(OutcomeFailed, run), fmt.Errorf("clear changes: %w", err)
	}
	log.Info("sweep started", zap.Int("pages", len(pages)), zap.Int("limit", opts.Limit))
	o.emit(inv, run, progress.Event{Stage: progress.StageRunStart, Pages: len(pages)})

	res, err := batch.RunParallel(ctx, o.runner, watcher.BatchRequest{
		Pages:          pages,
		User:           user,
		ArchiveStoreID: o.cfg.ArchiveStoreID,
		RunID:          runID,
	}, opts.BatchSize, opts.Limit)
	if err != nil {
		o.emit(inv, run, progress.Event{Stage: progress.StageRunCancelled, Dur: o.elapsed(inv), Note: err.Error()})
		return o.result(OutcomeFailed, run), fmt.Errorf("sweep %s: %w", runID, err)
	}
	run.Totals = run.Totals.Add(res)
	run.ProcessedPages = len(pages)

	added := changesFrom(pages, res.DiffResults)
	if len(added) > 0 {
		if err := o.changes.AppendChanges(ctx, added); err != nil {
			return o.result(OutcomeFailed, run), fmt.Errorf("append changes: %w", err)
		}
	}
	if _, err := o.history.Transfer(ctx, runID); err != nil {
		log.Warn("transfer changes history failed", zap.Error(err))
	}
	if _, err := o.history.DeleteExpired(ctx); err != nil {
		log.Warn("prune changes history failed", zap.Error(err))
	}
	if err := o.source.ClearRows(ctx); err != nil {
		log.Warn("clear source rows failed", zap.Error(err))
	}
	if err := o.reporter.RunCompleted(ctx, o.report(run, watcher.RunCompleted, added)); err != nil {
		log.Warn("report completion failed", zap.Error(err))
	}
	log.Info("sweep completed",
		zap.Int("processed_pages", run.Totals.ProcessedPages),
		zap.Int("updated_pages", run.Totals.UpdatedPages),
		zap.Int("added_pdfs", run.Totals.AddedPDFs),
	)
	o.emit(inv, run, progress.Event{
		Stage:     progress.StageRunDone,
		Pages:     run.Totals.ProcessedPages,
		Updated:   run.Totals.UpdatedPages,
		AddedPDFs: run.Totals.AddedPDFs,
		Dur:       o.elapsed(inv),
	})
	return o.result(OutcomeCompleted, run), nil
}
