// Package orchestrator drives a monitoring run across time-boxed invocations.
// Each invocation holds the run lock, resumes from the persisted state,
// dispatches mini-batches until its budget runs out and leaves a continuation
// behind to pick up the rest.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/parser"
	"github.com/JakeFAU/pdf-watcher/internal/progress"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const tracerName = "github.com/JakeFAU/pdf-watcher/internal/orchestrator"

// ErrLockBusy is returned when a new run cannot acquire the run lock.
var ErrLockBusy = errors.New("another run holds the lock")

// Mode selects how an invocation was triggered.
type Mode string

// Invocation modes.
const (
	ModeStart    Mode = "start"
	ModeContinue Mode = "continue"
)

// Outcome describes how an invocation ended.
type Outcome string

// Invocation outcomes.
const (
	OutcomeCompleted   Outcome = "completed"
	OutcomePaused      Outcome = "paused"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeBusy        Outcome = "busy"
	OutcomeIdle        Outcome = "idle"
	OutcomeStopped     Outcome = "stopped"
	OutcomeFailed      Outcome = "failed"
)

// Result reports the end of an invocation.
type Result struct {
	Outcome      Outcome      `json:"outcome"`
	RunID        string       `json:"runId,omitempty"`
	Group        int          `json:"group"`
	TotalGroups  int          `json:"totalGroups"`
	Totals       state.Totals `json:"totals"`
	Continuation string       `json:"continuation,omitempty"`
}

// States persists the processing state. *state.Manager satisfies it.
type States interface {
	// Load returns state.ErrNotFound when no valid state exists.
	Load(ctx context.Context) (*state.State, error)
	// Peek returns the stored state without validating it.
	Peek(ctx context.Context) (*state.State, error)
	Create(ctx context.Context, p state.NewParams) (*state.State, error)
	Save(ctx context.Context, st *state.State) error
	RecordError(ctx context.Context, st *state.State, cause error) (bool, error)
	Clear(ctx context.Context) error
}

// Locker guards a whole invocation. *lock.Guard satisfies it.
type Locker interface {
	Acquire(ctx context.Context, wait time.Duration) error
	// Refresh renews a leased lock between mini-batches.
	Refresh(ctx context.Context) error
	Release(ctx context.Context)
}

// History retains the changes of a finished run. *changes.History satisfies it.
type History interface {
	Transfer(ctx context.Context, runID string) (int, error)
	DeleteExpired(ctx context.Context) (int, error)
}

// Reporter delivers user-visible notices.
type Reporter interface {
	RunCompleted(ctx context.Context, report watcher.RunReport) error
	RunCancelled(ctx context.Context, report watcher.RunReport) error
	LockBusy(ctx context.Context, user string) error
}

// Deps are the collaborators of an Orchestrator. Reporter, Progress, Tracer
// and Logger are optional.
type Deps struct {
	Source    watcher.SourceRepository
	Changes   watcher.ChangesRepository
	History   History
	States    States
	Scheduler scheduler.Scheduler
	Runner    watcher.BatchRunner
	Lock      Locker
	Hasher    watcher.Hasher
	Clock     watcher.Clock
	// IDs names sweep runs. Resumable runs take their id from the state.
	IDs      watcher.IDGenerator
	Reporter Reporter
	Progress progress.Emitter
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Orchestrator runs the group and mini-batch loop.
type Orchestrator struct {
	cfg       Config
	source    watcher.SourceRepository
	changes   watcher.ChangesRepository
	history   History
	states    States
	scheduler scheduler.Scheduler
	runner    watcher.BatchRunner
	lock      Locker
	hasher    watcher.Hasher
	clock     watcher.Clock
	ids       watcher.IDGenerator
	reporter  Reporter
	progress  progress.Emitter
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New validates cfg and deps and constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	switch {
	case deps.Source == nil || deps.Changes == nil || deps.History == nil:
		return nil, errors.New("orchestrator: source, changes and history repositories are required")
	case deps.States == nil || deps.Scheduler == nil || deps.Lock == nil:
		return nil, errors.New("orchestrator: state store, scheduler and lock are required")
	case deps.Runner == nil || deps.Hasher == nil || deps.Clock == nil:
		return nil, errors.New("orchestrator: runner, hasher and clock are required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		source:    deps.Source,
		changes:   deps.Changes,
		history:   deps.History,
		states:    deps.States,
		scheduler: deps.Scheduler,
		runner:    deps.Runner,
		lock:      deps.Lock,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		reporter:  deps.Reporter,
		progress:  deps.Progress,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
	}
	if o.reporter == nil {
		o.reporter = nopReporter{}
	}
	if o.progress == nil {
		o.progress = progress.Discard
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// invocation holds the per-call locals threaded through Run.
type invocation struct {
	mode    Mode
	user    string
	started time.Time
	groups  []Group
	retry   bool
	logger  *zap.Logger
}

// Run executes one invocation. user is recorded on new runs.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, user string) (Result, error) {
	inv := &invocation{mode: mode, user: user, started: o.clock.Now(), logger: o.logger.With(zap.String("mode", string(mode)))}

	wait := o.cfg.NewRunLockWait
	if mode == ModeContinue {
		wait = o.cfg.ContinueLockWait
	}
	if err := o.lock.Acquire(ctx, wait); err != nil {
		return o.lockBusy(ctx, inv, err)
	}
	defer o.lock.Release(context.WithoutCancel(ctx))

	st, err := o.states.Load(ctx)
	switch {
	case errors.Is(err, state.ErrNotFound):
		st = nil
	case err != nil:
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("load state: %w", err)
	}

	if st != nil && st.Status.Terminal() {
		inv.logger.Info("clearing finished run state",
			zap.String("run_id", st.RunID),
			zap.String("status", string(st.Status)),
		)
		o.cleanup(ctx, inv)
		return Result{Outcome: OutcomeStopped, RunID: st.RunID, Totals: st.Totals}, nil
	}

	pages, digest, err := o.loadPages(ctx)
	if err != nil {
		if st != nil {
			return o.fail(ctx, inv, st, err)
		}
		return Result{Outcome: OutcomeFailed}, err
	}

	restart := false
	if st != nil && (st.SourceDigest != digest || st.TotalPages != len(pages)) {
		inv.logger.Warn("source changed under an unfinished run, starting over",
			zap.String("run_id", st.RunID),
			zap.Int("stored_pages", st.TotalPages),
			zap.Int("pages", len(pages)),
		)
		if err := o.states.Clear(ctx); err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		st = nil
		restart = true
	}

	inv.groups = Partition(pages, o.cfg.GroupSize)
	if st == nil {
		if (mode == ModeContinue && !restart) || len(pages) == 0 {
			inv.logger.Info("nothing to process", zap.Int("pages", len(pages)))
			o.cancelContinuations(ctx, inv)
			return Result{Outcome: OutcomeIdle}, nil
		}
		st, err = o.startNew(ctx, inv, userOrSystem(user), len(pages), digest)
		if err != nil {
			if st != nil {
				return o.fail(ctx, inv, st, err)
			}
			return Result{Outcome: OutcomeFailed}, err
		}
	} else if err := o.resume(ctx, inv, st); err != nil {
		return o.fail(ctx, inv, st, err)
	}
	return o.loop(ctx, inv, st)
}

func (o *Orchestrator) lockBusy(ctx context.Context, inv *invocation, cause error) (Result, error) {
	inv.logger.Info("run lock busy", zap.Error(cause))
	if err := o.reporter.LockBusy(ctx, inv.user); err != nil {
		inv.logger.Warn("report lock busy failed", zap.Error(err))
	}
	if inv.mode != ModeContinue {
		return Result{Outcome: OutcomeBusy}, fmt.Errorf("%w: %w", ErrLockBusy, cause)
	}
	handle, err := o.scheduler.Schedule(ctx, o.cfg.BusyRetryDelay)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("reschedule busy continuation: %w", err)
	}
	return Result{Outcome: OutcomeBusy, Continuation: handle}, nil
}

func (o *Orchestrator) loadPages(ctx context.Context) ([]watcher.Page, string, error) {
	rows, err := o.source.ReadRows(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("read source rows: %w", err)
	}
	pages := parser.Parse(rows)
	data, err := json.Marshal(pages)
	if err != nil {
		return nil, "", fmt.Errorf("encode pages: %w", err)
	}
	digest, err := o.hasher.Hash(data)
	if err != nil {
		return nil, "", fmt.Errorf("hash pages: %w", err)
	}
	return pages, digest, nil
}

func (o *Orchestrator) startNew(
	ctx context.Context,
	inv *invocation,
	user string,
	pages int,
	digest string,
) (*state.State, error) {
	st, err := o.states.Create(ctx, state.NewParams{
		User:         user,
		TotalPages:   pages,
		TotalGroups:  len(inv.groups),
		SourceDigest: digest,
	})
	if err != nil {
		return nil, fmt.Errorf("create state: %w", err)
	}
	if err := o.changes.ClearChanges(ctx); err != nil {
		return st, fmt.Errorf("clear changes: %w", err)
	}
	if err := o.reschedule(ctx, st); err != nil {
		return st, err
	}
	inv.logger.Info("run started",
		zap.String("run_id", st.RunID),
		zap.String("user", user),
		zap.Int("pages", pages),
		zap.Int("groups", len(inv.groups)),
	)
	o.emit(inv, st, progress.Event{Stage: progress.StageRunStart, Pages: pages})
	return st, nil
}

func (o *Orchestrator) resume(ctx context.Context, inv *invocation, st *state.State) error {
	switch st.Status {
	case state.StatusPaused:
		st.CurrentGroupIndex++
	case state.StatusProcessing, state.StatusError:
		inv.retry = true
	}
	st.Status = state.StatusProcessing
	if err := o.reschedule(ctx, st); err != nil {
		return err
	}
	inv.logger.Info("run resumed",
		zap.String("run_id", st.RunID),
		zap.Int("group", st.CurrentGroupIndex),
		zap.Bool("retry", inv.retry),
	)
	o.emit(inv, st, progress.Event{Stage: progress.StageRunResume, Group: st.CurrentGroupIndex})
	return nil
}

// reschedule replaces any pending continuation and checkpoints its handle.
func (o *Orchestrator) reschedule(ctx context.Context, st *state.State) error {
	handle, err := o.scheduler.Schedule(ctx, o.cfg.ContinuationDelay)
	if err != nil {
		return fmt.Errorf("schedule continuation: %w", err)
	}
	st.ContinuationHandle = handle
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// flushChanges appends the checkpointed changes and clears them from the
// state. The archive has already moved past them, so they cannot be
// recomputed by re-running the mini-batch.
func (o *Orchestrator) flushChanges(ctx context.Context, st *state.State) error {
	if len(st.PendingChanges) == 0 {
		return nil
	}
	if err := o.changes.AppendChanges(ctx, st.PendingChanges); err != nil {
		return fmt.Errorf("append changes: %w", err)
	}
	st.PendingChanges = nil
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, inv *invocation, st *state.State) (Result, error) {
	if err := o.flushChanges(ctx, st); err != nil {
		return o.fail(ctx, inv, st, err)
	}
	for st.CurrentGroupIndex < len(inv.groups) {
		g := inv.groups[st.CurrentGroupIndex]
		interrupted, err := o.processGroup(ctx, inv, st, g)
		if err != nil {
			return o.fail(ctx, inv, st, err)
		}
		if interrupted {
			inv.logger.Warn("invocation interrupted",
				zap.String("run_id", st.RunID),
				zap.Int("group", g.Index),
				zap.Duration("elapsed", o.elapsed(inv)),
			)
			o.emit(inv, st, progress.Event{Stage: progress.StageRunInterrupted, Group: g.Index, Dur: o.elapsed(inv)})
			return o.result(OutcomeInterrupted, st), nil
		}
		inv.retry = false
		if g.Index == len(inv.groups)-1 {
			break
		}
		if o.cfg.Budget()-o.elapsed(inv) < o.cfg.MinGroupTime {
			st.Status = state.StatusPaused
			if err := o.states.Save(ctx, st); err != nil {
				return o.fail(ctx, inv, st, fmt.Errorf("save paused state: %w", err))
			}
			inv.logger.Info("run paused",
				zap.String("run_id", st.RunID),
				zap.Int("group", g.Index),
				zap.Int("total_groups", len(inv.groups)),
				zap.String("continuation", st.ContinuationHandle),
			)
			o.emit(inv, st, progress.Event{Stage: progress.StageRunPaused, Group: g.Index, Dur: o.elapsed(inv)})
			return o.result(OutcomePaused, st), nil
		}
		st.CurrentGroupIndex++
		st.Status = state.StatusProcessing
		if err := o.states.Save(ctx, st); err != nil {
			return o.fail(ctx, inv, st, fmt.Errorf("save state: %w", err))
		}
	}
	return o.finalize(ctx, inv, st)
}

// processGroup dispatches every mini-batch of g missing from the ledger. It
// reports true when the budget or ctx ran out before the group finished.
func (o *Orchestrator) processGroup(ctx context.Context, inv *invocation, st *state.State, g Group) (bool, error) {
	for mini, pages := range MiniBatches(g, o.cfg.MiniBatchSize) {
		if st.IsMiniBatchCompleted(g.Index, mini) {
			continue
		}
		if ctx.Err() != nil || o.elapsed(inv) >= o.cfg.Budget() {
			return true, nil
		}
		if err := o.dispatch(ctx, inv, st, g.Index, mini, pages); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, err
		}
	}
	return false, nil
}

func (o *Orchestrator) dispatch(
	ctx context.Context,
	inv *invocation,
	st *state.State,
	group, mini int,
	pages []watcher.Page,
) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.miniBatch", trace.WithAttributes(
		attribute.String("run.id", st.RunID),
		attribute.Int("group.index", group),
		attribute.Int("mini_batch.index", mini),
		attribute.Int("mini_batch.pages", len(pages)),
		attribute.Bool("retry", inv.retry),
	))
	defer span.End()

	begin := o.clock.Now()
	res, err := o.runner.RunBatch(ctx, watcher.BatchRequest{
		Pages:          pages,
		User:           st.User,
		ArchiveStoreID: o.cfg.ArchiveStoreID,
		RunID:          st.RunID,
		IsRetry:        inv.retry,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run batch")
		o.emit(inv, st, progress.Event{
			Stage:     progress.StageBatchError,
			Group:     group,
			MiniBatch: mini,
			Pages:     len(pages),
			Dur:       o.clock.Now().Sub(begin),
			Note:      err.Error(),
		})
		return fmt.Errorf("run batch group %d mini-batch %d: %w", group, mini, err)
	}

	st.PendingChanges = append(st.PendingChanges, changesFrom(pages, res.DiffResults)...)
	st.Totals = st.Totals.Add(res)
	st.ProcessedPages = min(st.ProcessedPages+len(pages), st.TotalPages)
	st.MarkMiniBatchCompleted(group, mini)
	st.ResetErrors()
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("checkpoint mini-batch: %w", err)
	}
	if err := o.flushChanges(ctx, st); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.lock.Refresh(ctx); err != nil {
		o.logger.Warn("run lock refresh failed", zap.String("run_id", st.RunID), zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("pages.updated", res.UpdatedPages),
		attribute.Int("pdfs.added", res.AddedPDFs),
	)
	o.logger.Debug("mini-batch done",
		zap.String("run_id", st.RunID),
		zap.Int("group", group),
		zap.Int("mini_batch", mini),
		zap.Int("updated", res.UpdatedPages),
		zap.Int("added_pdfs", res.AddedPDFs),
		zap.Int("page_errors", len(res.Errors)),
	)
	o.emit(inv, st, progress.Event{
		Stage:     progress.StageBatchDone,
		Group:     group,
		MiniBatch: mini,
		Pages:     len(pages),
		Updated:   res.UpdatedPages,
		AddedPDFs: res.AddedPDFs,
		Dur:       o.clock.Now().Sub(begin),
	})
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, inv *invocation, st *state.State) (Result, error) {
	st.Status = state.StatusCompleted
	if err := o.states.Save(ctx, st); err != nil {
		return o.fail(ctx, inv, st, fmt.Errorf("save completed state: %w", err))
	}
	log := inv.logger.With(zap.String("run_id", st.RunID))

	changes, err := o.changes.ListChanges(ctx)
	if err != nil {
		log.Warn("list changes for report failed", zap.Error(err))
	}
	if n, err := o.history.Transfer(ctx, st.RunID); err != nil {
		log.Warn("transfer changes history failed", zap.Error(err))
	} else {
		log.Debug("changes history transferred", zap.Int("rows", n))
	}
	if n, err := o.history.DeleteExpired(ctx); err != nil {
		log.Warn("prune changes history failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("changes history pruned", zap.Int("rows", n))
	}
	if err := o.source.ClearRows(ctx); err != nil {
		log.Warn("clear source rows failed", zap.Error(err))
	}
	o.cleanup(ctx, inv)

	report := o.report(st, watcher.RunCompleted, changes)
	if err := o.reporter.RunCompleted(ctx, report); err != nil {
		log.Warn("report completion failed", zap.Error(err))
	}
	log.Info("run completed",
		zap.Int("processed_pages", st.Totals.ProcessedPages),
		zap.Int("updated_pages", st.Totals.UpdatedPages),
		zap.Int("added_pdfs", st.Totals.AddedPDFs),
	)
	o.emit(inv, st, progress.Event{
		Stage:     progress.StageRunDone,
		Group:     st.CurrentGroupIndex,
		Pages:     st.Totals.ProcessedPages,
		Updated:   st.Totals.UpdatedPages,
		AddedPDFs: st.Totals.AddedPDFs,
		Dur:       o.elapsed(inv),
	})
	return o.result(OutcomeCompleted, st), nil
}

// fail records a run-level error. The third consecutive failure cancels the
// run and its continuations.
func (o *Orchestrator) fail(ctx context.Context, inv *invocation, st *state.State, cause error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	cancelled, err := o.states.RecordError(ctx, st, cause)
	if err != nil {
		inv.logger.Warn("record run error failed", zap.Error(err))
	}
	if !cancelled {
		inv.logger.Error("invocation failed",
			zap.String("run_id", st.RunID),
			zap.Int("error_count", st.ErrorCount),
			zap.Error(cause),
		)
		return o.result(OutcomeFailed, st), fmt.Errorf("run %s: %w", st.RunID, cause)
	}
	inv.logger.Error("run cancelled after repeated errors",
		zap.String("run_id", st.RunID),
		zap.Int("error_count", st.ErrorCount),
		zap.Error(cause),
	)
	o.cancelContinuations(ctx, inv)
	if err := o.reporter.RunCancelled(ctx, o.report(st, watcher.RunCancelled, nil)); err != nil {
		inv.logger.Warn("report cancellation failed", zap.Error(err))
	}
	o.emit(inv, st, progress.Event{
		Stage: progress.StageRunCancelled,
		Group: st.CurrentGroupIndex,
		Dur:   o.elapsed(inv),
		Note:  st.LastError,
	})
	return o.result(OutcomeCancelled, st), nil
}

func (o *Orchestrator) cleanup(ctx context.Context, inv *invocation) {
	o.cancelContinuations(ctx, inv)
	if err := o.states.Clear(ctx); err != nil {
		inv.logger.Warn("clear state failed", zap.Error(err))
	}
}

func (o *Orchestrator) cancelContinuations(ctx context.Context, inv *invocation) {
	if err := o.scheduler.CancelAll(ctx); err != nil {
		inv.logger.Warn("cancel continuations failed", zap.Error(err))
	}
}

func (o *Orchestrator) elapsed(inv *invocation) time.Duration {
	return o.clock.Now().Sub(inv.started)
}

func (o *Orchestrator) emit(inv *invocation, st *state.State, evt progress.Event) {
	evt.RunID = st.RunID
	evt.TS = o.clock.Now().UTC()
	o.progress.Emit(evt)
}

func (o *Orchestrator) result(outcome Outcome, st *state.State) Result {
	return Result{
		Outcome:      outcome,
		RunID:        st.RunID,
		Group:        st.CurrentGroupIndex,
		TotalGroups:  st.TotalGroups,
		Totals:       st.Totals,
		Continuation: st.ContinuationHandle,
	}
}

func (o *Orchestrator) report(st *state.State, outcome watcher.RunOutcome, changes []watcher.Change) watcher.RunReport {
	return watcher.RunReport{
		RunID:          st.RunID,
		SessionID:      st.SessionID,
		User:           st.User,
		Outcome:        outcome,
		StartedAt:      st.StartedTime(),
		FinishedAt:     o.clock.Now().UTC(),
		TotalPages:     st.TotalPages,
		ProcessedPages: st.Totals.ProcessedPages,
		UpdatedPages:   st.Totals.UpdatedPages,
		AddedPDFs:      st.Totals.AddedPDFs,
		PageErrors:     st.Totals.PageErrors,
		BatchSeconds:   st.Totals.DurationSeconds,
		Changes:        changes,
		LastError:      st.LastError,
	}
}

// changesFrom lists the PDFs newly added to pages, labelled from the page.
func changesFrom(pages []watcher.Page, diffs []watcher.DiffResult) []watcher.Change {
	byURL := make(map[string]watcher.Page, len(pages))
	for _, p := range pages {
		if _, ok := byURL[p.URL]; !ok {
			byURL[p.URL] = p
		}
	}
	var out []watcher.Change
	for _, d := range diffs {
		page := byURL[d.PageURL]
		for _, pdfURL := range d.AddedURLs {
			out = append(out, watcher.Change{
				PageURL: d.PageURL,
				Label:   page.Label(pdfURL),
				PDFURL:  pdfURL,
			})
		}
	}
	return out
}

type nopReporter struct{}

func (nopReporter) RunCompleted(context.Context, watcher.RunReport) error { return nil }
func (nopReporter) RunCancelled(context.Context, watcher.RunReport) error { return nil }
func (nopReporter) LockBusy(context.Context, string) error                { return nil }
