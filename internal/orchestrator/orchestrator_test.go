package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/changes"
	"github.com/JakeFAU/pdf-watcher/internal/hash/sha256"
	"github.com/JakeFAU/pdf-watcher/internal/lock"
	"github.com/JakeFAU/pdf-watcher/internal/progress"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	statememory "github.com/JakeFAU/pdf-watcher/internal/state/memory"
	storagememory "github.com/JakeFAU/pdf-watcher/internal/storage/memory"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

func TestRunCompletesInOneInvocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 65, 0)
	res, err := h.orch.Run(context.Background(), ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 65, res.Totals.ProcessedPages)
	require.Equal(t, 65, res.Totals.AddedPDFs)
	require.Len(t, h.runner.Calls(), 13)
	require.Equal(t, 13, h.lock.refreshes)

	rows, err := h.repo.ReadRows(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)

	listed, err := h.repo.ListChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 65)
	require.Equal(t, "Report", listed[0].Label)
	require.Len(t, h.repo.ChangesHistory(), 65)
	require.Equal(t, res.RunID, h.repo.ChangesHistory()[0].RunID)

	_, err = h.states.Peek(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)
	require.Empty(t, h.sched.pendingHandles())

	completed := h.reporter.Completed()
	require.Len(t, completed, 1)
	require.Equal(t, "alice", completed[0].User)
	require.Equal(t, 65, completed[0].ProcessedPages)
	require.Len(t, completed[0].Changes, 65)

	stages := h.events.Stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
}

func TestRunPausesAndResumesAcrossInvocations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 65, 2*time.Minute)

	res, err := h.orch.Run(ctx, ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, res.Outcome)
	require.Len(t, h.runner.Calls(), 3)

	st, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusProcessing, st.Status)
	require.Equal(t, 3, st.TotalGroups)
	require.Equal(t, []int{0, 1, 2}, st.CompletedMiniBatches[0])
	require.Equal(t, 15, st.ProcessedPages)

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, res.Outcome)
	require.Equal(t, 0, res.Group)
	resumed := h.runner.Calls()[3:]
	require.Len(t, resumed, 3)
	for i, call := range resumed {
		require.True(t, call.IsRetry)
		require.Equal(t, pageURL(15+5*i), call.Pages[0].URL)
		require.Equal(t, "alice", call.User)
	}

	for _, want := range []Outcome{OutcomeInterrupted, OutcomePaused, OutcomeCompleted} {
		res, err = h.orch.Run(ctx, ModeContinue, "")
		require.NoError(t, err)
		require.Equal(t, want, res.Outcome)
	}

	seen := make(map[string]int)
	for _, call := range h.runner.Calls() {
		require.Equal(t, res.RunID, call.RunID)
		for _, p := range call.Pages {
			seen[p.URL]++
		}
	}
	require.Len(t, h.runner.Calls(), 13)
	require.Len(t, seen, 65)
	for url, n := range seen {
		require.Equal(t, 1, n, url)
	}
	require.Equal(t, 65, res.Totals.ProcessedPages)
	require.Len(t, h.reporter.Completed(), 1)

	for _, delay := range h.sched.Delays() {
		require.Equal(t, DefaultContinuationDelay, delay)
	}
}

func TestRunResumedGroupSkipsCompletedMiniBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 30, 0)
	h.runner.SetFailures(1)

	res, err := h.orch.Run(ctx, ModeStart, "alice")
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)

	st, err := h.states.Load(ctx)
	require.NoError(t, err)
	st.MarkMiniBatchCompleted(0, 0)
	st.MarkMiniBatchCompleted(0, 2)
	require.NoError(t, h.states.Save(ctx, st))

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	var firsts []string
	for _, call := range h.runner.Calls()[1:] {
		firsts = append(firsts, call.Pages[0].URL)
	}
	require.Equal(t, []string{pageURL(5), pageURL(15), pageURL(20), pageURL(25)}, firsts)
}

func TestRunThreeConsecutiveErrorsCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 10, 0)
	h.runner.SetFailures(100)

	requireFailed := func(res Result, err error, count int) {
		t.Helper()
		require.Error(t, err)
		require.Equal(t, OutcomeFailed, res.Outcome)
		st, loadErr := h.states.Load(ctx)
		require.NoError(t, loadErr)
		require.Equal(t, state.StatusError, st.Status)
		require.Equal(t, count, st.ErrorCount)
		require.Contains(t, st.LastError, "sheet unavailable")
	}
	res, err := h.orch.Run(ctx, ModeStart, "alice")
	requireFailed(res, err, 1)
	res, err = h.orch.Run(ctx, ModeContinue, "")
	requireFailed(res, err, 2)
	require.Empty(t, h.reporter.Cancelled())

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Len(t, h.reporter.Cancelled(), 1)
	require.Empty(t, h.sched.pendingHandles())

	st, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCancelled, st.Status)

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, res.Outcome)
	_, err = h.states.Load(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestRunCheckpointResetsErrorCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 10, 0)
	h.runner.SetFailures(2)

	_, err := h.orch.Run(ctx, ModeStart, "alice")
	require.Error(t, err)
	_, err = h.orch.Run(ctx, ModeContinue, "")
	require.Error(t, err)

	res, err := h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Empty(t, h.reporter.Cancelled())
}

func TestRunKeepsChangesWhenAppendFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 10, 0)
	h.changes.SetFailures(1)

	res, err := h.orch.Run(ctx, ModeStart, "alice")
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)

	st, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.True(t, st.IsMiniBatchCompleted(0, 0))
	require.Len(t, st.PendingChanges, 5)
	require.Equal(t, pageURL(0)+"/report.pdf", st.PendingChanges[0].PDFURL)

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, h.runner.Calls(), 2)

	listed, err := h.repo.ListChanges(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 10)
	require.Len(t, h.repo.ChangesHistory(), 10)
}

func TestRunBusyContinuationReschedules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, 0)
	h.lock.busy = true

	res, err := h.orch.Run(context.Background(), ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeBusy, res.Outcome)
	require.NotEmpty(t, res.Continuation)
	require.Equal(t, []time.Duration{DefaultBusyRetryDelay}, h.sched.Delays())
	require.Equal(t, []time.Duration{DefaultContinueLockWait}, h.lock.waits)
	require.Empty(t, h.runner.Calls())
}

func TestRunBusyStartReturnsErrLockBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, 0)
	h.lock.busy = true

	res, err := h.orch.Run(context.Background(), ModeStart, "alice")
	require.ErrorIs(t, err, ErrLockBusy)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.Equal(t, OutcomeBusy, res.Outcome)
	require.Empty(t, h.sched.Delays())
	require.Equal(t, []time.Duration{DefaultNewRunLockWait}, h.lock.waits)
	require.Equal(t, 1, h.reporter.busy)
}

func TestRunIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, 0)
	res, err := h.orch.Run(context.Background(), ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
	require.Equal(t, 1, h.sched.cancelAll)

	empty := newHarness(t, 0, 0)
	res, err = empty.orch.Run(context.Background(), ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
	require.Empty(t, empty.runner.Calls())
	require.Equal(t, 0, h.lock.held)
}

func TestRunSourceChangeStartsOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 65, 2*time.Minute)

	first, err := h.orch.Run(ctx, ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, first.Outcome)

	h.repo.SetSourceRows(sourceRows(40))
	second, err := h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	calls := h.runner.Calls()
	require.Equal(t, pageURL(0), calls[3].Pages[0].URL)
	require.False(t, calls[3].IsRetry)

	st, err := h.states.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 40, st.TotalPages)
	require.Equal(t, 2, st.TotalGroups)
	require.Equal(t, "system", st.User)
}

func TestRunCancelledContextInterrupts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Run(ctx, ModeStart, "alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, res.Outcome)
	require.Empty(t, h.runner.Calls())

	st, err := h.states.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.StatusProcessing, st.Status)
	require.Empty(t, st.CompletedMiniBatches)
	require.Equal(t, 0, h.lock.held)
}

func TestCancelMarksRunCancelled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 65, 2*time.Minute)
	_, err := h.orch.Run(ctx, ModeStart, "alice")
	require.NoError(t, err)

	snap, err := h.orch.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.State)
	require.Len(t, snap.Pending, 1)

	res, err := h.orch.Cancel(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Len(t, h.reporter.Cancelled(), 1)

	snap, err = h.orch.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, state.StatusCancelled, snap.State.Status)
	require.Equal(t, "cancelled by bob", snap.State.LastError)
	require.Empty(t, snap.Pending)

	res, err = h.orch.Run(ctx, ModeContinue, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, res.Outcome)

	res, err = h.orch.Cancel(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, OutcomeIdle, res.Outcome)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.SafetyMargin = cfg.MaxExecutionTime
	_, err = New(cfg, Deps{})
	require.Error(t, err)
}

func TestChangesFromLabelsAddedLinks(t *testing.T) {
	t.Parallel()

	pages := []watcher.Page{{
		URL: "https://example.com/a",
		PDFs: []watcher.PDFEntry{
			{URL: "https://example.com/a/1.pdf", Label: "Annual"},
			{URL: "https://example.com/a/2.pdf"},
		},
	}}
	got := changesFrom(pages, []watcher.DiffResult{{
		PageURL:   "https://example.com/a",
		AddedURLs: []string{"https://example.com/a/1.pdf", "https://example.com/a/2.pdf"},
	}})
	require.Equal(t, []watcher.Change{
		{PageURL: "https://example.com/a", Label: "Annual", PDFURL: "https://example.com/a/1.pdf"},
		{PageURL: "https://example.com/a", PDFURL: "https://example.com/a/2.pdf"},
	}, got)
}

type harness struct {
	orch     *Orchestrator
	repo     *storagememory.Repository
	changes  *flakyChanges
	states   *state.Manager
	sched    *fakeScheduler
	runner   *fakeRunner
	lock     *fakeLock
	reporter *fakeReporter
	events   *recordingEmitter
}

func newHarness(t *testing.T, pages int, step time.Duration) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	ids := &fakeIDs{}
	repo := storagememory.NewRepository()
	repo.SetSourceRows(sourceRows(pages))
	h := &harness{
		repo:     repo,
		changes:  &flakyChanges{Repository: repo},
		states:   state.NewManager(statememory.New(), clock, ids, 0, zap.NewNop()),
		sched:    &fakeScheduler{ids: ids},
		runner:   &fakeRunner{clock: clock, step: step},
		lock:     &fakeLock{},
		reporter: &fakeReporter{},
		events:   &recordingEmitter{},
	}
	orch, err := New(DefaultConfig(), Deps{
		Source:    repo,
		Changes:   h.changes,
		History:   changes.NewHistory(repo, repo, clock, 0, zap.NewNop()),
		States:    h.states,
		Scheduler: h.sched,
		Runner:    h.runner,
		Lock:      h.lock,
		Hasher:    sha256.New(),
		Clock:     clock,
		IDs:       ids,
		Reporter:  h.reporter,
		Progress:  h.events,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func pageURL(i int) string {
	return fmt.Sprintf("https://example.com/page-%03d", i)
}

func sourceRows(n int) []watcher.SourceRow {
	rows := make([]watcher.SourceRow, 0, n)
	for i := range n {
		rows = append(rows, watcher.SourceRow{
			PageURL:  pageURL(i),
			PageHash: "hash",
			Label:    "Report",
			PDFURL:   pageURL(i) + "/report.pdf",
		})
	}
	return rows
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}

type fakeRunner struct {
	mu       sync.Mutex
	clock    *fakeClock
	step     time.Duration
	failures int
	calls    []watcher.BatchRequest
}

func (r *fakeRunner) SetFailures(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *fakeRunner) Calls() []watcher.BatchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watcher.BatchRequest(nil), r.calls...)
}

func (r *fakeRunner) RunBatch(_ context.Context, req watcher.BatchRequest) (watcher.BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	r.clock.Advance(r.step)
	if r.failures > 0 {
		r.failures--
		return watcher.BatchResult{}, errors.New("sheet unavailable")
	}
	res := watcher.BatchResult{RunID: req.RunID, ProcessedPages: len(req.Pages)}
	for _, p := range req.Pages {
		added := p.PDFURLs()
		res.UpdatedPages++
		res.AddedPDFs += len(added)
		res.DiffResults = append(res.DiffResults, watcher.DiffResult{
			PageURL:       p.URL,
			PDFSetChanged: true,
			AddedURLs:     added,
			AddedCount:    len(added),
		})
	}
	return res, nil
}

type flakyChanges struct {
	*storagememory.Repository
	mu       sync.Mutex
	failures int
}

func (c *flakyChanges) SetFailures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *flakyChanges) AppendChanges(ctx context.Context, rows []watcher.Change) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return errors.New("changes sheet unavailable")
	}
	c.mu.Unlock()
	return c.Repository.AppendChanges(ctx, rows)
}

type fakeScheduler struct {
	mu        sync.Mutex
	ids       *fakeIDs
	pending   map[string]time.Duration
	delays    []time.Duration
	cancelAll int
}

func (s *fakeScheduler) Schedule(_ context.Context, delay time.Duration) (string, error) {
	handle, _ := s.ids.NewID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = map[string]time.Duration{handle: delay}
	s.delays = append(s.delays, delay)
	return handle, nil
}

func (s *fakeScheduler) CancelAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.cancelAll++
	return nil
}

func (s *fakeScheduler) CleanupDuplicates(context.Context) (int, error) {
	return 0, nil
}

func (s *fakeScheduler) Pending(context.Context) ([]scheduler.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.Continuation
	for handle := range s.pending {
		out = append(out, scheduler.Continuation{Handle: handle})
	}
	return out, nil
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) pendingHandles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for handle := range s.pending {
		out = append(out, handle)
	}
	return out
}

type fakeLock struct {
	busy      bool
	held      int
	refreshes int
	waits     []time.Duration
}

func (l *fakeLock) Acquire(_ context.Context, wait time.Duration) error {
	l.waits = append(l.waits, wait)
	if l.busy {
		return fmt.Errorf("%w: timed out", lock.ErrNotAcquired)
	}
	l.held++
	return nil
}

func (l *fakeLock) Refresh(context.Context) error {
	l.refreshes++
	return nil
}

func (l *fakeLock) Release(context.Context) {
	l.held--
}

type fakeReporter struct {
	mu        sync.Mutex
	completed []watcher.RunReport
	cancelled []watcher.RunReport
	busy      int
}

func (r *fakeReporter) RunCompleted(_ context.Context, report watcher.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, report)
	return nil
}

func (r *fakeReporter) RunCancelled(_ context.Context, report watcher.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, report)
	return nil
}

func (r *fakeReporter) LockBusy(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy++
	return nil
}

func (r *fakeReporter) Completed() []watcher.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watcher.RunReport(nil), r.completed...)
}

func (r *fakeReporter) Cancelled() []watcher.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watcher.RunReport(nil), r.cancelled...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}
