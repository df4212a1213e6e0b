// Package memory schedules continuations with in-process timers.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	queuememory "github.com/JakeFAU/pdf-watcher/internal/queue/memory"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

type entry struct {
	cont  scheduler.Continuation
	timer *time.Timer
}

// Scheduler fires continuations onto an in-memory queue.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*entry
	fired   *queuememory.Queue[scheduler.Continuation]
	clock   watcher.Clock
	ids     watcher.IDGenerator
	closed  bool
}

// New constructs a Scheduler whose fired queue holds up to capacity items.
func New(clock watcher.Clock, ids watcher.IDGenerator, capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = 1
	}
	return &Scheduler{
		pending: make(map[string]*entry),
		fired:   queuememory.NewQueue[scheduler.Continuation](capacity),
		clock:   clock,
		ids:     ids,
	}
}

// Schedule implements scheduler.Scheduler.
func (s *Scheduler) Schedule(_ context.Context, delay time.Duration) (string, error) {
	handle, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate continuation handle: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", scheduler.ErrClosed
	}
	s.stopAllLocked()
	cont := scheduler.Continuation{Handle: handle, DueAt: s.clock.Now().Add(delay)}
	s.pending[handle] = &entry{
		cont:  cont,
		timer: time.AfterFunc(delay, func() { s.fire(handle) }),
	}
	return handle, nil
}

// CancelAll implements scheduler.Scheduler.
func (s *Scheduler) CancelAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
	return nil
}

// CleanupDuplicates implements scheduler.Scheduler.
func (s *Scheduler) CleanupDuplicates(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.orderedLocked()
	if len(ordered) <= 1 {
		return 0, nil
	}
	for _, c := range ordered[1:] {
		s.pending[c.Handle].timer.Stop()
		delete(s.pending, c.Handle)
	}
	return len(ordered) - 1, nil
}

// Pending implements scheduler.Scheduler.
func (s *Scheduler) Pending(context.Context) ([]scheduler.Continuation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedLocked(), nil
}

// Next implements scheduler.Source.
func (s *Scheduler) Next(ctx context.Context) (scheduler.Continuation, error) {
	cont, err := s.fired.Dequeue(ctx)
	if errors.Is(err, queuememory.ErrClosed) {
		return scheduler.Continuation{}, scheduler.ErrClosed
	}
	return cont, err
}

// Close stops every timer and the fired queue.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopAllLocked()
	s.mu.Unlock()
	s.fired.Close()
}

func (s *Scheduler) fire(handle string) {
	s.mu.Lock()
	e, ok := s.pending[handle]
	if ok {
		delete(s.pending, handle)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	// Dropped when the scheduler closes first.
	_ = s.fired.Enqueue(context.Background(), e.cont)
}

func (s *Scheduler) stopAllLocked() {
	for handle, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, handle)
	}
}

func (s *Scheduler) orderedLocked() []scheduler.Continuation {
	out := make([]scheduler.Continuation, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.cont)
	}
	slices.SortFunc(out, func(a, b scheduler.Continuation) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}
