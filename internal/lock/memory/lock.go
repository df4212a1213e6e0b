// Package memory provides an in-process lock backend.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when releasing a lock nobody holds.
var ErrNotHeld = errors.New("lock not held")

// Lock is a single-slot semaphore.
type Lock struct {
	sem chan struct{}
}

// New constructs an unlocked Lock.
func New() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// TryAcquire implements lock.Backend.
func (l *Lock) TryAcquire(ctx context.Context, wait time.Duration) (bool, error) {
	select {
	case l.sem <- struct{}{}:
		return true, nil
	default:
	}
	if wait <= 0 {
		return false, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release implements lock.Backend.
func (l *Lock) Release(context.Context) error {
	select {
	case <-l.sem:
		return nil
	default:
		return ErrNotHeld
	}
}
