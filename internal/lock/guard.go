// Package lock provides the advisory mutual-exclusion guard used around runs
// and archive writes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotAcquired is returned when every acquisition attempt timed out.
var ErrNotAcquired = errors.New("lock not acquired")

// Backend is a single advisory lock.
type Backend interface {
	// TryAcquire waits up to wait for the lock and reports whether it was taken.
	TryAcquire(ctx context.Context, wait time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Refresher is implemented by backends whose hold expires unless renewed.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config tunes acquisition retries.
type Config struct {
	// Retries is the number of TryAcquire attempts.
	Retries int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
}

// DefaultConfig returns three attempts with one second linear backoff.
func DefaultConfig() Config {
	return Config{Retries: 3, Backoff: time.Second}
}

// Guard wraps a Backend with retries and panic-safe release.
type Guard struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuard constructs a Guard. Zero config values fall back to DefaultConfig.
func NewGuard(backend Backend, cfg Config, logger *zap.Logger) *Guard {
	def := DefaultConfig()
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = def.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Acquire tries the backend up to Retries times, sleeping attempt*Backoff
// between attempts.
func (g *Guard) Acquire(ctx context.Context, wait time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.Retries; attempt++ {
		ok, err := g.backend.TryAcquire(ctx, wait)
		switch {
		case err != nil:
			lastErr = err
			g.logger.Warn("lock attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		case ok:
			g.logger.Debug("lock acquired", zap.Int("attempt", attempt))
			return nil
		default:
			g.logger.Debug("lock busy", zap.Int("attempt", attempt), zap.Duration("wait", wait))
		}
		if attempt == g.cfg.Retries {
			break
		}
		if err := g.sleep(ctx, time.Duration(attempt)*g.cfg.Backoff); err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrNotAcquired, lastErr)
	}
	return ErrNotAcquired
}

// Release frees the lock. Failures are logged and swallowed.
func (g *Guard) Release(ctx context.Context) {
	if err := g.backend.Release(ctx); err != nil {
		g.logger.Warn("lock release failed", zap.Error(err))
	}
}

// Refresh extends the hold when the backend leases it. Backends without a
// lease are a no-op.
func (g *Guard) Refresh(ctx context.Context) error {
	r, ok := g.backend.(Refresher)
	if !ok {
		return nil
	}
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// ExecuteWithLock runs fn while holding the lock. The lock is released on
// every path, including a panic in fn.
func (g *Guard) ExecuteWithLock(ctx context.Context, wait time.Duration, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx, wait); err != nil {
		return err
	}
	defer g.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
