// Package dispatcher turns fired continuations into orchestrator invocations.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/metrics"
	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
)

// SystemUser is recorded for invocations triggered by a continuation.
const SystemUser = "system"

const defaultRetryDelay = 5 * time.Second

// Invoker runs one orchestrator invocation. *orchestrator.Orchestrator
// satisfies it.
type Invoker interface {
	Run(ctx context.Context, mode orchestrator.Mode, user string) (orchestrator.Result, error)
}

// Config tunes the consumer loop.
type Config struct {
	// Workers is the number of concurrent consumers. Invocations still
	// serialize on the run lock.
	Workers int
	// Timeout bounds one invocation; zero leaves it to the orchestrator budget.
	Timeout time.Duration
	// RetryDelay is the pause after a failed Next.
	RetryDelay time.Duration
}

// Dispatcher consumes due continuations.
type Dispatcher struct {
	source  scheduler.Source
	invoker Invoker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(source scheduler.Source, invoker Invoker, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:  source,
		invoker: invoker,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts the consumers and blocks until the context finishes or the
// source closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.consume(ctx, d.logger.With(zap.Int("worker_id", id)))
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, logger *zap.Logger) {
	for {
		cont, err := d.source.Next(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, scheduler.ErrClosed):
			logger.Debug("dispatcher stopping")
			return
		case err != nil:
			logger.Warn("next continuation failed", zap.Error(err))
			if !sleepContext(ctx, d.cfg.RetryDelay) {
				return
			}
			continue
		}
		d.fire(ctx, logger, cont)
	}
}

func (d *Dispatcher) fire(ctx context.Context, logger *zap.Logger, cont scheduler.Continuation) {
	logger = logger.With(zap.String("continuation", cont.Handle))
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	res, err := d.invoker.Run(ctx, orchestrator.ModeContinue, SystemUser)
	metrics.ObserveContinuation(string(res.Outcome))
	if err != nil {
		logger.Error("continuation failed",
			zap.String("outcome", string(res.Outcome)),
			zap.String("run_id", res.RunID),
			zap.Error(err),
		)
		return
	}
	logger.Info("continuation handled",
		zap.String("outcome", string(res.Outcome)),
		zap.String("run_id", res.RunID),
		zap.Int("group", res.Group),
		zap.Int("total_groups", res.TotalGroups),
		zap.String("next", res.Continuation),
	)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
