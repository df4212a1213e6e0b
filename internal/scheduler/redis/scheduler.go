// Package redis keeps pending continuations in a Redis sorted set scored by
// due time. Next polls for due members and claims them with ZREM.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const (
	defaultKey  = "pdfwatcher:continuations"
	defaultPoll = time.Second
)

// Config configures a Scheduler.
type Config struct {
	Key  string
	Poll time.Duration
}

// Scheduler is a Redis-backed scheduler.Scheduler and scheduler.Source.
type Scheduler struct {
	rdb   goredis.UniversalClient
	key   string
	poll  time.Duration
	clock watcher.Clock
	ids   watcher.IDGenerator
}

// New constructs a Scheduler.
func New(rdb goredis.UniversalClient, clock watcher.Clock, ids watcher.IDGenerator, cfg Config) (*Scheduler, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	return &Scheduler{rdb: rdb, key: cfg.Key, poll: cfg.Poll, clock: clock, ids: ids}, nil
}

// Schedule implements scheduler.Scheduler.
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration) (string, error) {
	handle, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate continuation handle: %w", err)
	}
	due := s.clock.Now().Add(delay)
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.ZAdd(ctx, s.key, goredis.Z{Score: float64(due.UnixMilli()), Member: handle})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule continuation: %w", err)
	}
	return handle, nil
}

// CancelAll implements scheduler.Scheduler.
func (s *Scheduler) CancelAll(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("cancel continuations: %w", err)
	}
	return nil
}

// CleanupDuplicates implements scheduler.Scheduler.
func (s *Scheduler) CleanupDuplicates(ctx context.Context) (int, error) {
	removed, err := s.rdb.ZRemRangeByRank(ctx, s.key, 1, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup continuations: %w", err)
	}
	return int(removed), nil
}

// Pending implements scheduler.Scheduler.
func (s *Scheduler) Pending(ctx context.Context) ([]scheduler.Continuation, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	out := make([]scheduler.Continuation, 0, len(members))
	for _, z := range members {
		out = append(out, toContinuation(z))
	}
	return out, nil
}

// Next implements scheduler.Source. It blocks until a continuation is due
// and this process wins the claim.
func (s *Scheduler) Next(ctx context.Context) (scheduler.Continuation, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		cont, ok, err := s.claimDue(ctx)
		if err != nil {
			return scheduler.Continuation{}, err
		}
		if ok {
			return cont, nil
		}
		select {
		case <-ctx.Done():
			return scheduler.Continuation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claimDue(ctx context.Context) (scheduler.Continuation, bool, error) {
	due, err := s.rdb.ZRangeByScoreWithScores(ctx, s.key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return scheduler.Continuation{}, false, fmt.Errorf("poll continuations: %w", err)
	}
	if len(due) == 0 {
		return scheduler.Continuation{}, false, nil
	}
	cont := toContinuation(due[0])
	removed, err := s.rdb.ZRem(ctx, s.key, cont.Handle).Result()
	if err != nil {
		return scheduler.Continuation{}, false, fmt.Errorf("claim continuation: %w", err)
	}
	return cont, removed == 1, nil
}

func toContinuation(z goredis.Z) scheduler.Continuation {
	handle, _ := z.Member.(string)
	return scheduler.Continuation{
		Handle: handle,
		DueAt:  time.UnixMilli(int64(z.Score)).UTC(),
	}
}
