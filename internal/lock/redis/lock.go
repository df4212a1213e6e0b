// Package redis provides a lock backend on Redis using SET NX PX with a
// compare-and-delete release.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLease = 10 * time.Minute
	defaultPoll  = 100 * time.Millisecond
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// ErrNotHeld is returned when this instance does not own the key.
var ErrNotHeld = errors.New("redis lock not held")

// Config configures a Lock.
type Config struct {
	Key string
	// Lease bounds how long a crashed holder keeps the key.
	Lease time.Duration
	// Poll is the retry interval while waiting.
	Poll time.Duration
}

// Lock is a Redis-backed lock.Backend. One instance tracks one holder token.
type Lock struct {
	rdb   goredis.UniversalClient
	cfg   Config
	mu    sync.Mutex
	token string
}

// New constructs a Lock.
func New(rdb goredis.UniversalClient, cfg Config) (*Lock, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.Key = strings.TrimSpace(cfg.Key)
	if cfg.Key == "" {
		return nil, errors.New("lock key is required")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	return &Lock{rdb: rdb, cfg: cfg}, nil
}

// TryAcquire implements lock.Backend by polling SETNX until wait elapses.
func (l *Lock) TryAcquire(ctx context.Context, wait time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, fmt.Errorf("generate lock token: %w", err)
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.rdb.SetNX(ctx, l.cfg.Key, token, l.cfg.Lease).Result()
		if err != nil {
			return false, fmt.Errorf("setnx %s: %w", l.cfg.Key, err)
		}
		if ok {
			l.mu.Lock()
			l.token = token
			l.mu.Unlock()
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		pause := l.cfg.Poll
		if pause > remaining {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// Release implements lock.Backend. It only deletes the key when it still
// carries this instance's token.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.cfg.Key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.cfg.Key, err)
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

// Refresh extends the lease of a held lock.
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	if token == "" {
		return ErrNotHeld
	}
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.cfg.Key}, token, l.cfg.Lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.cfg.Key, err)
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
