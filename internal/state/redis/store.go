// Package redis stores the processing state as a Redis string with a TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

// Store is a Redis-backed state.Store.
type Store struct {
	rdb goredis.UniversalClient
	key string
	ttl time.Duration
}

// New constructs a Store. The ttl lets Redis evict abandoned states; zero
// keeps keys forever.
func New(rdb goredis.UniversalClient, key string, ttl time.Duration) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = state.DefaultKey
	}
	return &Store{rdb: rdb, key: key, ttl: ttl}, nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return data, nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, data []byte) error {
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Delete implements state.Store.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.key, err)
	}
	return nil
}
