// Package badger stores the processing state in an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

// Config configures the embedded database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Key      string
	// TTL bounds how long an untouched state survives on disk.
	TTL time.Duration
}

// Store is a BadgerDB-backed state.Store.
type Store struct {
	db  *badger.DB
	key []byte
	ttl time.Duration
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	key := cfg.Key
	if key == "" {
		key = state.DefaultKey
	}
	return &Store{db: db, key: []byte(key), ttl: cfg.TTL}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements state.Store.
func (s *Store) Load(context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return data, nil
}

// Save implements state.Store.
func (s *Store) Save(_ context.Context, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(s.key, data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Delete implements state.Store.
func (s *Store) Delete(context.Context) error {
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(s.key) }); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
