// Package postgres stores the processing state in a single-row Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store is a Postgres-backed state.Store. Table layout:
//
//	CREATE TABLE processing_state (key text PRIMARY KEY, payload jsonb NOT NULL, updated_at timestamptz NOT NULL);
type Store struct {
	db    querier
	table string
	key   string
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool, table, key string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, table, key)
}

// NewWithQuerier constructs a Store from any pgx-compatible querier (primarily for testing).
func NewWithQuerier(db querier, table, key string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("querier is required")
	}
	return newStore(db, table, key)
}

func newStore(db querier, table, key string) (*Store, error) {
	if table == "" {
		table = "processing_state"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if key == "" {
		key = state.DefaultKey
	}
	return &Store{db: db, table: table, key: key}, nil
}

// Migrate creates the state table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key        text PRIMARY KEY,
	payload    jsonb NOT NULL,
	updated_at timestamptz NOT NULL
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create state table: %w", err)
	}
	return nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE key = $1`, s.table)
	if err := s.db.QueryRow(ctx, query, s.key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("select state: %w", err)
	}
	return payload, nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (key, payload, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.Exec(ctx, query, s.key, data); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Delete implements state.Store.
func (s *Store) Delete(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.db.Exec(ctx, query, s.key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
