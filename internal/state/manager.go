package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Store persists the encoded state under a single key.
type Store interface {
	// Load returns ErrNotFound when nothing is stored.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}

// NewParams describes a fresh run.
type NewParams struct {
	User         string
	TotalPages   int
	TotalGroups  int
	SourceDigest string
}

// Manager loads, validates and saves the processing state.
type Manager struct {
	store  Store
	clock  watcher.Clock
	ids    watcher.IDGenerator
	expiry time.Duration
	logger *zap.Logger
}

// NewManager constructs a Manager. A non-positive expiry means DefaultExpiry.
func NewManager(
	store Store,
	clock watcher.Clock,
	ids watcher.IDGenerator,
	expiry time.Duration,
	logger *zap.Logger,
) *Manager {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		clock:  clock,
		ids:    ids,
		expiry: expiry,
		logger: logger,
	}
}

// Load returns the stored state. Corrupt, stale or incompatible states are
// deleted and reported as ErrNotFound.
func (m *Manager) Load(ctx context.Context) (*State, error) {
	data, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		m.discard(ctx, fmt.Errorf("decode state: %w", err))
		return nil, ErrNotFound
	}
	if err := st.Validate(m.clock.Now(), m.expiry); err != nil {
		m.discard(ctx, err)
		return nil, ErrNotFound
	}
	return &st, nil
}

// Peek returns the stored state without validating or discarding it.
func (m *Manager) Peek(ctx context.Context) (*State, error) {
	data, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Create builds and persists a fresh processing state.
func (m *Manager) Create(ctx context.Context, p NewParams) (*State, error) {
	sessionID, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	runID, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	now := m.clock.Now().UnixMilli()
	st := &State{
		SchemaVersion:        SchemaVersion,
		Status:               StatusProcessing,
		StartedAt:            now,
		LastUpdatedAt:        now,
		TotalGroups:          p.TotalGroups,
		TotalPages:           p.TotalPages,
		User:                 p.User,
		SessionID:            sessionID,
		RunID:                runID,
		CompletedMiniBatches: map[int][]int{},
		SourceDigest:         p.SourceDigest,
	}
	if err := m.Save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save stamps and persists st.
func (m *Manager) Save(ctx context.Context, st *State) error {
	st.Touch(m.clock.Now())
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := m.store.Save(ctx, data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m.logger.Debug("state saved",
		zap.String("status", string(st.Status)),
		zap.Int("group", st.CurrentGroupIndex),
		zap.Int("total_groups", st.TotalGroups),
		zap.Int("processed_pages", st.ProcessedPages),
	)
	return nil
}

// RecordError applies State.RecordError and persists the result.
func (m *Manager) RecordError(ctx context.Context, st *State, cause error) (bool, error) {
	cancelled := st.RecordError(cause.Error(), m.clock.Now())
	if err := m.Save(ctx, st); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// Clear deletes the stored state. A missing state is not an error.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

func (m *Manager) discard(ctx context.Context, reason error) {
	m.logger.Debug("discarding invalid state", zap.Error(reason))
	if err := m.Clear(ctx); err != nil {
		m.logger.Warn("discard invalid state failed", zap.Error(err))
	}
}
