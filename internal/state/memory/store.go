// Package memory keeps the processing state in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

// Store is an in-memory state.Store.
type Store struct {
	mu   sync.RWMutex
	data []byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{}
}

// Load implements state.Store.
func (s *Store) Load(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, state.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// Save implements state.Store.
func (s *Store) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

// Delete implements state.Store.
func (s *Store) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
