// Package memory provides a process-local snapshot store. Snapshots survive
// engine resets within one process but not restarts.
package memory

import (
	"context"
	"sync"

	"ravesim/pkg/domain"
)

var _ domain.SnapshotStore = (*Store)(nil)

// Store keeps the most recent snapshot payload in memory.
type Store struct {
	mu      sync.RWMutex
	payload []byte
	saves   int
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Load returns a copy of the stored payload or domain.ErrSnapshotNotFound.
func (s *Store) Load(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.payload == nil {
		return nil, domain.ErrSnapshotNotFound
	}
	return append([]byte(nil), s.payload...), nil
}

// Save replaces the stored payload.
func (s *Store) Save(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append([]byte(nil), payload...)
	s.saves++
	return nil
}

// Delete discards the stored payload.
func (s *Store) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Saves reports how many times Save has been called.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
