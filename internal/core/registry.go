package core

import (
	"errors"
	"fmt"
	"sync"

	"ravesim/pkg/domain"
)

// Registry indexes engines by study OID, preserving registration order.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Register adds an engine. Study OIDs must be unique.
func (r *Registry) Register(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	oid := e.Study().OID
	if _, exists := r.engines[oid]; exists {
		return fmt.Errorf("study %s already registered", oid)
	}
	r.engines[oid] = e
	r.order = append(r.order, oid)
	return nil
}

// Lookup returns the engine for a study OID or ErrStudyNotFound.
func (r *Registry) Lookup(studyOID string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[studyOID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyOID)
	}
	return e, nil
}

// Default returns the first registered engine.
func (r *Registry) Default() (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrStudyNotFound
	}
	return r.engines[r.order[0]], nil
}

// Engines returns all engines in registration order.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.order))
	for _, oid := range r.order {
		out = append(out, r.engines[oid])
	}
	return out
}

// Studies lists the registered studies in registration order.
func (r *Registry) Studies() []domain.Study {
	engines := r.Engines()
	out := make([]domain.Study, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Study())
	}
	return out
}

// Close closes every engine and joins their errors.
func (r *Registry) Close() error {
	var errs []error
	for _, e := range r.Engines() {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Study().OID, err))
		}
	}
	return errors.Join(errs...)
}
