// Package memory provides an in-memory implementation of the
// servicecontrol.StateStore interface. It is primarily intended for
// testing and single-process development setups.
package memory

import (
	"context"
	"sync"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// Store implements servicecontrol.StateStore using an in-memory snapshot.
type Store struct {
	mu     sync.RWMutex
	states []servicecontrol.AllowanceState
}

// New creates a new in-memory state store.
func New() *Store {
	return &Store{}
}

// SaveAllowances implements servicecontrol.StateStore.
func (s *Store) SaveAllowances(_ context.Context, states []servicecontrol.AllowanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations.
	s.states = make([]servicecontrol.AllowanceState, len(states))
	copy(s.states, states)
	return nil
}

// LoadAllowances implements servicecontrol.StateStore.
func (s *Store) LoadAllowances(_ context.Context) ([]servicecontrol.AllowanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]servicecontrol.AllowanceState, len(s.states))
	copy(out, s.states)
	return out, nil
}
