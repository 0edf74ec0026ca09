package worldstate

import (
	"fmt"
	"sync"

	"agent_town/internal/domain"
)

// Store keeps the latest authoritative world snapshot. The only write is a
// full Replace; reads return deep copies.
type Store struct {
	mu      sync.RWMutex
	current *domain.WorldState
	version uint64
}

func New() *Store {
	return &Store{}
}

// Current reports false until the first snapshot is stored. An empty world
// (zero agents) is a valid snapshot and reports true.
func (s *Store) Current() (domain.WorldState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.WorldState{}, false
	}
	return s.current.Clone(), true
}

func (s *Store) Replace(ws domain.WorldState) error {
	if err := ws.Validate(); err != nil {
		return fmt.Errorf("replace world state: %w", err)
	}
	snapshot := ws.Clone()
	s.mu.Lock()
	s.current = &snapshot
	s.version++
	s.mu.Unlock()
	return nil
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
