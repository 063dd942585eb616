package destination

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps destinations in process, seeded from static configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[int64]Destination
}

// NewMemoryStore constructs a store holding the supplied destinations.
func NewMemoryStore(dests ...Destination) *MemoryStore {
	store := &MemoryStore{mu: sync.RWMutex{}, items: make(map[int64]Destination, len(dests))}
	for _, dest := range dests {
		dest.Normalise()
		store.items[dest.ID] = dest
	}
	return store
}

// LoadDestinations returns all destinations ordered by id.
func (s *MemoryStore) LoadDestinations(_ context.Context) ([]Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Destination, 0, len(s.items))
	for _, dest := range s.items {
		out = append(out, dest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadDestination returns a single destination.
func (s *MemoryStore) LoadDestination(_ context.Context, id int64) (Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dest, ok := s.items[id]
	if !ok {
		return Destination{}, ErrNotFound
	}
	return dest, nil
}

// SaveDestination upserts a destination after validation.
func (s *MemoryStore) SaveDestination(_ context.Context, dest Destination) error {
	dest.Normalise()
	if err := dest.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[dest.ID] = dest
	s.mu.Unlock()
	return nil
}

// DeleteDestination removes a destination.
func (s *MemoryStore) DeleteDestination(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
