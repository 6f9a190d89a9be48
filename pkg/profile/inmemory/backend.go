// Package inmemory contains an in-memory implementation of the profile store.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tradepost-io/identity/pkg/profile"
)

// A Backend stores profiles in-memory. It is safe for concurrent use and is
// primarily used in tests and local development.
type Backend struct {
	mu     sync.RWMutex
	lookup map[string]*profile.Profile
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		lookup: make(map[string]*profile.Profile),
	}
}

// FetchOne retrieves a record from the in-memory store.
func (backend *Backend) FetchOne(_ context.Context, id string) (*profile.Profile, error) {
	backend.mu.RLock()
	defer backend.mu.RUnlock()

	p, ok := backend.lookup[id]
	if !ok {
		return nil, fmt.Errorf("inmemory: fetch %s: %w", id, profile.ErrNotFound)
	}
	return p.Clone(), nil
}

// Exists reports whether a record exists in the in-memory store.
func (backend *Backend) Exists(_ context.Context, id string) (bool, error) {
	backend.mu.RLock()
	defer backend.mu.RUnlock()

	_, ok := backend.lookup[id]
	return ok, nil
}

// InsertOne inserts a record into the in-memory store.
func (backend *Backend) InsertOne(_ context.Context, p *profile.Profile) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	if _, ok := backend.lookup[p.ID]; ok {
		return fmt.Errorf("inmemory: insert %s: %w", p.ID, profile.ErrDuplicateKey)
	}
	backend.lookup[p.ID] = p.Clone()
	return nil
}

// Put inserts or replaces a record, bypassing duplicate detection. It exists
// so tests and seed tooling can install authoritative records directly.
func (backend *Backend) Put(p *profile.Profile) {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	backend.lookup[p.ID] = p.Clone()
}

// Len returns the number of stored records.
func (backend *Backend) Len() int {
	backend.mu.RLock()
	defer backend.mu.RUnlock()

	return len(backend.lookup)
}
