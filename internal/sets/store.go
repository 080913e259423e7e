package sets

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence interface for set definitions.
type Store interface {
	// Insert adds a new set; ErrSpecExists on a duplicate spec.
	Insert(ctx context.Context, s *Set) error

	// Save replaces a stored set, looked up by internal ID.
	Save(ctx context.Context, s *Set) error

	// Delete removes a set by spec.
	Delete(ctx context.Context, spec string) error

	// GetBySpec fetches a set by spec.
	GetBySpec(ctx context.Context, spec string) (*Set, error)

	// GetByID fetches a set by internal ID.
	GetByID(ctx context.Context, id string) (*Set, error)

	// All returns every set, ordered by spec.
	All(ctx context.Context) ([]*Set, error)

	// Page returns a slice of the spec-ordered set list plus the total.
	Page(ctx context.Context, offset, limit int) ([]*Set, int, error)
}

// MemStore is an in-memory Store used by tests.
type MemStore struct {
	mu   sync.RWMutex
	sets map[string]*Set // keyed by spec
}

// NewMemStore creates an empty in-memory set store.
func NewMemStore() *MemStore {
	return &MemStore{sets: make(map[string]*Set)}
}

func cloneSet(s *Set) *Set {
	c := *s
	return &c
}

func (m *MemStore) Insert(ctx context.Context, s *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[s.Spec]; ok {
		return ErrSpecExists
	}
	m.sets[s.Spec] = cloneSet(s)
	return nil
}

func (m *MemStore) Save(ctx context.Context, s *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for spec, stored := range m.sets {
		if stored.ID == s.ID {
			delete(m.sets, spec)
			m.sets[s.Spec] = cloneSet(s)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) Delete(ctx context.Context, spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[spec]; !ok {
		return ErrNotFound
	}
	delete(m.sets, spec)
	return nil
}

func (m *MemStore) GetBySpec(ctx context.Context, spec string) (*Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[spec]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSet(s), nil
}

func (m *MemStore) GetByID(ctx context.Context, id string) (*Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sets {
		if s.ID == id {
			return cloneSet(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) All(ctx context.Context) ([]*Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Set, 0, len(m.sets))
	for _, s := range m.sets {
		out = append(out, cloneSet(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec < out[j].Spec })
	return out, nil
}

func (m *MemStore) Page(ctx context.Context, offset, limit int) ([]*Set, int, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
