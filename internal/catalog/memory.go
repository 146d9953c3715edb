package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCatalog keeps entries for the lifetime of the process.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]*Entry)}
}

func (m *MemoryCatalog) Lookup(ctx context.Context, location string) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[location]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrNotFound
	}
	s, err := statFile(location)
	if err != nil || !e.matches(s) {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryCatalog) Store(ctx context.Context, location string, d time.Duration) error {
	s, err := statFile(location)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[location] = newEntry(location, s, d)
	return nil
}

func (m *MemoryCatalog) List(ctx context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (m *MemoryCatalog) Forget(ctx context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, location)
	return nil
}

func (m *MemoryCatalog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
