package keystore

import (
	"context"
	"sort"
	"sync"
)

// MemorySource guarda las claves sólo en memoria (dev/tests).
type MemorySource struct {
	mu   sync.RWMutex
	recs map[string]record
}

func NewMemorySource() *MemorySource {
	return &MemorySource{recs: make(map[string]record)}
}

func (m *MemorySource) Kind() string { return "memory" }

func (m *MemorySource) load(_ context.Context) ([]record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle.ID < out[j].handle.ID })
	return out, nil
}

func (m *MemorySource) insert(_ context.Context, rec record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.handle.ID]; ok {
		return ErrExists
	}
	m.recs[rec.handle.ID] = rec.clone()
	return nil
}

func (m *MemorySource) updateStatus(_ context.Context, id string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	r.handle.Status = st
	m.recs[id] = r
	return nil
}
