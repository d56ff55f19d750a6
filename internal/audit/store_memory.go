package audit

import (
	"context"
	"sync"
)

// MemoryStore mantiene los records en memoria (dev/tests). No es durable.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []Record
	byRequest map[string][]int
	byKey     map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRequest: make(map[string][]int), byKey: make(map[string][]int)}
}

func (m *MemoryStore) Kind() string { return "memory" }

func (m *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.AppliedRules = append([]string(nil), rec.AppliedRules...)
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.records)
	m.records = append(m.records, rec)
	m.byRequest[rec.RequestID] = append(m.byRequest[rec.RequestID], i)
	m.byKey[rec.KeyID] = append(m.byKey[rec.KeyID], i)
	return nil
}

func (m *MemoryStore) ByRequestID(_ context.Context, requestID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byRequest[requestID], 0), nil
}

func (m *MemoryStore) ByKeyID(_ context.Context, keyID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byKey[keyID], limit), nil
}

func (m *MemoryStore) collect(idx []int, limit int) []Record {
	if limit > 0 && len(idx) > limit {
		idx = idx[len(idx)-limit:]
	}
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.records[i])
	}
	return out
}

// Len devuelve la cantidad total de records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }
