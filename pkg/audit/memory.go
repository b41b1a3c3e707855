package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps events in process. It backs tests and the degraded
// mode when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Query(_ context.Context, identity string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, min(limit, len(m.events)))
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if identity == "" || m.events[i].Identity == identity {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	n := int64(len(m.events) - len(kept))
	clear(m.events[len(kept):])
	m.events = kept
	return n, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
