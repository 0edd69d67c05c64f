package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Interface guard
var _ Store = (*Memory)(nil)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero => no expiry
}

// Memory is the map-backed store used in tests and single-node deployments
// that do not need durability. Expiry is checked lazily on Get and swept on
// Put so the map does not grow without bound under churn.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]memEntry
	clock clockwork.Clock
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		data:  make(map[string]memEntry),
		clock: clock,
	}
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	entry := memEntry{value: buf}
	now := m.clock.Now()
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Piggyback an expiry sweep on writes; reads stay cheap.
	for k, e := range m.data {
		if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
			delete(m.data, k)
		}
	}
	m.data[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && entry.expiresAt.Before(m.clock.Now()) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports live entries, expired ones included until their next touch.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
