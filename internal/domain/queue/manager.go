package queue

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manager owns one Queue per user. Queues appear lazily on first use and
// outlive individual connections, which is what lets a reconnecting client
// find its backlog still waiting.
type Manager struct {
	opts  Options
	clock clockwork.Clock

	mu       sync.RWMutex
	queues   map[string]*Queue
	lastUsed map[string]time.Time
}

// NewManager builds a manager applying the same Options to every user queue.
func NewManager(clock clockwork.Clock, opts Options) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		opts:     opts.withDefaults(),
		clock:    clock,
		queues:   make(map[string]*Queue),
		lastUsed: make(map[string]time.Time),
	}
}

// GetOrCreate returns the user's queue, creating it on first use.
func (m *Manager) GetOrCreate(userID string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[userID]
	m.mu.RUnlock()
	if ok {
		m.touch(userID)
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[userID]; ok {
		m.lastUsed[userID] = m.clock.Now()
		return q
	}
	q = New(userID, m.clock, m.opts)
	m.queues[userID] = q
	m.lastUsed[userID] = m.clock.Now()
	return q
}

// Get returns the user's queue without creating one.
func (m *Manager) Get(userID string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[userID]
	return q, ok
}

func (m *Manager) touch(userID string) {
	m.mu.Lock()
	m.lastUsed[userID] = m.clock.Now()
	m.mu.Unlock()
}

// Remove detaches and returns the user's queue so the caller can drain it.
func (m *Manager) Remove(userID string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[userID]
	if !ok {
		return nil, false
	}
	delete(m.queues, userID)
	delete(m.lastUsed, userID)
	return q, true
}

// Range visits every queue until fn returns false.
func (m *Manager) Range(fn func(userID string, q *Queue) bool) {
	m.mu.RLock()
	snapshot := make(map[string]*Queue, len(m.queues))
	for id, q := range m.queues {
		snapshot[id] = q
	}
	m.mu.RUnlock()

	for id, q := range snapshot {
		if !fn(id, q) {
			return
		}
	}
}

// IdleSince lists users whose queue saw no use since the cutoff and holds no
// messages. The janitor removes them to reclaim memory.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []string
	for userID, at := range m.lastUsed {
		if at.Before(cutoff) && m.queues[userID].Len() == 0 {
			idle = append(idle, userID)
		}
	}
	return idle
}

// Len returns the number of live queues.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// TotalDepth sums queued messages across all users.
func (m *Manager) TotalDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, q := range m.queues {
		total += q.Len()
	}
	return total
}
