package capacity

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY COUNTER STORE - In-memory implementation (for testing/dev)
// =============================================================================

type entry struct {
	count     int
	expiresAt time.Time
}

// Memory is an in-process CounterStore. Atomicity comes from a single
// mutex; the production analogue is store/sqlite.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]entry
	seedLocks map[string]time.Time
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[string]entry),
		seedLocks: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.count, ok, nil
}

func (m *Memory) ReserveSlot(_ context.Context, key string, capacity int) (bool, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return false, 0, false, nil
	}
	if e.count+1 > capacity {
		return false, e.count, true, nil
	}
	e.count++
	m.entries[key] = e
	return true, e.count, true, nil
}

func (m *Memory) ReleaseSlot(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	if e.count > 0 {
		e.count--
	}
	m.entries[key] = e
	return e.count, nil
}

func (m *Memory) Seed(_ context.Context, key string, count int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{count: count, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) AcquireSeedLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.seedLocks[key]; ok && m.now().Before(until) {
		return false, nil
	}
	m.seedLocks[key] = m.now().Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseSeedLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seedLocks, key)
	return nil
}
