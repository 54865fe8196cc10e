package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/warp/booking-engine/booking"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-process claim store; the mutex makes Claim an atomic
// set-if-not-exists.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[key]; ok && m.now().Before(r.ExpiresAt) {
		return false, r, nil
	}
	r := Record{Key: key, ExpiresAt: m.now().Add(ttl)}
	m.records[key] = r
	return true, Record{}, nil
}

func (m *Memory) Finalize(_ context.Context, key string, id booking.BookingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok || m.now().After(r.ExpiresAt) {
		// Claim expired mid-request; restart the window so the replay
		// still works for a full retry interval.
		r = Record{Key: key, ExpiresAt: m.now().Add(DefaultTTL)}
	}
	r.BookingID = id
	r.Finalized = true
	m.records[key] = r
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
