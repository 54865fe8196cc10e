package credits

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
)

// =============================================================================
// MEMORY ACCOUNT STORE - In-memory implementation (for testing/dev)
// =============================================================================

type accountKey struct {
	Student booking.StudentID
	Type    booking.ExamType // empty for the shared pool
}

// Memory is an in-process AccountStore guarded by a single mutex, so
// Debit's check-and-subtract is atomic.
type Memory struct {
	mu       sync.Mutex
	balances map[accountKey]decimal.Decimal
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[accountKey]decimal.Decimal)}
}

func (m *Memory) key(student booking.StudentID, examType booking.ExamType, pool booking.CreditPool) accountKey {
	if pool == booking.PoolShared {
		return accountKey{Student: student}
	}
	return accountKey{Student: student, Type: examType}
}

// SetBalance seeds a balance for tests and local dev.
func (m *Memory) SetBalance(student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[m.key(student, examType, pool)] = v
}

func (m *Memory) Balances(_ context.Context, student booking.StudentID, examType booking.ExamType) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	specific := m.balances[m.key(student, examType, booking.PoolSpecific)]
	shared := m.balances[m.key(student, examType, booking.PoolShared)]
	return specific, shared, nil
}

func (m *Memory) Debit(_ context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(student, examType, pool)
	balance := m.balances[k]
	if balance.LessThan(amount) {
		return false, nil
	}
	m.balances[k] = balance.Sub(amount)
	return true, nil
}

func (m *Memory) Credit(_ context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(student, examType, pool)
	m.balances[k] = m.balances[k].Add(amount)
	return nil
}
