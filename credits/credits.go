/*
Package credits implements the per-student token ledger.

PURPOSE:
  Students pay for bookings from two pools: a "specific" balance per
  exam type, and a "shared" balance usable across eligible exam types.
  A debit tries the specific pool first, then falls back to shared -
  unless the exam type is configured with no shared-pool eligibility.

ATOMICITY:
  Do-not-double-spend rests entirely on AccountStore.Debit being a
  single atomic compare-and-decrement at the shared-storage layer. Two
  concurrent debits against a balance of 1 must yield exactly one
  success. Restoration on cancellation credits the pool originally
  debited, never blindly "specific".

PRECISION:
  Balances are decimal.Decimal: the system of record stores them as
  numeric properties and admin adjustments can leave fractions.

IMPLEMENTATIONS:
  - memory.go: in-memory AccountStore for tests and single-process runs
  - store/sqlite: shared AccountStore for multi-process deployments
*/
package credits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
)

// =============================================================================
// ACCOUNT STORE - Atomic balance storage
// =============================================================================

// AccountStore holds balances. Debit must be atomic at the storage layer.
type AccountStore interface {
	// Balances returns (specific for examType, shared) for the student.
	Balances(ctx context.Context, student booking.StudentID, examType booking.ExamType) (specific, shared decimal.Decimal, err error)

	// Debit atomically subtracts amount from the pool if the balance
	// covers it. Returns false (and mutates nothing) otherwise.
	Debit(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) (bool, error)

	// Credit adds amount back to the pool. Never fails on balance.
	Credit(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) error
}

// =============================================================================
// POOL POLICY
// =============================================================================

// PoolPolicy says which exam types may fall back to the shared pool.
type PoolPolicy struct {
	sharedEligible map[booking.ExamType]bool
}

// DefaultPoolPolicy: every type may use the shared pool except
// discussion sessions, which are specific-only.
func DefaultPoolPolicy() PoolPolicy {
	return NewPoolPolicy(booking.ExamClinical, booking.ExamSituational, booking.ExamMini)
}

func NewPoolPolicy(sharedEligible ...booking.ExamType) PoolPolicy {
	m := make(map[booking.ExamType]bool, len(sharedEligible))
	for _, t := range sharedEligible {
		m[t] = true
	}
	return PoolPolicy{sharedEligible: m}
}

// SharedEligible reports whether examType may debit the shared pool.
func (p PoolPolicy) SharedEligible(examType booking.ExamType) bool {
	return p.sharedEligible[examType]
}

// =============================================================================
// LEDGER
// =============================================================================

var one = decimal.NewFromInt(1)

// Ledger implements booking.CreditLedger over an AccountStore.
type Ledger struct {
	store  AccountStore
	policy PoolPolicy
}

func NewLedger(store AccountStore, policy PoolPolicy) *Ledger {
	return &Ledger{store: store, policy: policy}
}

// CheckEligible is the advisory balance read. The authoritative check
// is TryDebit.
func (l *Ledger) CheckEligible(ctx context.Context, student booking.StudentID, examType booking.ExamType) (booking.Eligibility, error) {
	specific, shared, err := l.store.Balances(ctx, student, examType)
	if err != nil {
		return booking.Eligibility{}, err
	}
	eligible := specific.GreaterThanOrEqual(one)
	if !eligible && l.policy.SharedEligible(examType) {
		eligible = shared.GreaterThanOrEqual(one)
	}
	return booking.Eligibility{Eligible: eligible, Specific: specific, Shared: shared}, nil
}

// TryDebit consumes one token: specific pool first, shared as fallback
// where the exam type allows it. Each attempt is atomic; the two
// attempts together may interleave with other students' debits but
// never double-spend this student's tokens.
func (l *Ledger) TryDebit(ctx context.Context, student booking.StudentID, examType booking.ExamType) (booking.DebitResult, error) {
	ok, err := l.store.Debit(ctx, student, examType, booking.PoolSpecific, one)
	if err != nil {
		return booking.DebitResult{}, err
	}
	if ok {
		return booking.DebitResult{OK: true, Pool: booking.PoolSpecific}, nil
	}

	if !l.policy.SharedEligible(examType) {
		return booking.DebitResult{OK: false}, nil
	}
	ok, err = l.store.Debit(ctx, student, examType, booking.PoolShared, one)
	if err != nil {
		return booking.DebitResult{}, err
	}
	if ok {
		return booking.DebitResult{OK: true, Pool: booking.PoolShared}, nil
	}
	return booking.DebitResult{OK: false}, nil
}

// Restore credits one token back to the pool originally debited.
func (l *Ledger) Restore(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool) error {
	switch pool {
	case booking.PoolSpecific, booking.PoolShared:
		return l.store.Credit(ctx, student, examType, pool, one)
	default:
		return fmt.Errorf("restore to unknown pool %q", pool)
	}
}
