/*
Package booking contains the reservation kernel's domain model.

PURPOSE:
  This package defines the types and pure checks at the heart of the
  booking system: exam sessions, bookings and their status machine,
  credit pools, time-conflict detection, and prerequisite gating. The
  Coordinator (coordinator.go) orchestrates these against the shared
  capacity, credit, and idempotency stores.

KEY CONCEPTS IN THIS FILE (types.go):
  - ExamSession: a limited-capacity session owned by the system of record
  - Booking: a student's allocation of one seat, status-transitioned only
  - BookingStatus: Scheduled -> {Completed, Cancelled, NoShow}; Failed
    is terminal from birth. Terminal states have no outgoing transitions.
  - CreditPool: which balance a booking consumed (specific vs shared)
  - IdempotencyKey: composite key identifying a logical booking request

DESIGN PRINCIPLES:
  1. Type safety: strong ID types prevent mixing students and sessions
  2. Precision: credit balances use decimal.Decimal, never float
  3. Immutability: bookings are never deleted, only status-transitioned

SEE ALSO:
  - errors.go: the error taxonomy
  - conflict.go: interval overlap detection
  - prereq.go: prerequisite OR-satisfaction
  - coordinator.go: the commit/rollback orchestration
*/
package booking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SessionID string
type BookingID string
type StudentID string
type ContactID string

// IdempotencyKey identifies a logical booking request. Two submissions
// with the same key are the same request, regardless of transport retries.
type IdempotencyKey string

// NewIdempotencyKey builds the composite key from the fields that define
// a logical booking: who, which session, on what date, of what type.
func NewIdempotencyKey(student StudentID, session SessionID, date time.Time, examType ExamType) IdempotencyKey {
	return IdempotencyKey(fmt.Sprintf("student:%s:session:%s:%s:%s",
		student, session, date.UTC().Format("2006-01-02"), examType))
}

// =============================================================================
// EXAM SESSIONS
// =============================================================================

type ExamType string

const (
	ExamClinical    ExamType = "clinical"
	ExamSituational ExamType = "situational"
	ExamMini        ExamType = "mini"
	ExamDiscussion  ExamType = "discussion"
)

// ValidExamType reports whether t is one of the known exam types.
func ValidExamType(t ExamType) bool {
	switch t {
	case ExamClinical, ExamSituational, ExamMini, ExamDiscussion:
		return true
	}
	return false
}

// ExamSession is a limited-capacity session. Owned by the system of
// record and cached read-mostly; this struct is the kernel's view of it.
//
// Start/End may be zero when the record upstream is incomplete. Conflict
// detection treats that as "cannot determine" (see conflict.go).
type ExamSession struct {
	ID            SessionID
	Type          ExamType
	Date          time.Time
	Start         time.Time
	End           time.Time
	Location      string
	Capacity      int
	Active        bool
	Prerequisites []SessionID
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingStatus string

const (
	StatusScheduled BookingStatus = "scheduled"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
	StatusFailed    BookingStatus = "failed"
	StatusNoShow    BookingStatus = "no_show"
)

// Terminal reports whether no transitions leave this status.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed || s == StatusNoShow
}

// Active reports whether the booking occupies a seat.
func (s BookingStatus) Active() bool {
	return s == StatusScheduled
}

// CanTransitionTo enforces the status machine:
// Scheduled -> {Completed, Cancelled, NoShow}. Nothing leaves a terminal state.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	if s != StatusScheduled {
		return false
	}
	switch next {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Booking is one student's seat in one session. Created by the
// Coordinator on commit; afterwards only its status (and CancelledAt)
// change. Start/End are denormalized from the session at creation time
// so conflict checks don't need a session read per booking.
type Booking struct {
	ID        BookingID
	StudentID StudentID
	ContactID ContactID
	SessionID SessionID
	ExamType  ExamType
	ExamDate  time.Time
	Status    BookingStatus
	Pool      CreditPool

	Start time.Time
	End   time.Time

	CreatedAt   time.Time
	CancelledAt *time.Time
}

// =============================================================================
// CREDITS
// =============================================================================

// CreditPool identifies which balance a debit came from.
type CreditPool string

const (
	PoolSpecific CreditPool = "specific"
	PoolShared   CreditPool = "shared"
)

// Eligibility is a point-in-time read of a student's balances for one
// exam type. Advisory only; the authoritative check is the atomic debit.
type Eligibility struct {
	Eligible bool
	Specific decimal.Decimal
	Shared   decimal.Decimal
}

// DebitResult reports the outcome of an atomic debit attempt.
type DebitResult struct {
	OK   bool
	Pool CreditPool
}

// =============================================================================
// CAPACITY
// =============================================================================

// Reservation is the outcome of a TryReserve against the capacity cache.
type Reservation struct {
	OK        bool
	Available int
}

// Availability is an advisory capacity read.
type Availability struct {
	Available int
	Capacity  int
	IsFull    bool
}

// =============================================================================
// LISTING
// =============================================================================

type ListFilter struct {
	Filter string // "upcoming", "past", or "" for all
	Page   int
	Limit  int
}

type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}
