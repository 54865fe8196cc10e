/*
errors.go - Centralized error types for the reservation kernel

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure carries a stable machine-readable kind (the sentinel)
  plus a human message (the structured wrapper).

ERROR CATEGORIES:
  1. Request errors  - malformed input, rejected before touching state
  2. Admission errors - capacity, credits, conflicts, prerequisites
  3. Storage errors  - system-of-record failures and partial commits

PROPAGATION POLICY:
  Conflict and prerequisite checks are pure functions returning
  structured results; the Coordinator wraps them into these errors only
  at its boundary so transport code can branch with errors.Is/As.
  A DuplicateBooking replay is NOT surfaced as an error at all - the
  Coordinator returns the prior result with Idempotent=true.

USAGE:
  var conflictErr *booking.TimeConflictError
  if errors.As(err, &conflictErr) {
      // conflictErr.Conflicts holds the offending bookings
  }

SEE ALSO:
  - coordinator.go: where these are raised and compensation runs
  - api/handlers.go: HTTP status mapping
*/
package booking

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing required fields.
	// Rejected before any shared state is touched.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredits is returned when both pools are exhausted.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrCapacityFull is returned when the session has no free slots.
	ErrCapacityFull = errors.New("session capacity full")

	// ErrTimeConflict is returned when the candidate session overlaps an
	// active booking.
	ErrTimeConflict = errors.New("time conflict with existing booking")

	// ErrPrerequisiteNotMet is returned when none of the required
	// sessions has a qualifying booking.
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")

	// ErrBookingInFlight is returned when an identical request holds an
	// unfinalized idempotency claim. The client should retry shortly.
	ErrBookingInFlight = errors.New("identical booking request in flight")

	// ErrSourceOfRecordUnavailable is returned when the system of record
	// failed. The booking was not created; provisional mutations were
	// rolled back.
	ErrSourceOfRecordUnavailable = errors.New("source of record unavailable")

	// ErrPartialCommit is returned when compensation itself failed after
	// a storage error. Escalated as a reconciliation task, never dropped.
	ErrPartialCommit = errors.New("partial commit: compensation incomplete")

	// ErrBookingNotFound is returned when a booking id resolves to nothing.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStudentNotFound is returned when a student lookup (by id or by
	// contact email) resolves to nothing.
	ErrStudentNotFound = errors.New("student not found")

	// ErrSessionInactive is returned when booking into a deactivated session.
	ErrSessionInactive = errors.New("session is not active")

	// ErrInvalidTransition is returned on a status change the booking
	// state machine forbids.
	ErrInvalidTransition = errors.New("invalid booking status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which field was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CapacityFullError reports a full session.
type CapacityFullError struct {
	SessionID SessionID
	Capacity  int
}

func (e *CapacityFullError) Error() string {
	return fmt.Sprintf("session %s is full (capacity %d)", e.SessionID, e.Capacity)
}

func (e *CapacityFullError) Unwrap() error { return ErrCapacityFull }

// InsufficientCreditsError reports both balances at rejection time.
type InsufficientCreditsError struct {
	StudentID StudentID
	ExamType  ExamType
	Specific  decimal.Decimal
	Shared    decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("student %s has insufficient credits for %s (specific %s, shared %s)",
		e.StudentID, e.ExamType, e.Specific, e.Shared)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// TimeConflictError carries the bookings that overlap the candidate.
type TimeConflictError struct {
	SessionID SessionID
	Conflicts []Booking
}

func (e *TimeConflictError) Error() string {
	return fmt.Sprintf("session %s conflicts with %d existing booking(s)", e.SessionID, len(e.Conflicts))
}

func (e *TimeConflictError) Unwrap() error { return ErrTimeConflict }

// PrerequisiteNotMetError carries the sessions that would have satisfied
// the requirement.
type PrerequisiteNotMetError struct {
	SessionID SessionID
	Missing   []ExamSession
}

func (e *PrerequisiteNotMetError) Error() string {
	return fmt.Sprintf("session %s requires one of %d prerequisite session(s)", e.SessionID, len(e.Missing))
}

func (e *PrerequisiteNotMetError) Unwrap() error { return ErrPrerequisiteNotMet }

// PartialCommitError records a failure whose compensation also failed.
// The Remaining list names the cleanup steps still owed; a reconciliation
// task must settle them.
type PartialCommitError struct {
	BookingID BookingID
	SessionID SessionID
	Cause     error
	Remaining []string
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit on session %s: %v (pending compensation: %v)",
		e.SessionID, e.Cause, e.Remaining)
}

func (e *PartialCommitError) Unwrap() error { return ErrPartialCommit }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Kind returns the stable machine-readable kind for an error, for wire
// responses and logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrCapacityFull):
		return "capacity_full"
	case errors.Is(err, ErrTimeConflict):
		return "time_conflict"
	case errors.Is(err, ErrPrerequisiteNotMet):
		return "prerequisite_not_met"
	case errors.Is(err, ErrBookingInFlight):
		return "booking_in_flight"
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrStudentNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionInactive):
		return "session_inactive"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPartialCommit):
		return "partial_commit"
	case errors.Is(err, ErrSourceOfRecordUnavailable):
		return "source_of_record_unavailable"
	default:
		return "internal_error"
	}
}

// IsClientError returns true if the error is due to the request itself
// rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrCapacityFull) ||
		errors.Is(err, ErrTimeConflict) ||
		errors.Is(err, ErrPrerequisiteNotMet) ||
		errors.Is(err, ErrSessionInactive) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsRetryable returns true if the same request might succeed shortly.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBookingInFlight) ||
		errors.Is(err, ErrSourceOfRecordUnavailable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrStudentNotFound)
}
