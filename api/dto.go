/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication. These decouple the domain
  model from the wire contract so fields can be renamed and versioned
  without touching the kernel.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

VALIDATION:
  Transport-level validation (parse errors, missing fields) happens in
  handlers; domain validation lives in the coordinator. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/warp/booking-engine/booking"
)

// CreateBookingRequest is the client payload for a reservation.
type CreateBookingRequest struct {
	StudentID string `json:"student_id"`
	ContactID string `json:"contact_id"`
	SessionID string `json:"exam_session_id"`
	ExamType  string `json:"exam_type"`
	ExamDate  string `json:"exam_date"` // YYYY-MM-DD
}

// CreditDetailsDTO reports the pool used and remaining balances.
type CreditDetailsDTO struct {
	PoolUsed          string `json:"pool_used"`
	RemainingSpecific string `json:"remaining_specific,omitempty"`
	RemainingShared   string `json:"remaining_shared,omitempty"`
}

// CreateBookingResponse mirrors the client-facing contract: a replayed
// duplicate is a success with idempotent=true, never an error.
type CreateBookingResponse struct {
	BookingID     string           `json:"booking_id"`
	CreditDetails CreditDetailsDTO `json:"credit_details"`
	Idempotent    bool             `json:"idempotent"`
}

// CapacityDTO is the advisory capacity read.
type CapacityDTO struct {
	AvailableSlots int  `json:"available_slots"`
	Capacity       int  `json:"capacity"`
	IsFull         bool `json:"is_full"`
}

// CancelBookingRequest carries the cancellation reason.
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

// CancelBookingResponse reports the restored pool.
type CancelBookingResponse struct {
	Status       string `json:"status"`
	RestoredPool string `json:"restored_pool"`
}

// UpdateSessionRequest is the admin patch; omitted fields are untouched.
type UpdateSessionRequest struct {
	Capacity *int  `json:"capacity,omitempty"`
	Active   *bool `json:"active,omitempty"`
}

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID       string `json:"id"`
	ExamType string `json:"exam_type"`
	Location string `json:"location,omitempty"`
	Capacity int    `json:"capacity"`
	Active   bool   `json:"active"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID          string `json:"id"`
	StudentID   string `json:"student_id"`
	SessionID   string `json:"exam_session_id"`
	ExamType    string `json:"exam_type"`
	ExamDate    string `json:"exam_date"`
	Status      string `json:"status"`
	CreditPool  string `json:"credit_pool,omitempty"`
	Start       string `json:"start_time,omitempty"`
	End         string `json:"end_time,omitempty"`
	CreatedAt   string `json:"created_at"`
	CancelledAt string `json:"cancelled_at,omitempty"`
}

// ListBookingsResponse wraps bookings with a pagination envelope.
type ListBookingsResponse struct {
	Bookings   []BookingDTO       `json:"bookings"`
	Pagination booking.Pagination `json:"pagination"`
}

// ErrorResponse carries a stable machine-readable kind plus a human
// message.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func toBookingDTO(b booking.Booking) BookingDTO {
	dto := BookingDTO{
		ID:         string(b.ID),
		StudentID:  string(b.StudentID),
		SessionID:  string(b.SessionID),
		ExamType:   string(b.ExamType),
		ExamDate:   b.ExamDate.Format("2006-01-02"),
		Status:     string(b.Status),
		CreditPool: string(b.Pool),
		CreatedAt:  b.CreatedAt.Format(time.RFC3339),
	}
	if !b.Start.IsZero() {
		dto.Start = b.Start.Format(time.RFC3339)
	}
	if !b.End.IsZero() {
		dto.End = b.End.Format(time.RFC3339)
	}
	if b.CancelledAt != nil {
		dto.CancelledAt = b.CancelledAt.Format(time.RFC3339)
	}
	return dto
}
