package crm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/booking-engine/booking"
)

// =============================================================================
// FAKE - In-memory system of record (for testing/dev)
// =============================================================================

// Fake is an in-memory SourceOfRecord with failure injection. Tests use
// it to exercise compensation paths; `-dev` runs use it as a local CRM.
type Fake struct {
	mu       sync.Mutex
	sessions map[booking.SessionID]booking.ExamSession
	bookings map[booking.BookingID]booking.Booking
	contacts map[string]booking.StudentID

	// Failure injection. Set to a non-nil error to make the matching
	// operation fail.
	FailCreate error
	FailUpdate error
	FailRead   error
}

func NewFake() *Fake {
	return &Fake{
		sessions: make(map[booking.SessionID]booking.ExamSession),
		bookings: make(map[booking.BookingID]booking.Booking),
		contacts: make(map[string]booking.StudentID),
	}
}

// PutSession seeds or replaces a session.
func (f *Fake) PutSession(s booking.ExamSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

// PutBooking seeds a booking directly, bypassing the coordinator.
func (f *Fake) PutBooking(b booking.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings[b.ID] = b
}

// PutContact seeds an email -> student mapping.
func (f *Fake) PutContact(email string, student booking.StudentID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[email] = student
}

func (f *Fake) CreateBooking(_ context.Context, b booking.Booking) (booking.BookingID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	if b.ID == "" {
		b.ID = booking.BookingID(uuid.NewString())
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	f.bookings[b.ID] = b
	return b.ID, nil
}

func (f *Fake) GetBooking(_ context.Context, id booking.BookingID) (booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return booking.Booking{}, f.FailRead
	}
	b, ok := f.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrBookingNotFound
	}
	return b, nil
}

func (f *Fake) UpdateBookingStatus(_ context.Context, id booking.BookingID, from, to booking.BookingStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	b, ok := f.bookings[id]
	if !ok {
		return booking.ErrBookingNotFound
	}
	if b.Status != from {
		return fmt.Errorf("%w: %s -> %s", booking.ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	if to == booking.StatusCancelled {
		now := time.Now()
		b.CancelledAt = &now
	}
	f.bookings[id] = b
	return nil
}

func (f *Fake) GetSession(_ context.Context, id booking.SessionID) (booking.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return booking.ExamSession{}, f.FailRead
	}
	s, ok := f.sessions[id]
	if !ok {
		return booking.ExamSession{}, booking.ErrSessionNotFound
	}
	return s, nil
}

func (f *Fake) UpdateSession(_ context.Context, id booking.SessionID, patch booking.SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	s, ok := f.sessions[id]
	if !ok {
		return booking.ErrSessionNotFound
	}
	if patch.Capacity != nil {
		s.Capacity = *patch.Capacity
	}
	if patch.Active != nil {
		s.Active = *patch.Active
	}
	f.sessions[id] = s
	return nil
}

func (f *Fake) ListSessions(_ context.Context, ids []booking.SessionID) (map[booking.SessionID]booking.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[booking.SessionID]booking.ExamSession, len(ids))
	for _, id := range ids {
		if s, ok := f.sessions[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *Fake) StudentBookings(_ context.Context, student booking.StudentID) ([]booking.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return nil, f.FailRead
	}
	var out []booking.Booking
	for _, b := range f.bookings {
		if b.StudentID == student {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *Fake) FindStudentByEmail(_ context.Context, email string) (booking.StudentID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return "", f.FailRead
	}
	id, ok := f.contacts[email]
	if !ok {
		return "", booking.ErrStudentNotFound
	}
	return id, nil
}

// ActiveBookingCount recomputes the authoritative count, mirroring what
// the real CRM derives from its associations.
func (f *Fake) ActiveBookingCount(_ context.Context, id booking.SessionID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRead != nil {
		return 0, f.FailRead
	}
	n := 0
	for _, b := range f.bookings {
		if b.SessionID == id && b.Status.Active() {
			n++
		}
	}
	return n, nil
}
