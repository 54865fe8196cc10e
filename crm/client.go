/*
Package crm adapts the external CRM that is the system of record for
sessions and bookings.

PURPOSE:
  The CRM is slow (hundreds of ms) and occasionally unavailable. The
  kernel treats every call here as a blocking I/O point; a failure is
  fatal to the current request but never corrupts other requests'
  state. The Client implements booking.SourceOfRecord and
  capacity.Source over the CRM's HTTP API; the Fake (fake.go) backs
  tests and local development.

RESILIENCE:
  Per-call timeout and a single retry on 5xx/transport errors. GETs are
  safe to retry; booking creation carries the booking id chosen by the
  coordinator, so a replayed create is deduplicated upstream.

SEE ALSO:
  - booking/coordinator.go: the only caller during admission
  - fake.go: in-memory implementation with failure injection
*/
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp/booking-engine/booking"
)

// Client talks to the CRM's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type sessionRecord struct {
	ID            string    `json:"id"`
	Type          string    `json:"exam_type"`
	Date          time.Time `json:"exam_date"`
	Start         time.Time `json:"start_time"`
	End           time.Time `json:"end_time"`
	Location      string    `json:"location"`
	Capacity      int       `json:"capacity"`
	Active        bool      `json:"active"`
	Prerequisites []string  `json:"prerequisite_ids"`
}

type bookingRecord struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	ContactID   string     `json:"contact_id"`
	SessionID   string     `json:"exam_session_id"`
	ExamType    string     `json:"exam_type"`
	ExamDate    time.Time  `json:"exam_date"`
	Status      string     `json:"status"`
	CreditUsed  string     `json:"credit_type_used"`
	Start       time.Time  `json:"start_time"`
	End         time.Time  `json:"end_time"`
	CreatedAt   time.Time  `json:"created_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func (r sessionRecord) toDomain() booking.ExamSession {
	prereqs := make([]booking.SessionID, len(r.Prerequisites))
	for i, p := range r.Prerequisites {
		prereqs[i] = booking.SessionID(p)
	}
	return booking.ExamSession{
		ID:            booking.SessionID(r.ID),
		Type:          booking.ExamType(r.Type),
		Date:          r.Date,
		Start:         r.Start,
		End:           r.End,
		Location:      r.Location,
		Capacity:      r.Capacity,
		Active:        r.Active,
		Prerequisites: prereqs,
	}
}

func (r bookingRecord) toDomain() booking.Booking {
	return booking.Booking{
		ID:          booking.BookingID(r.ID),
		StudentID:   booking.StudentID(r.StudentID),
		ContactID:   booking.ContactID(r.ContactID),
		SessionID:   booking.SessionID(r.SessionID),
		ExamType:    booking.ExamType(r.ExamType),
		ExamDate:    r.ExamDate,
		Status:      booking.BookingStatus(r.Status),
		Pool:        booking.CreditPool(r.CreditUsed),
		Start:       r.Start,
		End:         r.End,
		CreatedAt:   r.CreatedAt,
		CancelledAt: r.CancelledAt,
	}
}

func fromDomain(b booking.Booking) bookingRecord {
	return bookingRecord{
		ID:          string(b.ID),
		StudentID:   string(b.StudentID),
		ContactID:   string(b.ContactID),
		SessionID:   string(b.SessionID),
		ExamType:    string(b.ExamType),
		ExamDate:    b.ExamDate,
		Status:      string(b.Status),
		CreditUsed:  string(b.Pool),
		Start:       b.Start,
		End:         b.End,
		CreatedAt:   b.CreatedAt,
		CancelledAt: b.CancelledAt,
	}
}

// =============================================================================
// SOURCE OF RECORD OPERATIONS
// =============================================================================

func (c *Client) CreateBooking(ctx context.Context, b booking.Booking) (booking.BookingID, error) {
	var out bookingRecord
	if err := c.call(ctx, http.MethodPost, "/bookings", fromDomain(b), &out); err != nil {
		return "", err
	}
	return booking.BookingID(out.ID), nil
}

func (c *Client) GetBooking(ctx context.Context, id booking.BookingID) (booking.Booking, error) {
	var out bookingRecord
	if err := c.call(ctx, http.MethodGet, "/bookings/"+string(id), nil, &out); err != nil {
		return booking.Booking{}, err
	}
	return out.toDomain(), nil
}

// UpdateBookingStatus transitions a booking only if its status in the
// CRM still equals from. The CRM answers 409 when the precondition
// fails, which maps to booking.ErrInvalidTransition.
func (c *Client) UpdateBookingStatus(ctx context.Context, id booking.BookingID, from, to booking.BookingStatus, reason string) error {
	patch := map[string]string{
		"status":          string(to),
		"expected_status": string(from),
		"reason":          reason,
	}
	return c.call(ctx, http.MethodPatch, "/bookings/"+string(id), patch, nil)
}

func (c *Client) GetSession(ctx context.Context, id booking.SessionID) (booking.ExamSession, error) {
	var out sessionRecord
	if err := c.call(ctx, http.MethodGet, "/sessions/"+string(id), nil, &out); err != nil {
		return booking.ExamSession{}, err
	}
	return out.toDomain(), nil
}

// UpdateSession patches session fields (an admin capacity edit is the
// common case). The caller is responsible for invalidating the counter.
func (c *Client) UpdateSession(ctx context.Context, id booking.SessionID, patch booking.SessionPatch) error {
	fields := make(map[string]any, 2)
	if patch.Capacity != nil {
		fields["capacity"] = *patch.Capacity
	}
	if patch.Active != nil {
		fields["active"] = *patch.Active
	}
	return c.call(ctx, http.MethodPatch, "/sessions/"+string(id), fields, nil)
}

func (c *Client) ListSessions(ctx context.Context, ids []booking.SessionID) (map[booking.SessionID]booking.ExamSession, error) {
	out := make(map[booking.SessionID]booking.ExamSession, len(ids))
	for _, id := range ids {
		s, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, nil
}

// StudentBookings returns every booking on the student's record. Uses
// the CRM's batch association read (contact -> bookings) under the hood.
func (c *Client) StudentBookings(ctx context.Context, student booking.StudentID) ([]booking.Booking, error) {
	assocs, err := c.BatchReadAssociations(ctx, []string{string(student)}, "bookings")
	if err != nil {
		return nil, err
	}
	var result []booking.Booking
	for _, a := range assocs {
		for _, rec := range a.Children {
			result = append(result, rec.toDomain())
		}
	}
	return result, nil
}

// FindStudentByEmail resolves a contact email to the student id on
// record.
func (c *Client) FindStudentByEmail(ctx context.Context, email string) (booking.StudentID, error) {
	var out struct {
		StudentID string `json:"student_id"`
	}
	path := "/contacts?email=" + url.QueryEscape(email)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return booking.StudentID(out.StudentID), nil
}

// ActiveBookingCount is the authoritative count used to reseed the
// capacity counter.
func (c *Client) ActiveBookingCount(ctx context.Context, id booking.SessionID) (int, error) {
	var out struct {
		Count int `json:"active_booking_count"`
	}
	if err := c.call(ctx, http.MethodGet, "/sessions/"+string(id)+"/active-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Association is one parent with its child records.
type Association struct {
	Parent   string          `json:"parent"`
	Children []bookingRecord `json:"children"`
}

// BatchReadAssociations reads child objects for many parents in one
// round trip.
func (c *Client) BatchReadAssociations(ctx context.Context, parentIDs []string, childType string) ([]Association, error) {
	req := map[string]any{"parent_ids": parentIDs, "child_type": childType}
	var out struct {
		Results []Association `json:"results"`
	}
	if err := c.call(ctx, http.MethodPost, "/associations/batch-read", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// call issues one request with a single retry on 5xx or transport error.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		retryable, err := c.once(ctx, method, path, in, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, in, out any) (retryable bool, err error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, notFoundFor(path)
	case resp.StatusCode == http.StatusConflict:
		// The CRM rejects conditional writes whose precondition no
		// longer holds with 409.
		return false, booking.ErrInvalidTransition
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("crm %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("crm %s %s: decode: %w", method, path, err)
		}
	}
	return false, nil
}

func notFoundFor(path string) error {
	switch {
	case strings.HasPrefix(path, "/sessions"):
		return booking.ErrSessionNotFound
	case strings.HasPrefix(path, "/contacts"):
		return booking.ErrStudentNotFound
	default:
		return booking.ErrBookingNotFound
	}
}
