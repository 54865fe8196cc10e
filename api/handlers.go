/*
handlers.go - HTTP handlers for the reservation kernel

PURPOSE:
  Exposes the kernel via REST. Handles HTTP request/response and JSON
  serialization, then delegates to the Coordinator.

ENDPOINTS:
  POST   /api/bookings                       Create a booking
  GET    /api/bookings?student_id=|email=    List bookings by identifier
  POST   /api/bookings/{id}/cancel           Cancel a booking
  POST   /api/bookings/{id}/complete         Mark completed (admin)
  POST   /api/bookings/{id}/no-show          Mark no-show (admin)
  GET    /api/students/{id}/bookings         List a student's bookings
  GET    /api/sessions/{id}/capacity         Advisory capacity read
  PATCH  /api/sessions/{id}                  Admin session edit
  GET    /healthz                            Liveness

ERROR HANDLING:
  Every failure maps the kernel's error taxonomy to a status code and a
  stable machine-readable kind. A duplicate submission is NOT an error:
  the coordinator replays the prior result and the handler returns 200
  with idempotent=true.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
  - booking/errors.go: the taxonomy being mapped
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/booking-engine/booking"
)

// Handler holds the handlers' single dependency: the coordinator.
type Handler struct {
	Coordinator *booking.Coordinator
}

func NewHandler(c *booking.Coordinator) *Handler {
	return &Handler{Coordinator: c}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking handles POST /api/bookings.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	examDate, err := time.Parse("2006-01-02", req.ExamDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "exam_date must be YYYY-MM-DD", nil)
		return
	}

	result, err := h.Coordinator.CreateBooking(r.Context(), booking.CreateRequest{
		StudentID: booking.StudentID(req.StudentID),
		ContactID: booking.ContactID(req.ContactID),
		SessionID: booking.SessionID(req.SessionID),
		ExamType:  booking.ExamType(req.ExamType),
		ExamDate:  examDate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateBookingResponse{
		BookingID: string(result.BookingID),
		CreditDetails: CreditDetailsDTO{
			PoolUsed:          string(result.Credits.PoolUsed),
			RemainingSpecific: result.Credits.RemainingSpecific,
			RemainingShared:   result.Credits.RemainingShared,
		},
		Idempotent: result.Idempotent,
	})
}

// CancelBooking handles POST /api/bookings/{id}/cancel.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The body is optional (reason only), but a malformed one is still a
	// client error.
	var req CancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	result, err := h.Coordinator.CancelBooking(r.Context(), booking.BookingID(id), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelBookingResponse{
		Status:       "cancelled",
		RestoredPool: string(result.RestoredPool),
	})
}

// CompleteBooking handles POST /api/bookings/{id}/complete.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Coordinator.MarkCompleted(r.Context(), booking.BookingID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// NoShowBooking handles POST /api/bookings/{id}/no-show.
func (h *Handler) NoShowBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Coordinator.MarkNoShow(r.Context(), booking.BookingID(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "no_show"})
}

// ListBookings handles GET /api/students/{id}/bookings and
// GET /api/bookings. The latter identifies the student by the
// student_id or email query parameter; email is resolved against the
// CRM's contact records.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	student := booking.StudentID(chi.URLParam(r, "id"))
	if student == "" {
		student = booking.StudentID(r.URL.Query().Get("student_id"))
	}
	email := r.URL.Query().Get("email")

	f := booking.ListFilter{
		Filter: r.URL.Query().Get("filter"),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 20),
	}

	bookings, pagination, err := h.Coordinator.ListBookings(r.Context(), student, email, f)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]BookingDTO, 0, len(bookings))
	for _, b := range bookings {
		dtos = append(dtos, toBookingDTO(b))
	}
	writeJSON(w, http.StatusOK, ListBookingsResponse{Bookings: dtos, Pagination: pagination})
}

// GetCapacity handles GET /api/sessions/{id}/capacity. Advisory only;
// the authoritative check happens at commit time.
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	id := booking.SessionID(chi.URLParam(r, "id"))

	avail, err := h.Coordinator.GetCapacity(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CapacityDTO{
		AvailableSlots: avail.Available,
		Capacity:       avail.Capacity,
		IsFull:         avail.IsFull,
	})
}

// PatchSession handles PATCH /api/sessions/{id} (admin capacity edits).
// The coordinator invalidates the cached counter so new bookings admit
// against the updated capacity.
func (h *Handler) PatchSession(w http.ResponseWriter, r *http.Request) {
	id := booking.SessionID(chi.URLParam(r, "id"))

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	session, err := h.Coordinator.UpdateSession(r.Context(), id, booking.SessionPatch{
		Capacity: req.Capacity,
		Active:   req.Active,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionDTO{
		ID:       string(session.ID),
		ExamType: string(session.Type),
		Location: session.Location,
		Capacity: session.Capacity,
		Active:   session.Active,
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func writeDomainError(w http.ResponseWriter, err error) {
	kind := booking.Kind(err)
	status := statusFor(err)

	var details any
	var conflictErr *booking.TimeConflictError
	var prereqErr *booking.PrerequisiteNotMetError
	switch {
	case errors.As(err, &conflictErr):
		list := make([]BookingDTO, 0, len(conflictErr.Conflicts))
		for _, b := range conflictErr.Conflicts {
			list = append(list, toBookingDTO(b))
		}
		details = map[string]any{"conflicts": list}
	case errors.As(err, &prereqErr):
		missing := make([]map[string]string, 0, len(prereqErr.Missing))
		for _, s := range prereqErr.Missing {
			missing = append(missing, map[string]string{
				"session_id": string(s.ID),
				"exam_type":  string(s.Type),
				"location":   s.Location,
			})
		}
		details = map[string]any{"missing_prerequisites": missing}
	}

	writeError(w, status, kind, err.Error(), details)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest
	case booking.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrCapacityFull),
		errors.Is(err, booking.ErrTimeConflict),
		errors.Is(err, booking.ErrBookingInFlight),
		errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, booking.ErrInsufficientCredits),
		errors.Is(err, booking.ErrPrerequisiteNotMet),
		errors.Is(err, booking.ErrSessionInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrSourceOfRecordUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, details any) {
	writeJSON(w, status, ErrorResponse{Kind: kind, Error: message, Details: details})
}

func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
