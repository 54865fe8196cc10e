package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/capacity"
	"github.com/warp/booking-engine/credits"
	"github.com/warp/booking-engine/crm"
	"github.com/warp/booking-engine/idempotency"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/store/sqlite"
)

// =============================================================================
// TEST SERVER
// =============================================================================

type env struct {
	server   *httptest.Server
	source   *crm.Fake
	accounts *credits.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()

	source := crm.NewFake()
	accounts := credits.NewMemory()
	secondary, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { secondary.Close() })

	coordinator := booking.NewCoordinator(
		idempotency.NewGuard(idempotency.NewMemory(), idempotency.DefaultTTL),
		capacity.NewCache(capacity.NewMemory(), source, capacity.DefaultTTL),
		credits.NewLedger(accounts, credits.DefaultPoolPolicy()),
		source,
		secondary,
		notify.NewBus(),
	)

	server := httptest.NewServer(NewRouter(NewHandler(coordinator)))
	t.Cleanup(server.Close)

	return &env{server: server, source: source, accounts: accounts}
}

func (e *env) seed(t *testing.T, sessionID string, cap int, creditBalance int64) {
	t.Helper()
	e.source.PutSession(booking.ExamSession{
		ID:       booking.SessionID(sessionID),
		Type:     booking.ExamClinical,
		Date:     time.Date(2030, 9, 15, 0, 0, 0, 0, time.UTC),
		Start:    time.Date(2030, 9, 15, 14, 0, 0, 0, time.UTC),
		End:      time.Date(2030, 9, 15, 15, 0, 0, 0, time.UTC),
		Location: "Toronto",
		Capacity: cap,
		Active:   true,
	})
	e.accounts.SetBalance("stu-1", booking.ExamClinical, booking.PoolSpecific,
		decimal.NewFromInt(creditBalance))
}

func (e *env) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *env) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func validCreate() CreateBookingRequest {
	return CreateBookingRequest{
		StudentID: "stu-1",
		ContactID: "contact-1",
		SessionID: "sess-1",
		ExamType:  "clinical",
		ExamDate:  "2030-09-15",
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateBookingEndpoint_Success(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 3, 2)

	resp, body := e.post(t, "/api/bookings", validCreate())

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out CreateBookingResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.BookingID)
	assert.False(t, out.Idempotent)
	assert.Equal(t, "specific", out.CreditDetails.PoolUsed)
	assert.Equal(t, "1", out.CreditDetails.RemainingSpecific)
}

func TestCreateBookingEndpoint_Duplicate_Returns200(t *testing.T) {
	// GIVEN: A committed booking
	// WHEN: The identical request is POSTed again
	// THEN: 200 (not 201), same booking id, idempotent=true

	e := newEnv(t)
	e.seed(t, "sess-1", 3, 2)

	first, firstBody := e.post(t, "/api/bookings", validCreate())
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var created CreateBookingResponse
	require.NoError(t, json.Unmarshal(firstBody, &created))

	second, secondBody := e.post(t, "/api/bookings", validCreate())
	require.Equal(t, http.StatusOK, second.StatusCode)
	var replayed CreateBookingResponse
	require.NoError(t, json.Unmarshal(secondBody, &replayed))

	assert.Equal(t, created.BookingID, replayed.BookingID)
	assert.True(t, replayed.Idempotent)
}

func TestCreateBookingEndpoint_BadDate_400(t *testing.T) {
	e := newEnv(t)
	req := validCreate()
	req.ExamDate = "15/09/2026"

	resp, body := e.post(t, "/api/bookings", req)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "validation_error", out.Kind)
}

func TestCreateBookingEndpoint_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		seed   func(t *testing.T, e *env)
		mut    func(r *CreateBookingRequest)
		status int
		kind   string
	}{
		{
			name:   "unknown exam type",
			seed:   func(t *testing.T, e *env) { e.seed(t, "sess-1", 3, 1) },
			mut:    func(r *CreateBookingRequest) { r.ExamType = "oral" },
			status: http.StatusBadRequest,
			kind:   "validation_error",
		},
		{
			name:   "unknown session",
			seed:   func(t *testing.T, e *env) {},
			status: http.StatusNotFound,
			kind:   "not_found",
		},
		{
			name:   "capacity full",
			seed:   func(t *testing.T, e *env) { e.seed(t, "sess-1", 0, 1) },
			status: http.StatusConflict,
			kind:   "capacity_full",
		},
		{
			name:   "insufficient credits",
			seed:   func(t *testing.T, e *env) { e.seed(t, "sess-1", 3, 0) },
			status: http.StatusUnprocessableEntity,
			kind:   "insufficient_credits",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newEnv(t)
			c.seed(t, e)
			req := validCreate()
			if c.mut != nil {
				c.mut(&req)
			}

			resp, body := e.post(t, "/api/bookings", req)

			assert.Equal(t, c.status, resp.StatusCode)
			var out ErrorResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, c.kind, out.Kind)
		})
	}
}

func TestCreateBookingEndpoint_TimeConflict_DetailsIncluded(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)
	e.source.PutBooking(booking.Booking{
		ID:        "existing",
		StudentID: "stu-1",
		SessionID: "sess-other",
		Status:    booking.StatusScheduled,
		Start:     time.Date(2030, 9, 15, 14, 30, 0, 0, time.UTC),
		End:       time.Date(2030, 9, 15, 15, 30, 0, 0, time.UTC),
	})

	resp, body := e.post(t, "/api/bookings", validCreate())

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "time_conflict", out.Kind)
	details, ok := out.Details.(map[string]any)
	require.True(t, ok)
	assert.Len(t, details["conflicts"], 1)
}

// =============================================================================
// CANCEL / TRANSITIONS
// =============================================================================

func TestCancelBookingEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)

	_, createBody := e.post(t, "/api/bookings", validCreate())
	var created CreateBookingResponse
	require.NoError(t, json.Unmarshal(createBody, &created))

	resp, body := e.post(t, "/api/bookings/"+created.BookingID+"/cancel",
		CancelBookingRequest{Reason: "sick"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out CancelBookingResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "cancelled", out.Status)
	assert.Equal(t, "specific", out.RestoredPool)

	// Cancelling again hits the status machine.
	resp, body = e.post(t, "/api/bookings/"+created.BookingID+"/cancel", CancelBookingRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var errOut ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errOut))
	assert.Equal(t, "invalid_transition", errOut.Kind)
}

func TestCancelBookingEndpoint_Unknown_404(t *testing.T) {
	e := newEnv(t)

	resp, body := e.post(t, "/api/bookings/nope/cancel", CancelBookingRequest{})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "not_found", out.Kind)
}

func TestCancelBookingEndpoint_MalformedBody_400(t *testing.T) {
	// An empty body is fine (the reason is optional); broken JSON is not.

	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)

	_, createBody := e.post(t, "/api/bookings", validCreate())
	var created CreateBookingResponse
	require.NoError(t, json.Unmarshal(createBody, &created))

	resp, err := http.Post(e.server.URL+"/api/bookings/"+created.BookingID+"/cancel",
		"application/json", bytes.NewReader([]byte(`{"reason":`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The booking is untouched and a well-formed cancel still succeeds.
	okResp, _ := e.post(t, "/api/bookings/"+created.BookingID+"/cancel", CancelBookingRequest{})
	assert.Equal(t, http.StatusOK, okResp.StatusCode)
}

func TestCompleteBookingEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)

	_, createBody := e.post(t, "/api/bookings", validCreate())
	var created CreateBookingResponse
	require.NoError(t, json.Unmarshal(createBody, &created))

	resp, _ := e.post(t, "/api/bookings/"+created.BookingID+"/complete", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.post(t, "/api/bookings/"+created.BookingID+"/no-show", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// READS
// =============================================================================

func TestGetCapacityEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 2, 1)

	resp, body := e.get(t, "/api/sessions/sess-1/capacity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var before CapacityDTO
	require.NoError(t, json.Unmarshal(body, &before))
	assert.Equal(t, 2, before.AvailableSlots)
	assert.False(t, before.IsFull)

	e.post(t, "/api/bookings", validCreate())

	_, body = e.get(t, "/api/sessions/sess-1/capacity")
	var after CapacityDTO
	require.NoError(t, json.Unmarshal(body, &after))
	assert.Equal(t, 1, after.AvailableSlots)
}

func TestListBookingsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)
	e.post(t, "/api/bookings", validCreate())

	resp, body := e.get(t, "/api/students/stu-1/bookings?filter=upcoming")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ListBookingsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Bookings, 1)
	assert.Equal(t, "scheduled", out.Bookings[0].Status)
	assert.Equal(t, "sess-1", out.Bookings[0].SessionID)
	assert.Equal(t, 1, out.Pagination.Total)
	assert.Equal(t, 20, out.Pagination.Limit)
}

func TestListBookingsEndpoint_ByEmail(t *testing.T) {
	// GIVEN: A contact email on record for the booking student
	// WHEN: Listing via /api/bookings?email=...
	// THEN: The email resolves to the student's bookings

	e := newEnv(t)
	e.seed(t, "sess-1", 3, 1)
	e.source.PutContact("amina@example.com", "stu-1")
	e.post(t, "/api/bookings", validCreate())

	resp, body := e.get(t, "/api/bookings?email=amina%40example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ListBookingsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Bookings, 1)
	assert.Equal(t, "stu-1", out.Bookings[0].StudentID)
}

func TestListBookingsEndpoint_UnknownEmail_404(t *testing.T) {
	e := newEnv(t)

	resp, body := e.get(t, "/api/bookings?email=nobody%40example.com")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "not_found", out.Kind)
}

func TestListBookingsEndpoint_NoIdentifier_400(t *testing.T) {
	e := newEnv(t)

	resp, body := e.get(t, "/api/bookings")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "validation_error", out.Kind)
}

func TestPatchSessionEndpoint(t *testing.T) {
	// GIVEN: A full session
	// WHEN: An admin raises its capacity
	// THEN: The capacity read reflects the new limit immediately

	e := newEnv(t)
	e.seed(t, "sess-1", 1, 1)
	e.post(t, "/api/bookings", validCreate())

	payload, err := json.Marshal(UpdateSessionRequest{Capacity: intPtr(3)})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, e.server.URL+"/api/sessions/sess-1", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SessionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 3, out.Capacity)

	_, body := e.get(t, "/api/sessions/sess-1/capacity")
	var capOut CapacityDTO
	require.NoError(t, json.Unmarshal(body, &capOut))
	assert.Equal(t, 2, capOut.AvailableSlots)
	assert.Equal(t, 3, capOut.Capacity)
}

func intPtr(n int) *int { return &n }

func TestHealthzEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, body := e.get(t, "/healthz")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
