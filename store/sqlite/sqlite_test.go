package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "booking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// CAPACITY COUNTERS
// =============================================================================

func TestReserveSlot_IncrementsUntilCapacity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "session:s1:bookings", 0, time.Hour))

	for i := 1; i <= 2; i++ {
		ok, count, found, err := s.ReserveSlot(ctx, "session:s1:bookings", 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, found)
		assert.Equal(t, i, count)
	}

	ok, count, found, err := s.ReserveSlot(ctx, "session:s1:bookings", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, found)
	assert.Equal(t, 2, count)
}

func TestReserveSlot_MissingKey_ReportsNotFound(t *testing.T) {
	s := newStore(t)

	ok, _, found, err := s.ReserveSlot(context.Background(), "session:s1:bookings", 5)
	require.NoError(t, err)

	assert.False(t, ok)
	assert.False(t, found)
}

func TestReserveSlot_ExpiredKey_ReportsNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "session:s1:bookings", 0, time.Hour))

	clock := time.Now()
	s.now = func() time.Time { return clock.Add(2 * time.Hour) }

	ok, _, found, err := s.ReserveSlot(ctx, "session:s1:bookings", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, found)

	_, found, err = s.Get(ctx, "session:s1:bookings")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReserveSlot_Concurrent_NeverOverbooks(t *testing.T) {
	// GIVEN: A seeded counter with capacity 5
	// WHEN: 25 reservations race across goroutines
	// THEN: Exactly 5 succeed; the counter ends at exactly 5

	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "session:s1:bookings", 0, time.Hour))

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, _, _, err := s.ReserveSlot(ctx, "session:s1:bookings", 5)
			if assert.NoError(t, err) && reserved {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok)
	count, found, err := s.Get(ctx, "session:s1:bookings")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, count)
}

func TestReleaseSlot_FloorsAtZero(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "session:s1:bookings", 1, time.Hour))

	count, err := s.ReleaseSlot(ctx, "session:s1:bookings")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.ReleaseSlot(ctx, "session:s1:bookings")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestKeys_ExcludesExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "session:live:bookings", 0, time.Hour))
	require.NoError(t, s.Seed(ctx, "session:dead:bookings", 0, -time.Hour))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"session:live:bookings"}, keys)
}

func TestSeedLock_ExclusiveUntilReleased(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	got, err := s.AcquireSeedLock(ctx, "session:s1:bookings", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.AcquireSeedLock(ctx, "session:s1:bookings", time.Minute)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, s.ReleaseSeedLock(ctx, "session:s1:bookings"))

	got, err = s.AcquireSeedLock(ctx, "session:s1:bookings", time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}

// =============================================================================
// CREDIT ACCOUNTS
// =============================================================================

func TestDebit_ChecksBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	one := decimal.NewFromInt(1)
	require.NoError(t, s.SetBalance(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, one))

	ok, err := s.Debit(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, one)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Debit(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, one)
	require.NoError(t, err)
	assert.False(t, ok)

	specific, _, err := s.Balances(ctx, "stu-1", booking.ExamClinical)
	require.NoError(t, err)
	assert.True(t, specific.IsZero())
}

func TestDebit_Concurrent_ExactlyOneSuccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	one := decimal.NewFromInt(1)
	require.NoError(t, s.SetBalance(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, one))

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			debited, err := s.Debit(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, one)
			if assert.NoError(t, err) && debited {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
}

func TestCredit_CreatesMissingRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Credit(ctx, "stu-1", booking.ExamClinical, booking.PoolShared, decimal.NewFromInt(1)))

	_, shared, err := s.Balances(ctx, "stu-1", booking.ExamClinical)
	require.NoError(t, err)
	assert.True(t, shared.Equal(decimal.NewFromInt(1)))
}

func TestBalances_SharedPoolSpansExamTypes(t *testing.T) {
	// The shared row is keyed with an empty exam type, so every eligible
	// exam type reads the same shared balance.

	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "stu-1", booking.ExamClinical, booking.PoolShared, decimal.NewFromInt(3)))

	_, sharedClinical, err := s.Balances(ctx, "stu-1", booking.ExamClinical)
	require.NoError(t, err)
	_, sharedMini, err := s.Balances(ctx, "stu-1", booking.ExamMini)
	require.NoError(t, err)

	assert.True(t, sharedClinical.Equal(decimal.NewFromInt(3)))
	assert.True(t, sharedMini.Equal(sharedClinical))
}

func TestBalances_FractionalPreserved(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	half := decimal.RequireFromString("0.5")
	require.NoError(t, s.SetBalance(ctx, "stu-1", booking.ExamClinical, booking.PoolSpecific, half))

	specific, _, err := s.Balances(ctx, "stu-1", booking.ExamClinical)
	require.NoError(t, err)
	assert.True(t, specific.Equal(half))
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func TestClaim_SetIfNotExists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	claimed, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, existing, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.False(t, existing.Finalized)
}

func TestClaim_FinalizedRecord_ReturnsBookingID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, "key-1", "booking-42"))

	claimed, existing, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)

	assert.False(t, claimed)
	assert.True(t, existing.Finalized)
	assert.Equal(t, booking.BookingID("booking-42"), existing.BookingID)
}

func TestClaim_ExpiredRecord_Reclaimable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)

	clock := time.Now()
	s.now = func() time.Time { return clock.Add(2 * time.Minute) }

	claimed, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestFinalize_ExpiredClaim_ReplayStillWorks(t *testing.T) {
	// A slow request can outlive its claim. Finalize restarts the window
	// so a client retry inside it still replays.

	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)

	clock := time.Now()
	s.now = func() time.Time { return clock.Add(2 * time.Minute) }
	require.NoError(t, s.Finalize(ctx, "key-1", "booking-42"))

	claimed, existing, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)

	assert.False(t, claimed)
	assert.True(t, existing.Finalized)
	assert.Equal(t, booking.BookingID("booking-42"), existing.BookingID)
}

func TestRelease_FreesKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "key-1"))

	claimed, _, err := s.Claim(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

// =============================================================================
// BOOKINGS REPLICA
// =============================================================================

func seedBooking(t *testing.T, s *Store, id string, examDate time.Time, status booking.BookingStatus) {
	t.Helper()
	require.NoError(t, s.UpsertBooking(context.Background(), booking.Booking{
		ID:        booking.BookingID(id),
		StudentID: "stu-1",
		SessionID: "sess-1",
		ExamType:  booking.ExamClinical,
		ExamDate:  examDate,
		Status:    status,
		Pool:      booking.PoolSpecific,
		CreatedAt: time.Now(),
	}))
}

func TestUpsertBooking_UpdatesStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	future := time.Now().Add(48 * time.Hour)
	seedBooking(t, s, "b1", future, booking.StatusScheduled)

	cancelled := time.Now()
	require.NoError(t, s.UpsertBooking(ctx, booking.Booking{
		ID:          "b1",
		StudentID:   "stu-1",
		SessionID:   "sess-1",
		ExamType:    booking.ExamClinical,
		ExamDate:    future,
		Status:      booking.StatusCancelled,
		CreatedAt:   time.Now(),
		CancelledAt: &cancelled,
	}))

	list, _, err := s.ListBookings(ctx, "stu-1", booking.ListFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, booking.StatusCancelled, list[0].Status)
	assert.NotNil(t, list[0].CancelledAt)
}

func TestListBookings_UpcomingFilter(t *testing.T) {
	// GIVEN: A past booking, an upcoming scheduled one, and an upcoming
	//        cancelled one
	// WHEN: Listing with filter=upcoming
	// THEN: Only the upcoming scheduled booking is returned

	s := newStore(t)
	seedBooking(t, s, "past", time.Now().Add(-48*time.Hour), booking.StatusCompleted)
	seedBooking(t, s, "upcoming", time.Now().Add(48*time.Hour), booking.StatusScheduled)
	seedBooking(t, s, "cancelled", time.Now().Add(72*time.Hour), booking.StatusCancelled)

	list, pagination, err := s.ListBookings(context.Background(), "stu-1",
		booking.ListFilter{Filter: "upcoming", Page: 1, Limit: 10})
	require.NoError(t, err)

	require.Len(t, list, 1)
	assert.Equal(t, booking.BookingID("upcoming"), list[0].ID)
	assert.Equal(t, 1, pagination.Total)
}

func TestListBookings_PastFilter(t *testing.T) {
	s := newStore(t)
	seedBooking(t, s, "past", time.Now().Add(-48*time.Hour), booking.StatusCompleted)
	seedBooking(t, s, "upcoming", time.Now().Add(48*time.Hour), booking.StatusScheduled)

	list, _, err := s.ListBookings(context.Background(), "stu-1",
		booking.ListFilter{Filter: "past", Page: 1, Limit: 10})
	require.NoError(t, err)

	require.Len(t, list, 1)
	assert.Equal(t, booking.BookingID("past"), list[0].ID)
}

func TestListBookings_Pagination(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(24 * time.Hour)
	for i := 0; i < 5; i++ {
		seedBooking(t, s, "b"+string(rune('0'+i)), base.Add(time.Duration(i)*time.Hour), booking.StatusScheduled)
	}

	page1, pagination, err := s.ListBookings(context.Background(), "stu-1",
		booking.ListFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.Equal(t, 5, pagination.Total)
	assert.True(t, pagination.HasMore)

	page3, pagination, err := s.ListBookings(context.Background(), "stu-1",
		booking.ListFilter{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.False(t, pagination.HasMore)

	// Newest exam date first.
	assert.Equal(t, booking.BookingID("b4"), page1[0].ID)
}

func TestListBookings_OtherStudentInvisible(t *testing.T) {
	s := newStore(t)
	seedBooking(t, s, "b1", time.Now().Add(24*time.Hour), booking.StatusScheduled)

	list, pagination, err := s.ListBookings(context.Background(), "stu-2",
		booking.ListFilter{Page: 1, Limit: 10})
	require.NoError(t, err)

	assert.Empty(t, list)
	assert.Equal(t, 0, pagination.Total)
}
