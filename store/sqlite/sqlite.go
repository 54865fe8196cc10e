/*
Package sqlite provides the shared SQLite-backed implementation of the
kernel's storage interfaces.

PURPOSE:
  One Store implements all four shared-state interfaces:
    booking.SecondaryStore    - read-scaling bookings replica
    capacity.CounterStore     - atomic per-session seat counters
    credits.AccountStore      - atomic per-student balances
    idempotency.Store         - request claims with TTL
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

ATOMICITY:
  The overbooking and double-spend invariants are enforced here, not in
  callers:
  - ReserveSlot is a single conditional UPDATE (increment-if-below).
  - Debit runs inside BEGIN IMMEDIATE, which takes the write lock before
    the balance is read, making check-and-subtract one atomic step.
  - Claim is check-then-insert inside BEGIN IMMEDIATE.

WAL MODE:
  SQLite is opened with WAL so readers don't block and a single writer
  serializes the atomic operations above.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil { log.Fatal(err) }
  defer store.Close()

SEE ALSO:
  - capacity/memory.go, credits/memory.go, idempotency/memory.go: the
    in-memory twins used by tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/idempotency"
)

// Store implements all shared storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and migrates) the database. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	// _txlock=immediate makes BeginTx take the write lock up front, so
	// read-then-write transactions are atomic check-and-mutate steps.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Secondary bookings replica (write-through from the coordinator)
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		contact_id TEXT,
		session_id TEXT NOT NULL,
		exam_type TEXT NOT NULL,
		exam_date TEXT NOT NULL,
		status TEXT NOT NULL,
		credit_pool TEXT,
		start_time TEXT,
		end_time TEXT,
		created_at TEXT NOT NULL,
		cancelled_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_bookings_student
		ON bookings(student_id, exam_date DESC);
	CREATE INDEX IF NOT EXISTS idx_bookings_session_status
		ON bookings(session_id, status);

	-- Capacity counters with self-healing expiry
	CREATE TABLE IF NOT EXISTS capacity_counters (
		key TEXT PRIMARY KEY,
		count INTEGER NOT NULL CHECK (count >= 0),
		expires_at INTEGER NOT NULL
	);

	-- Seeding markers (one concurrent reseeder per key)
	CREATE TABLE IF NOT EXISTS seed_locks (
		key TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);

	-- Credit balances; exam_type is '' for the shared pool row
	CREATE TABLE IF NOT EXISTS credit_accounts (
		student_id TEXT NOT NULL,
		pool TEXT NOT NULL,
		exam_type TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL,
		PRIMARY KEY (student_id, pool, exam_type)
	);

	-- Idempotency claims with TTL
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		booking_id TEXT,
		finalized INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// immediate runs fn inside a write-locked transaction (see _txlock in
// New): check-and-mutate becomes one atomic step.
func (s *Store) immediate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// SECONDARY STORE (bookings replica)
// =============================================================================

func (s *Store) UpsertBooking(ctx context.Context, b booking.Booking) error {
	var cancelledAt any
	if b.CancelledAt != nil {
		cancelledAt = b.CancelledAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, student_id, contact_id, session_id, exam_type,
			exam_date, status, credit_pool, start_time, end_time, created_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cancelled_at = excluded.cancelled_at`,
		b.ID, b.StudentID, b.ContactID, b.SessionID, b.ExamType,
		b.ExamDate.UTC().Format(time.RFC3339), b.Status, b.Pool,
		timeOrEmpty(b.Start), timeOrEmpty(b.End),
		b.CreatedAt.UTC().Format(time.RFC3339), cancelledAt)
	return err
}

func (s *Store) ListBookings(ctx context.Context, student booking.StudentID, f booking.ListFilter) ([]booking.Booking, booking.Pagination, error) {
	where := "student_id = ?"
	args := []any{student}
	nowStr := s.now().UTC().Format(time.RFC3339)
	switch f.Filter {
	case "upcoming":
		where += " AND exam_date >= ? AND status = ?"
		args = append(args, nowStr, booking.StatusScheduled)
	case "past":
		where += " AND exam_date < ?"
		args = append(args, nowStr)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings WHERE "+where, args...).Scan(&total); err != nil {
		return nil, booking.Pagination{}, err
	}

	offset := (f.Page - 1) * f.Limit
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, contact_id, session_id, exam_type, exam_date,
			status, credit_pool, start_time, end_time, created_at, cancelled_at
		FROM bookings WHERE `+where+`
		ORDER BY exam_date DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, offset)...)
	if err != nil {
		return nil, booking.Pagination{}, err
	}
	defer rows.Close()

	var result []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, booking.Pagination{}, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, booking.Pagination{}, err
	}

	return result, booking.Pagination{
		Page:    f.Page,
		Limit:   f.Limit,
		Total:   total,
		HasMore: offset+len(result) < total,
	}, nil
}

func scanBooking(rows *sql.Rows) (booking.Booking, error) {
	var b booking.Booking
	var contact, pool, start, end, cancelled sql.NullString
	var examDate, createdAt string
	if err := rows.Scan(&b.ID, &b.StudentID, &contact, &b.SessionID, &b.ExamType,
		&examDate, &b.Status, &pool, &start, &end, &createdAt, &cancelled); err != nil {
		return booking.Booking{}, err
	}
	b.ContactID = booking.ContactID(contact.String)
	b.Pool = booking.CreditPool(pool.String)
	b.ExamDate, _ = time.Parse(time.RFC3339, examDate)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if start.Valid && start.String != "" {
		b.Start, _ = time.Parse(time.RFC3339, start.String)
	}
	if end.Valid && end.String != "" {
		b.End, _ = time.Parse(time.RFC3339, end.String)
	}
	if cancelled.Valid && cancelled.String != "" {
		t, err := time.Parse(time.RFC3339, cancelled.String)
		if err == nil {
			b.CancelledAt = &t
		}
	}
	return b, nil
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// CAPACITY COUNTER STORE
// =============================================================================

func (s *Store) Get(ctx context.Context, key string) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM capacity_counters WHERE key = ? AND expires_at > ?",
		key, s.now().Unix()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// ReserveSlot is the single atomic increment-if-below; the conditional
// UPDATE is the entire admission decision.
func (s *Store) ReserveSlot(ctx context.Context, key string, capacity int) (bool, int, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capacity_counters SET count = count + 1
		WHERE key = ? AND expires_at > ? AND count + 1 <= ?`,
		key, s.now().Unix(), capacity)
	if err != nil {
		return false, 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, false, err
	}
	count, found, err := s.Get(ctx, key)
	if err != nil {
		return false, 0, false, err
	}
	if n == 1 {
		if !found {
			// Expired between the update and the read; the caller reseeds.
			return false, 0, false, nil
		}
		return true, count, true, nil
	}
	return false, count, found, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, key string) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE capacity_counters SET count = count - 1
		WHERE key = ? AND expires_at > ? AND count > 0`,
		key, s.now().Unix()); err != nil {
		return 0, err
	}
	count, _, err := s.Get(ctx, key)
	return count, err
}

func (s *Store) Seed(ctx context.Context, key string, count int, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capacity_counters (key, count, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET count = excluded.count, expires_at = excluded.expires_at`,
		key, count, s.now().Add(ttl).Unix())
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM capacity_counters WHERE key = ?", key)
	return err
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM capacity_counters WHERE expires_at > ?", s.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) AcquireSeedLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.immediate(ctx, func(tx *sql.Tx) error {
		var expires int64
		err := tx.QueryRowContext(ctx, "SELECT expires_at FROM seed_locks WHERE key = ?", key).Scan(&expires)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && expires > s.now().Unix() {
			return nil // held by someone else
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seed_locks (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
			key, s.now().Add(ttl).Unix()); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseSeedLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM seed_locks WHERE key = ?", key)
	return err
}

// =============================================================================
// CREDIT ACCOUNT STORE
// =============================================================================

func poolRow(examType booking.ExamType, pool booking.CreditPool) string {
	if pool == booking.PoolShared {
		return ""
	}
	return string(examType)
}

func (s *Store) Balances(ctx context.Context, student booking.StudentID, examType booking.ExamType) (decimal.Decimal, decimal.Decimal, error) {
	specific, err := s.balance(ctx, s.db, student, booking.PoolSpecific, string(examType))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	shared, err := s.balance(ctx, s.db, student, booking.PoolShared, "")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return specific, shared, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) balance(ctx context.Context, q queryRower, student booking.StudentID, pool booking.CreditPool, examType string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		"SELECT balance FROM credit_accounts WHERE student_id = ? AND pool = ? AND exam_type = ?",
		student, pool, examType).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Debit is check-and-subtract under the write lock (BEGIN IMMEDIATE):
// two concurrent debits against a balance of 1 serialize here and
// exactly one succeeds.
func (s *Store) Debit(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) (bool, error) {
	ok := false
	err := s.immediate(ctx, func(tx *sql.Tx) error {
		balance, err := s.balance(ctx, tx, student, pool, poolRow(examType, pool))
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE credit_accounts SET balance = ? WHERE student_id = ? AND pool = ? AND exam_type = ?",
			balance.Sub(amount).String(), student, pool, poolRow(examType, pool)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *Store) Credit(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, amount decimal.Decimal) error {
	return s.immediate(ctx, func(tx *sql.Tx) error {
		balance, err := s.balance(ctx, tx, student, pool, poolRow(examType, pool))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_accounts (student_id, pool, exam_type, balance) VALUES (?, ?, ?, ?)
			ON CONFLICT(student_id, pool, exam_type) DO UPDATE SET balance = excluded.balance`,
			student, pool, poolRow(examType, pool), balance.Add(amount).String())
		return err
	})
}

// SetBalance seeds a balance (admin grants, dev fixtures).
func (s *Store) SetBalance(ctx context.Context, student booking.StudentID, examType booking.ExamType, pool booking.CreditPool, v decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (student_id, pool, exam_type, balance) VALUES (?, ?, ?, ?)
		ON CONFLICT(student_id, pool, exam_type) DO UPDATE SET balance = excluded.balance`,
		student, pool, poolRow(examType, pool), v.String())
	return err
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, idempotency.Record, error) {
	var claimed bool
	var existing idempotency.Record
	err := s.immediate(ctx, func(tx *sql.Tx) error {
		var bookingID sql.NullString
		var finalized int
		var expires int64
		err := tx.QueryRowContext(ctx,
			"SELECT booking_id, finalized, expires_at FROM idempotency_records WHERE key = ?",
			key).Scan(&bookingID, &finalized, &expires)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && expires > s.now().Unix() {
			existing = idempotency.Record{
				Key:       key,
				BookingID: booking.BookingID(bookingID.String),
				Finalized: finalized == 1,
				ExpiresAt: time.Unix(expires, 0),
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (key, booking_id, finalized, expires_at) VALUES (?, NULL, 0, ?)
			ON CONFLICT(key) DO UPDATE SET booking_id = NULL, finalized = 0, expires_at = excluded.expires_at`,
			key, s.now().Add(ttl).Unix()); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, existing, err
}

func (s *Store) Finalize(ctx context.Context, key string, id booking.BookingID) error {
	// A claim that expired (or vanished) mid-request gets its window
	// restarted so the replay still works for a full retry interval.
	fresh := s.now().Add(idempotency.DefaultTTL).Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, booking_id, finalized, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			booking_id = excluded.booking_id,
			finalized = 1,
			expires_at = CASE
				WHEN idempotency_records.expires_at <= ? THEN excluded.expires_at
				ELSE idempotency_records.expires_at
			END`,
		key, id, fresh, s.now().Unix())
	return err
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_records WHERE key = ?", key)
	return err
}
