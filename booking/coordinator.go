/*
coordinator.go - Reservation orchestration (commit/rollback sequence)

PURPOSE:
  Turns a booking request into a durable, capacity-safe, idempotent,
  conflict-free allocation. The Coordinator owns the ordering:

    1. IdempotencyGuard  - replay a prior result, touch nothing else
    2. CapacityCache     - atomic increment-if-below-capacity
    3. CreditLedger      - atomic debit, specific pool then shared
    4. FindConflicts     - half-open interval overlap
    5. IsSatisfied       - prerequisite OR-gate
    6. SourceOfRecord    - durable persist; only then is anything final

  Any failure after step 2 unwinds the prior successful mutations in
  reverse order (capacity release, credit restore, claim release). A
  persist failure additionally clears the idempotency claim, since
  nothing durable was created. If compensation itself fails, the error
  escalates as a PartialCommitError and a reconciliation event - it is
  never silently dropped.

CONCURRENCY:
  Many processes run this sequence against the same shared stores.
  Correctness rests on the atomicity of CapacityCache.TryReserve and
  CreditLedger.TryDebit at the storage layer; the Coordinator holds no
  lock of its own. Once step 6 begins, the sequence runs to completion
  or failure - no user-facing timeout abandons a mid-flight write.

SEE ALSO:
  - capacity/: CounterStore and the self-healing cache
  - credits/: pool policy and atomic debit
  - idempotency/: claim/finalize/release
  - crm/: the system-of-record adapter
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================
// The Coordinator accepts interfaces; concrete implementations live in
// capacity/, credits/, idempotency/, crm/, store/sqlite/, and notify/.

// CapacityCache is the fast authoritative seat counter per session.
type CapacityCache interface {
	// TryReserve atomically takes one slot if the session is not full.
	TryReserve(ctx context.Context, id SessionID) (Reservation, error)

	// Release atomically gives one slot back, floored at zero.
	Release(ctx context.Context, id SessionID) error

	// GetAvailable is the advisory read used by capacity polling.
	GetAvailable(ctx context.Context, id SessionID) (Availability, error)

	// Invalidate drops the cached counter so the next read reseeds.
	Invalidate(ctx context.Context, id SessionID) error
}

// CreditLedger is the per-student token balance across pools.
type CreditLedger interface {
	CheckEligible(ctx context.Context, student StudentID, examType ExamType) (Eligibility, error)

	// TryDebit atomically consumes one credit, specific pool first.
	TryDebit(ctx context.Context, student StudentID, examType ExamType) (DebitResult, error)

	// Restore credits one token back to the pool originally debited.
	Restore(ctx context.Context, student StudentID, examType ExamType, pool CreditPool) error
}

// ClaimResult is the outcome of an idempotency check.
type ClaimResult struct {
	New       bool
	InFlight  bool
	BookingID BookingID
}

// IdempotencyGuard detects repeat submissions of the same logical request.
type IdempotencyGuard interface {
	CheckOrClaim(ctx context.Context, key IdempotencyKey) (ClaimResult, error)
	Finalize(ctx context.Context, key IdempotencyKey, id BookingID) error
	Release(ctx context.Context, key IdempotencyKey) error
}

// SessionPatch is an admin edit to a session. Nil fields are untouched.
type SessionPatch struct {
	Capacity *int
	Active   *bool
}

// SourceOfRecord is the durable external store (a CRM). Slow and
// occasionally unavailable; failures here are fatal to the current
// request but never corrupt other requests' state.
type SourceOfRecord interface {
	CreateBooking(ctx context.Context, b Booking) (BookingID, error)
	GetBooking(ctx context.Context, id BookingID) (Booking, error)

	// UpdateBookingStatus transitions the booking only if its current
	// status still equals from; otherwise it returns ErrInvalidTransition
	// and mutates nothing. This conditional write is the authoritative
	// transition guard: concurrent cancels serialize here, not on the
	// caller's earlier read.
	UpdateBookingStatus(ctx context.Context, id BookingID, from, to BookingStatus, reason string) error

	GetSession(ctx context.Context, id SessionID) (ExamSession, error)
	UpdateSession(ctx context.Context, id SessionID, patch SessionPatch) error
	ListSessions(ctx context.Context, ids []SessionID) (map[SessionID]ExamSession, error)
	StudentBookings(ctx context.Context, student StudentID) ([]Booking, error)
	FindStudentByEmail(ctx context.Context, email string) (StudentID, error)
}

// SecondaryStore is the eventually consistent read-scaling replica.
type SecondaryStore interface {
	UpsertBooking(ctx context.Context, b Booking) error
	ListBookings(ctx context.Context, student StudentID, f ListFilter) ([]Booking, Pagination, error)
}

// Publisher propagates cache-invalidation and booking events. In-process
// bus by default, AMQP in production; never a correctness mechanism.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Event topics.
const (
	EventBookingCreated   = "booking.created"
	EventBookingCancelled = "booking.cancelled"
	EventCacheInvalidate  = "cache.invalidate"
	EventReconcileNeeded  = "reconcile.required"
)

// =============================================================================
// REQUEST / RESULT TYPES
// =============================================================================

// CreateRequest is a client booking request.
type CreateRequest struct {
	StudentID StudentID
	ContactID ContactID
	SessionID SessionID
	ExamType  ExamType
	ExamDate  time.Time
}

// CreditDetails reports the pool used and the remaining balances.
type CreditDetails struct {
	PoolUsed          CreditPool
	RemainingSpecific string
	RemainingShared   string
}

// CreateResult is the outcome of a successful (or replayed) booking.
type CreateResult struct {
	BookingID  BookingID
	Credits    CreditDetails
	Idempotent bool
}

// CancelResult reports what a cancellation restored.
type CancelResult struct {
	RestoredPool CreditPool
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator orchestrates the reservation kernel. Construct once per
// process and inject everywhere; it holds no mutable state of its own.
type Coordinator struct {
	Guard     IdempotencyGuard
	Capacity  CapacityCache
	Credits   CreditLedger
	Source    SourceOfRecord
	Secondary SecondaryStore
	Events    Publisher

	tracer trace.Tracer
	now    func() time.Time
}

// NewCoordinator wires the kernel together.
func NewCoordinator(guard IdempotencyGuard, cap CapacityCache, credits CreditLedger,
	source SourceOfRecord, secondary SecondaryStore, events Publisher) *Coordinator {
	return &Coordinator{
		Guard:     guard,
		Capacity:  cap,
		Credits:   credits,
		Source:    source,
		Secondary: secondary,
		Events:    events,
		tracer:    otel.Tracer("booking-engine/coordinator"),
		now:       time.Now,
	}
}

// CreateBooking runs the full admission sequence. See the file header
// for ordering and compensation rules.
func (c *Coordinator) CreateBooking(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := c.tracer.Start(ctx, "CreateBooking",
		trace.WithAttributes(
			attribute.String("student_id", string(req.StudentID)),
			attribute.String("session_id", string(req.SessionID)),
			attribute.String("exam_type", string(req.ExamType)),
		))
	defer span.End()

	if err := validateCreate(req); err != nil {
		return CreateResult{}, err
	}

	// Step 1: idempotency. A prior result is replayed with no side effects.
	key := NewIdempotencyKey(req.StudentID, req.SessionID, req.ExamDate, req.ExamType)
	claim, err := c.Guard.CheckOrClaim(ctx, key)
	if err != nil {
		return CreateResult{}, fmt.Errorf("idempotency check: %w", err)
	}
	if !claim.New {
		if claim.InFlight {
			return CreateResult{}, ErrBookingInFlight
		}
		span.SetAttributes(attribute.Bool("idempotent_replay", true))
		return c.replay(ctx, claim.BookingID, req)
	}

	// The claim is held from here on; every failure path releases it so a
	// later legitimate retry is not mistaken for an in-flight request.
	session, err := c.Source.GetSession(ctx, req.SessionID)
	if err != nil {
		c.releaseClaim(ctx, key)
		if IsNotFound(err) {
			return CreateResult{}, err
		}
		return CreateResult{}, fmt.Errorf("%w: get session %s: %v", ErrSourceOfRecordUnavailable, req.SessionID, err)
	}
	if !session.Active {
		c.releaseClaim(ctx, key)
		return CreateResult{}, fmt.Errorf("%w: %s", ErrSessionInactive, session.ID)
	}

	// Step 2: capacity. Atomic increment-if-below at the shared store.
	res, err := c.Capacity.TryReserve(ctx, req.SessionID)
	if err != nil {
		c.releaseClaim(ctx, key)
		return CreateResult{}, fmt.Errorf("capacity reserve: %w", err)
	}
	if !res.OK {
		c.releaseClaim(ctx, key)
		return CreateResult{}, &CapacityFullError{SessionID: session.ID, Capacity: session.Capacity}
	}

	// Step 3: credits. On failure, undo the capacity reservation.
	debit, err := c.Credits.TryDebit(ctx, req.StudentID, req.ExamType)
	if err != nil {
		c.compensate(ctx, key, req, "", false)
		return CreateResult{}, fmt.Errorf("credit debit: %w", err)
	}
	if !debit.OK {
		c.compensate(ctx, key, req, "", false)
		elig, eligErr := c.Credits.CheckEligible(ctx, req.StudentID, req.ExamType)
		insufficient := &InsufficientCreditsError{StudentID: req.StudentID, ExamType: req.ExamType}
		if eligErr == nil {
			insufficient.Specific = elig.Specific
			insufficient.Shared = elig.Shared
		}
		return CreateResult{}, insufficient
	}

	// Steps 4-5 read the student's booking set once.
	history, err := c.Source.StudentBookings(ctx, req.StudentID)
	if err != nil {
		c.compensate(ctx, key, req, debit.Pool, true)
		return CreateResult{}, fmt.Errorf("%w: student bookings: %v", ErrSourceOfRecordUnavailable, err)
	}

	if conflicts := FindConflicts(history, session); len(conflicts) > 0 {
		c.compensate(ctx, key, req, debit.Pool, true)
		return CreateResult{}, &TimeConflictError{SessionID: session.ID, Conflicts: conflicts}
	}

	if !IsSatisfied(session.Prerequisites, history) {
		c.compensate(ctx, key, req, debit.Pool, true)
		catalog, catErr := c.Source.ListSessions(ctx, session.Prerequisites)
		if catErr != nil {
			catalog = nil
		}
		return CreateResult{}, &PrerequisiteNotMetError{
			SessionID: session.ID,
			Missing:   MissingPrerequisites(session.Prerequisites, history, catalog),
		}
	}

	// Step 6: durable persist. From here the sequence runs to completion.
	now := c.now()
	b := Booking{
		ID:        BookingID(uuid.NewString()),
		StudentID: req.StudentID,
		ContactID: req.ContactID,
		SessionID: req.SessionID,
		ExamType:  req.ExamType,
		ExamDate:  req.ExamDate,
		Status:    StatusScheduled,
		Pool:      debit.Pool,
		Start:     session.Start,
		End:       session.End,
		CreatedAt: now,
	}
	recordID, err := c.Source.CreateBooking(ctx, b)
	if err != nil {
		c.compensate(ctx, key, req, debit.Pool, true)
		return CreateResult{}, fmt.Errorf("%w: create booking: %v", ErrSourceOfRecordUnavailable, err)
	}
	b.ID = recordID

	// Durable. Finalize the claim, then write-through and notify; none of
	// these can fail the booking anymore.
	if err := c.Guard.Finalize(ctx, key, b.ID); err != nil {
		slog.Error("idempotency finalize failed", "booking_id", b.ID, "error", err)
	}
	if err := c.Secondary.UpsertBooking(ctx, b); err != nil {
		slog.Error("secondary store write-through failed", "booking_id", b.ID, "error", err)
	}
	c.publish(ctx, EventBookingCreated, b)
	c.publish(ctx, EventCacheInvalidate, map[string]any{"session_id": b.SessionID, "student_id": b.StudentID})

	return CreateResult{
		BookingID:  b.ID,
		Credits:    c.creditDetails(ctx, req.StudentID, req.ExamType, debit.Pool),
		Idempotent: false,
	}, nil
}

// CancelBooking marks the booking cancelled in the system of record,
// then releases the capacity slot and restores the debited pool - in
// that order, so cache and ledger never reflect a cancellation that
// failed to persist. The status update is conditional on the booking
// still being in the status this caller observed, so of two concurrent
// cancels exactly one runs the release/restore pair.
func (c *Coordinator) CancelBooking(ctx context.Context, id BookingID, reason string) (CancelResult, error) {
	ctx, span := c.tracer.Start(ctx, "CancelBooking",
		trace.WithAttributes(attribute.String("booking_id", string(id))))
	defer span.End()

	b, err := c.Source.GetBooking(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return CancelResult{}, err
		}
		return CancelResult{}, fmt.Errorf("%w: get booking: %v", ErrSourceOfRecordUnavailable, err)
	}
	if !b.Status.CanTransitionTo(StatusCancelled) {
		return CancelResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCancelled)
	}

	if err := c.Source.UpdateBookingStatus(ctx, id, b.Status, StatusCancelled, reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost the race to another transition; nothing was mutated.
			return CancelResult{}, err
		}
		return CancelResult{}, fmt.Errorf("%w: cancel booking: %v", ErrSourceOfRecordUnavailable, err)
	}

	// The record is durably cancelled; local mutations now mirror it.
	var remaining []string
	if err := c.Capacity.Release(ctx, b.SessionID); err != nil {
		remaining = append(remaining, fmt.Sprintf("release capacity %s", b.SessionID))
		slog.Error("capacity release failed after cancellation", "booking_id", id, "error", err)
	}
	if err := c.Credits.Restore(ctx, b.StudentID, b.ExamType, b.Pool); err != nil {
		remaining = append(remaining, fmt.Sprintf("restore %s credit for %s", b.Pool, b.StudentID))
		slog.Error("credit restore failed after cancellation", "booking_id", id, "error", err)
	}
	if len(remaining) > 0 {
		pce := &PartialCommitError{BookingID: id, SessionID: b.SessionID,
			Cause: fmt.Errorf("cancellation compensation"), Remaining: remaining}
		c.escalate(ctx, pce)
		return CancelResult{}, pce
	}

	now := c.now()
	b.Status = StatusCancelled
	b.CancelledAt = &now
	if err := c.Secondary.UpsertBooking(ctx, b); err != nil {
		slog.Error("secondary store write-through failed", "booking_id", id, "error", err)
	}
	c.publish(ctx, EventBookingCancelled, b)
	c.publish(ctx, EventCacheInvalidate, map[string]any{"session_id": b.SessionID, "student_id": b.StudentID})

	return CancelResult{RestoredPool: b.Pool}, nil
}

// MarkCompleted transitions a booking to Completed. No credit restore:
// the seat was used.
func (c *Coordinator) MarkCompleted(ctx context.Context, id BookingID) error {
	return c.transition(ctx, id, StatusCompleted, "completed")
}

// MarkNoShow transitions a booking to NoShow. The credit stays spent.
func (c *Coordinator) MarkNoShow(ctx context.Context, id BookingID) error {
	return c.transition(ctx, id, StatusNoShow, "no show")
}

func (c *Coordinator) transition(ctx context.Context, id BookingID, next BookingStatus, reason string) error {
	b, err := c.Source.GetBooking(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return fmt.Errorf("%w: get booking: %v", ErrSourceOfRecordUnavailable, err)
	}
	if !b.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, next)
	}
	if err := c.Source.UpdateBookingStatus(ctx, id, b.Status, next, reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("%w: update booking: %v", ErrSourceOfRecordUnavailable, err)
	}
	b.Status = next
	if err := c.Secondary.UpsertBooking(ctx, b); err != nil {
		slog.Error("secondary store write-through failed", "booking_id", id, "error", err)
	}
	return nil
}

// UpdateSession applies an admin edit to the system of record, then
// invalidates the cached counter so the next read observes the new
// capacity instead of admitting against a stale limit.
func (c *Coordinator) UpdateSession(ctx context.Context, id SessionID, patch SessionPatch) (ExamSession, error) {
	if patch.Capacity == nil && patch.Active == nil {
		return ExamSession{}, &ValidationError{Field: "patch", Message: "no fields to update"}
	}
	if patch.Capacity != nil && *patch.Capacity < 0 {
		return ExamSession{}, &ValidationError{Field: "capacity", Message: "must not be negative"}
	}

	if err := c.Source.UpdateSession(ctx, id, patch); err != nil {
		if IsNotFound(err) {
			return ExamSession{}, err
		}
		return ExamSession{}, fmt.Errorf("%w: update session: %v", ErrSourceOfRecordUnavailable, err)
	}

	if err := c.Capacity.Invalidate(ctx, id); err != nil {
		slog.Error("counter invalidate failed after session update", "session_id", id, "error", err)
	}
	c.publish(ctx, EventCacheInvalidate, map[string]any{"session_id": id})

	session, err := c.Source.GetSession(ctx, id)
	if err != nil {
		return ExamSession{}, fmt.Errorf("%w: get session: %v", ErrSourceOfRecordUnavailable, err)
	}
	return session, nil
}

// GetCapacity is the advisory capacity read behind client polling. The
// authoritative check is always TryReserve at commit time.
func (c *Coordinator) GetCapacity(ctx context.Context, id SessionID) (Availability, error) {
	return c.Capacity.GetAvailable(ctx, id)
}

// ListBookings serves reads from the secondary store; staleness on the
// order of seconds is acceptable. The student may be identified by id
// or, when the id is unknown to the caller, by contact email resolved
// against the system of record.
func (c *Coordinator) ListBookings(ctx context.Context, student StudentID, email string, f ListFilter) ([]Booking, Pagination, error) {
	if student == "" {
		if email == "" {
			return nil, Pagination{}, &ValidationError{Field: "student_id", Message: "student_id or email required"}
		}
		resolved, err := c.Source.FindStudentByEmail(ctx, email)
		if err != nil {
			if IsNotFound(err) {
				return nil, Pagination{}, err
			}
			return nil, Pagination{}, fmt.Errorf("%w: resolve email: %v", ErrSourceOfRecordUnavailable, err)
		}
		student = resolved
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return c.Secondary.ListBookings(ctx, student, f)
}

// =============================================================================
// COMPENSATION
// =============================================================================

// compensate unwinds provisional mutations after a mid-sequence failure:
// the capacity slot, optionally the debited credit, and the idempotency
// claim. Failures here escalate; they are never dropped.
func (c *Coordinator) compensate(ctx context.Context, key IdempotencyKey, req CreateRequest, pool CreditPool, restoreCredit bool) {
	var remaining []string
	if err := c.Capacity.Release(ctx, req.SessionID); err != nil {
		remaining = append(remaining, fmt.Sprintf("release capacity %s", req.SessionID))
	}
	if restoreCredit {
		if err := c.Credits.Restore(ctx, req.StudentID, req.ExamType, pool); err != nil {
			remaining = append(remaining, fmt.Sprintf("restore %s credit for %s", pool, req.StudentID))
		}
	}
	c.releaseClaim(ctx, key)

	if len(remaining) > 0 {
		c.escalate(ctx, &PartialCommitError{
			SessionID: req.SessionID,
			Cause:     fmt.Errorf("rollback after failed admission"),
			Remaining: remaining,
		})
	}
}

func (c *Coordinator) releaseClaim(ctx context.Context, key IdempotencyKey) {
	if err := c.Guard.Release(ctx, key); err != nil {
		// The claim TTL bounds the damage; a stuck claim resolves itself.
		slog.Warn("idempotency claim release failed", "key", string(key), "error", err)
	}
}

// escalate records a compensation failure as a reconciliation task.
func (c *Coordinator) escalate(ctx context.Context, pce *PartialCommitError) {
	slog.Error("compensation incomplete, reconciliation required",
		"session_id", pce.SessionID, "remaining", pce.Remaining, "cause", pce.Cause)
	c.publish(ctx, EventReconcileNeeded, pce)
}

// =============================================================================
// HELPERS
// =============================================================================

// replay returns the prior booking's result for a duplicate submission.
// Rendered to the caller as a success, not an error.
func (c *Coordinator) replay(ctx context.Context, id BookingID, req CreateRequest) (CreateResult, error) {
	result := CreateResult{BookingID: id, Idempotent: true}
	if b, err := c.Source.GetBooking(ctx, id); err == nil {
		result.Credits = c.creditDetails(ctx, req.StudentID, req.ExamType, b.Pool)
	}
	return result, nil
}

func (c *Coordinator) creditDetails(ctx context.Context, student StudentID, examType ExamType, pool CreditPool) CreditDetails {
	details := CreditDetails{PoolUsed: pool}
	if elig, err := c.Credits.CheckEligible(ctx, student, examType); err == nil {
		details.RemainingSpecific = elig.Specific.String()
		details.RemainingShared = elig.Shared.String()
	}
	return details
}

func (c *Coordinator) publish(ctx context.Context, topic string, payload any) {
	if c.Events == nil {
		return
	}
	if err := c.Events.Publish(ctx, topic, payload); err != nil {
		slog.Warn("event publish failed", "topic", topic, "error", err)
	}
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.StudentID == "":
		return &ValidationError{Field: "student_id", Message: "required"}
	case req.SessionID == "":
		return &ValidationError{Field: "session_id", Message: "required"}
	case req.ExamDate.IsZero():
		return &ValidationError{Field: "exam_date", Message: "required"}
	case !ValidExamType(req.ExamType):
		return &ValidationError{Field: "exam_type", Message: fmt.Sprintf("unknown exam type %q", req.ExamType)}
	}
	return nil
}
