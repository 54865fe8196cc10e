/*
Package idempotency detects repeat submissions of the same logical
booking request and replays the prior result.

PURPOSE:
  Double-clicks, client retries after timeout, and network replays must
  never create a second booking or a second debit. The Guard atomically
  claims a composite key (set-if-not-exists with TTL) on the first
  attempt; later attempts see either the finalized booking id (replay)
  or an unfinalized claim (in-flight, retry shortly).

LIFECYCLE:
  Claim -> Finalize(bookingID)   on durable commit
  Claim -> Release               on any failure (nothing durable exists)
  Claim -> TTL expiry            crashed request; the key self-frees

  Records are short-lived - on the order of the request-retry window -
  so a crashed request never permanently locks a key.

IMPLEMENTATIONS:
  - memory.go: in-memory Store for tests and single-process runs
  - store/sqlite: shared Store for multi-process deployments
*/
package idempotency

import (
	"context"
	"time"

	"github.com/warp/booking-engine/booking"
)

// DefaultTTL covers the usual client retry window.
const DefaultTTL = 2 * time.Minute

// Record is one claimed key. Finalized records carry the booking id to
// replay; unfinalized records mean the original request is in flight.
type Record struct {
	Key       string
	BookingID booking.BookingID
	Finalized bool
	ExpiresAt time.Time
}

// Store persists claims. Claim must be atomic set-if-not-exists.
type Store interface {
	// Claim atomically creates an unfinalized record if the key is free
	// (absent or expired). When the key is taken, the existing record is
	// returned and claimed is false.
	Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, existing Record, err error)

	// Finalize attaches the durable booking id to a claim.
	Finalize(ctx context.Context, key string, id booking.BookingID) error

	// Release frees a claim whose request failed before anything durable
	// was created.
	Release(ctx context.Context, key string) error
}

// Guard implements booking.IdempotencyGuard.
type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// CheckOrClaim claims the key if free, otherwise reports the prior
// result (or that the original request is still in flight).
func (g *Guard) CheckOrClaim(ctx context.Context, key booking.IdempotencyKey) (booking.ClaimResult, error) {
	claimed, existing, err := g.store.Claim(ctx, string(key), g.ttl)
	if err != nil {
		return booking.ClaimResult{}, err
	}
	if claimed {
		return booking.ClaimResult{New: true}, nil
	}
	if !existing.Finalized {
		return booking.ClaimResult{InFlight: true}, nil
	}
	return booking.ClaimResult{BookingID: existing.BookingID}, nil
}

func (g *Guard) Finalize(ctx context.Context, key booking.IdempotencyKey, id booking.BookingID) error {
	return g.store.Finalize(ctx, string(key), id)
}

func (g *Guard) Release(ctx context.Context, key booking.IdempotencyKey) error {
	return g.store.Release(ctx, string(key))
}
