/*
Package capacity implements the fast, shared, authoritative seat counter.

PURPOSE:
  One atomic counter per session, keyed "session:{id}:bookings", with a
  self-healing TTL: a missing or expired entry is reseeded from the
  system of record (the authoritative active-booking count) and the
  atomic operation retried exactly once. Reseeding is guarded by a
  short-lived seeding marker so only one concurrent caller performs the
  expensive recompute.

ATOMICITY:
  Do-not-overbook rests entirely on CounterStore.ReserveSlot being a
  single atomic "increment if resulting value <= capacity" at the
  shared-storage layer - never a read-then-write pair in this package.
  Increment and decrement commute, so cancellation and creation for the
  same session may run concurrently.

IMPLEMENTATIONS:
  - memory.go: in-memory CounterStore for tests and single-process runs
  - store/sqlite: shared CounterStore for multi-process deployments

SEE ALSO:
  - booking/coordinator.go: the only writer of reserve/release
*/
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/booking-engine/booking"
)

// DefaultTTL is the counter self-healing window. A week: long enough
// that reseeds are rare, short enough that silent divergence (external
// edits to the record) eventually corrects itself.
const DefaultTTL = 7 * 24 * time.Hour

// seedLockTTL bounds how long a crashed seeder can block others.
const seedLockTTL = 10 * time.Second

// CounterKey is the cache key convention for a session's counter.
func CounterKey(id booking.SessionID) string {
	return fmt.Sprintf("session:%s:bookings", id)
}

// =============================================================================
// COUNTER STORE - Shared atomic counter interface
// =============================================================================

// CounterStore is the storage behind the cache. Every mutating method
// must be atomic at the storage layer.
type CounterStore interface {
	// Get returns the current count. found is false when the entry is
	// missing or its TTL has expired.
	Get(ctx context.Context, key string) (count int, found bool, err error)

	// ReserveSlot atomically increments if the resulting value would not
	// exceed capacity. found is false when the entry is missing/expired,
	// in which case no increment happened.
	ReserveSlot(ctx context.Context, key string, capacity int) (ok bool, count int, found bool, err error)

	// ReleaseSlot atomically decrements, floored at zero. Missing entries
	// are a no-op.
	ReleaseSlot(ctx context.Context, key string) (count int, err error)

	// Seed overwrites the counter with an authoritative value and TTL.
	Seed(ctx context.Context, key string, count int, ttl time.Duration) error

	// Delete drops the entry so the next read reseeds.
	Delete(ctx context.Context, key string) error

	// Keys lists live counter keys, for the reconciliation sweep.
	Keys(ctx context.Context) ([]string, error)

	// AcquireSeedLock takes the seeding marker for key if free.
	AcquireSeedLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseSeedLock frees the seeding marker.
	ReleaseSeedLock(ctx context.Context, key string) error
}

// Source supplies the authoritative data for reseeding. Capacity and
// counter are always fetched together so an admin capacity edit is
// observed without a stale read.
type Source interface {
	GetSession(ctx context.Context, id booking.SessionID) (booking.ExamSession, error)
	ActiveBookingCount(ctx context.Context, id booking.SessionID) (int, error)
}

// =============================================================================
// CACHE
// =============================================================================

// Cache implements booking.CapacityCache over a CounterStore with
// read-driven self-healing from a Source.
type Cache struct {
	store  CounterStore
	source Source
	ttl    time.Duration
}

func NewCache(store CounterStore, source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, source: source, ttl: ttl}
}

// TryReserve atomically takes one slot if the session is not full,
// reseeding the counter from the source of record on a miss.
func (c *Cache) TryReserve(ctx context.Context, id booking.SessionID) (booking.Reservation, error) {
	session, err := c.source.GetSession(ctx, id)
	if err != nil {
		return booking.Reservation{}, fmt.Errorf("fetch session %s: %w", id, err)
	}

	key := CounterKey(id)
	ok, count, found, err := c.store.ReserveSlot(ctx, key, session.Capacity)
	if err != nil {
		return booking.Reservation{}, err
	}
	if !found {
		if err := c.reseed(ctx, id, key); err != nil {
			return booking.Reservation{}, err
		}
		// Retry the atomic op exactly once after reseeding.
		ok, count, found, err = c.store.ReserveSlot(ctx, key, session.Capacity)
		if err != nil {
			return booking.Reservation{}, err
		}
		if !found {
			return booking.Reservation{}, fmt.Errorf("counter for %s expired immediately after reseed", id)
		}
	}

	avail := session.Capacity - count
	if avail < 0 {
		avail = 0
	}
	return booking.Reservation{OK: ok, Available: avail}, nil
}

// Release gives one slot back.
func (c *Cache) Release(ctx context.Context, id booking.SessionID) error {
	_, err := c.store.ReleaseSlot(ctx, CounterKey(id))
	return err
}

// GetAvailable is the advisory read. It reseeds on a miss like
// TryReserve but never mutates the count.
func (c *Cache) GetAvailable(ctx context.Context, id booking.SessionID) (booking.Availability, error) {
	session, err := c.source.GetSession(ctx, id)
	if err != nil {
		return booking.Availability{}, fmt.Errorf("fetch session %s: %w", id, err)
	}

	key := CounterKey(id)
	count, found, err := c.store.Get(ctx, key)
	if err != nil {
		return booking.Availability{}, err
	}
	if !found {
		if err := c.reseed(ctx, id, key); err != nil {
			return booking.Availability{}, err
		}
		count, _, err = c.store.Get(ctx, key)
		if err != nil {
			return booking.Availability{}, err
		}
	}

	avail := session.Capacity - count
	if avail < 0 {
		avail = 0
	}
	return booking.Availability{
		Available: avail,
		Capacity:  session.Capacity,
		IsFull:    avail == 0,
	}, nil
}

// Invalidate drops the counter; the next read reseeds. Used when an
// admin edit changes the authoritative count out from under the cache.
func (c *Cache) Invalidate(ctx context.Context, id booking.SessionID) error {
	return c.store.Delete(ctx, CounterKey(id))
}

// reseed recomputes the counter from the source of record. The seed
// lock keeps concurrent racers from double-seeding: losers wait briefly
// for the winner, and only fall through to seeding themselves when the
// winner appears to have died (the lock is an optimization, not a
// correctness mechanism - Seed is idempotent).
func (c *Cache) reseed(ctx context.Context, id booking.SessionID, key string) error {
	locked, err := c.store.AcquireSeedLock(ctx, key, seedLockTTL)
	if err != nil {
		return err
	}
	if !locked {
		for i := 0; i < 20; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			if _, found, err := c.store.Get(ctx, key); err != nil {
				return err
			} else if found {
				return nil
			}
		}
		// Winner died; take over.
		if locked, err = c.store.AcquireSeedLock(ctx, key, seedLockTTL); err != nil {
			return err
		}
	}
	if locked {
		defer func() {
			if err := c.store.ReleaseSeedLock(ctx, key); err != nil {
				slog.Warn("seed lock release failed", "key", key, "error", err)
			}
		}()
	}

	count, err := c.source.ActiveBookingCount(ctx, id)
	if err != nil {
		return fmt.Errorf("reseed %s: %w", key, err)
	}
	return c.store.Seed(ctx, key, count, c.ttl)
}

// =============================================================================
// RECONCILIATION SWEEP
// =============================================================================

// StartReconciler periodically recomputes every live counter from the
// source of record, catching silent divergence that read-driven reseed
// cannot (external edits never trigger a miss). Runs until ctx ends.
func (c *Cache) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reconcileOnce(ctx)
			}
		}
	}()
}

func (c *Cache) reconcileOnce(ctx context.Context) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		slog.Warn("reconcile sweep: list keys failed", "error", err)
		return
	}
	for _, key := range keys {
		id, ok := sessionFromKey(key)
		if !ok {
			continue
		}
		count, err := c.source.ActiveBookingCount(ctx, id)
		if err != nil {
			slog.Warn("reconcile sweep: recount failed", "session_id", id, "error", err)
			continue
		}
		if cached, found, err := c.store.Get(ctx, key); err == nil && found && cached != count {
			slog.Info("reconcile sweep: counter divergence corrected",
				"session_id", id, "cached", cached, "authoritative", count)
		}
		if err := c.store.Seed(ctx, key, count, c.ttl); err != nil {
			slog.Warn("reconcile sweep: seed failed", "session_id", id, "error", err)
		}
	}
}

// sessionFromKey inverts CounterKey. Session ids are opaque strings and
// may contain anything except the key's own delimiters.
func sessionFromKey(key string) (booking.SessionID, bool) {
	const prefix, suffix = "session:", ":bookings"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	id := key[len(prefix) : len(key)-len(suffix)]
	if id == "" {
		return "", false
	}
	return booking.SessionID(id), true
}
