/*
conflict.go - Time-interval conflict detection

PURPOSE:
  Pure overlap check between a candidate session and a student's active
  bookings. Two half-open intervals [s1,e1) and [s2,e2) conflict iff
  s1 < e2 AND e1 > s2, so back-to-back sessions (one ends exactly when
  the next starts) do NOT conflict.

FAIL-OPEN POLICY:
  Missing start/end instants on either side mean "cannot determine
  conflict". We report no conflict rather than failing the request, but
  log it as a data-quality signal so the upstream record gets fixed.

SEE ALSO:
  - coordinator.go: wraps a non-empty result into TimeConflictError
*/
package booking

import (
	"log/slog"
)

// FindConflicts returns the subset of bookings whose interval overlaps
// the candidate session. Only bookings in an active status participate;
// cancelled, completed, failed, and no-show bookings are skipped.
func FindConflicts(bookings []Booking, candidate ExamSession) []Booking {
	if candidate.Start.IsZero() || candidate.End.IsZero() {
		slog.Warn("conflict check skipped: candidate session missing instants",
			"session_id", candidate.ID)
		return nil
	}

	var conflicts []Booking
	for _, b := range bookings {
		if !b.Status.Active() {
			continue
		}
		if b.Start.IsZero() || b.End.IsZero() {
			slog.Warn("conflict check skipped: booking missing instants",
				"booking_id", b.ID, "session_id", b.SessionID)
			continue
		}
		if candidate.Start.Before(b.End) && candidate.End.After(b.Start) {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts
}
