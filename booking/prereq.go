/*
prereq.go - Prerequisite gating (OR-satisfaction)

PURPOSE:
  A session may require prior experience with any one of a set of
  sessions. The gate is satisfied iff the student holds at least one
  booking whose session id is in the required set and whose status is
  Scheduled or Completed. Cancelled/Failed/NoShow bookings never count,
  and attendance is not required - a scheduled qualifying booking is
  enough.

  An empty requirement set is always satisfied.

SEE ALSO:
  - coordinator.go: wraps a failure into PrerequisiteNotMetError
*/
package booking

// prereqQualifies reports whether a booking can satisfy a requirement.
func prereqQualifies(b Booking) bool {
	return b.Status == StatusScheduled || b.Status == StatusCompleted
}

// IsSatisfied reports whether the student's bookings satisfy the
// required set (OR logic, not AND).
func IsSatisfied(required []SessionID, bookings []Booking) bool {
	if len(required) == 0 {
		return true
	}
	want := make(map[SessionID]bool, len(required))
	for _, id := range required {
		want[id] = true
	}
	for _, b := range bookings {
		if want[b.SessionID] && prereqQualifies(b) {
			return true
		}
	}
	return false
}

// MissingPrerequisites returns the required sessions the student could
// still book to satisfy the gate, resolved against the catalog for
// display. Required ids absent from the catalog are returned as bare
// sessions so the caller never loses track of a requirement.
func MissingPrerequisites(required []SessionID, bookings []Booking, catalog map[SessionID]ExamSession) []ExamSession {
	if IsSatisfied(required, bookings) {
		return nil
	}
	missing := make([]ExamSession, 0, len(required))
	for _, id := range required {
		if s, ok := catalog[id]; ok {
			missing = append(missing, s)
		} else {
			missing = append(missing, ExamSession{ID: id})
		}
	}
	return missing
}
