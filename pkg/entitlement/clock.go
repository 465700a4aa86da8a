package entitlement

import (
	"time"
)

// ResolveTimezone picks the effective zone for a user: the profile-stored
// zone first, then the auth-metadata zone, then UTC. Values that fail to load
// as IANA zones are discarded silently in favor of the next fallback.
func ResolveTimezone(profileTZ, metadataTZ string) *time.Location {
	for _, name := range []string{profileTZ, metadataTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// CalendarDay returns the year-month-day of t as observed in loc, formatted
// for lexicographic comparison. Only ever used to compare two instants' local
// calendar days, never for absolute time math.
func CalendarDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// NextUTCMidnight returns the start of the next UTC day after now. This is
// the reset horizon shown to clients for daily quotas, regardless of the zone
// the reset decision itself was made in.
func NextUTCMidnight(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// NextCycleBoundary returns the first monthly-anniversary boundary after now
// for a cycle that began at start. The anniversary day-of-month is preserved
// across months; when the target month is shorter, the last day of that month
// is used instead (Jan 31 -> Feb 28/29 -> Mar 31).
func NextCycleBoundary(start, now time.Time) time.Time {
	s := startOfDayUTC(start)
	n := now.UTC()
	if n.Before(s) {
		// Clock skew or a future start: the first boundary is one month out.
		return addMonthsPreservingDay(s, 1, s.Day())
	}

	originalDay := s.Day()
	for months := 1; ; months++ {
		boundary := addMonthsPreservingDay(s, months, originalDay)
		if boundary.After(n) {
			return boundary
		}
	}
}

// addMonthsPreservingDay adds months to base while keeping the target
// day-of-month when it exists in the result month, clamping to the last day
// otherwise. time.AddDate would overflow Feb 31 into March.
func addMonthsPreservingDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	anchor := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, base.Location())

	// day 0 of the following month is the last day of the anchor month.
	lastDay := time.Date(anchor.Year(), anchor.Month()+1, 0, 0, 0, 0, 0, anchor.Location()).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(anchor.Year(), anchor.Month(), day, 0, 0, 0, 0, base.Location())
}
