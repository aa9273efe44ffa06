package unlock

import "time"

// CurrentCycle calculates the billing cycle containing now for an account
// whose cycles anchor on the given start date. It preserves the anniversary
// day-of-month across months, handling month-end edge cases.
//
// For example, for a start on Jan 31 the cycles run Jan 31 - Feb 28 (or
// Feb 29 in leap years), Feb 28 - Mar 31, Mar 31 - Apr 30, and so on.
func CurrentCycle(start, now time.Time) (cycleStart, cycleEnd time.Time) {
	s := startOfDayUTC(start.UTC())
	n := now.UTC()
	if n.Before(s) {
		// Clock skew / future start: clamp.
		return s, addMonthsWithDay(s, 1, s.Day())
	}

	// Track the original day-of-month to preserve the billing anniversary.
	originalDay := s.Day()
	monthsElapsed := 0

	for {
		cycleStart = addMonthsWithDay(s, monthsElapsed, originalDay)
		cycleEnd = addMonthsWithDay(s, monthsElapsed+1, originalDay)

		if cycleEnd.After(n) {
			return cycleStart, cycleEnd
		}
		monthsElapsed++
	}
}

// NextReset returns the next monthly rollover instant after now for an
// account anchored on the given start date.
func NextReset(start, now time.Time) time.Time {
	_, end := CurrentCycle(start, now)
	return end
}

// addMonthsWithDay adds months while preserving the target day-of-month when
// possible. If the target day doesn't exist in the result month (e.g.
// Feb 31), it uses the last day of that month.
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	target := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, target.Location()).Day()

	actualDay := targetDay
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(target.Year(), target.Month(), actualDay,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
