package schedule

import "time"

// NextOccurrence returns the next UTC occurrence of (anchor, repeat) that is
// strictly after now, or false if the schedule is exhausted.
//
// All arithmetic is UTC; there is no timezone handling here. A late runner
// always advances to the next future slot — missed occurrences are never
// backfilled.
func NextOccurrence(anchor time.Time, repeat Repeat, now time.Time) (time.Time, bool) {
	anchor = anchor.UTC()
	now = now.UTC()

	// Anchor still ahead: first occurrence is the anchor itself.
	if anchor.After(now) {
		return anchor, true
	}

	switch repeat.Kind {
	case RepeatNone:
		// One-shot already consumed (or missed).
		return time.Time{}, false

	case RepeatInterval:
		return nextByInterval(anchor, repeat.Every, now)

	case RepeatDaily:
		return nextByInterval(anchor, 24*time.Hour, now)

	case RepeatWeekly:
		return nextByInterval(anchor, time.Duration(repeat.weeks())*7*24*time.Hour, now)

	case RepeatMonthly:
		for m := 1; ; m++ {
			cand := addMonthsClamped(anchor, m)
			if cand.After(now) {
				return cand, true
			}
		}

	default:
		return time.Time{}, false
	}
}

// nextByInterval returns the smallest anchor+k*d strictly greater than now.
func nextByInterval(anchor time.Time, d time.Duration, now time.Time) (time.Time, bool) {
	if d <= 0 {
		return time.Time{}, false
	}
	// anchor <= now here; integer division truncates, so an exact boundary
	// still lands on the next slot (strictly-after contract).
	k := now.Sub(anchor)/d + 1
	return anchor.Add(k * d), true
}

// addMonthsClamped adds m calendar months to t, preserving the anchor's
// day-of-month where possible and clamping to the last day of shorter months.
// Deliberately not time.AddDate, which normalizes Jan 31 + 1 month into Mar 2/3.
func addMonthsClamped(t time.Time, m int) time.Time {
	y, mo, day := t.Date()
	total := int(mo) - 1 + m
	y += total / 12
	mo = time.Month(total%12 + 1)
	if last := daysInMonth(y, mo); day > last {
		day = last
	}
	h, min, sec := t.Clock()
	return time.Date(y, mo, day, h, min, sec, t.Nanosecond(), time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
