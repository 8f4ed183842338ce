package scheduler

import (
	"sort"
	"time"
)

// DateMatchType controls how a target date snaps to an available date.
type DateMatchType string

const (
	MatchExact   DateMatchType = "exact"   // must match exactly
	MatchHigher  DateMatchType = "higher"  // next available date after target
	MatchLower   DateMatchType = "lower"   // last available date before target
	MatchNearest DateMatchType = "nearest" // closest available date (default)
)

// MatchDate snaps d onto one of dates according to mode. Dates are compared
// by calendar day. The zero time is returned when nothing matches; callers
// are expected to skip it. dates is not modified.
func MatchDate(d time.Time, dates []time.Time, mode DateMatchType) time.Time {
	var (
		exact  time.Time
		lower  time.Time
		higher time.Time
	)

	switch mode {
	case MatchExact, MatchHigher, MatchLower, MatchNearest:
	default:
		mode = MatchNearest
	}

	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	target := Day(d)
	for _, dt := range sorted {
		day := Day(dt)
		switch {
		case day.Equal(target):
			exact = dt
		case day.Before(target):
			lower = dt // keeps last < d
		case higher.IsZero():
			higher = dt
		}
	}

	switch mode {
	case MatchExact:
		return exact
	case MatchLower:
		return lower
	case MatchHigher:
		return higher
	}

	if !exact.IsZero() {
		return exact
	}
	switch {
	case !lower.IsZero() && !higher.IsZero():
		if target.Sub(Day(lower)) <= Day(higher).Sub(target) {
			return lower
		}
		return higher
	case !lower.IsZero():
		return lower
	default:
		return higher
	}
}

// ResolveExpiration picks the expiry closest to openDate+offset calendar
// days according to mode.
func ResolveExpiration(openDate time.Time, offset int, expiries []time.Time, mode DateMatchType) time.Time {
	return MatchDate(openDate.AddDate(0, 0, offset), expiries, mode)
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
