package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// ExpiryCycle selects the listed expiration calendar.
type ExpiryCycle string

const (
	Monthly ExpiryCycle = "monthly" // third Friday of each month
	Weekly  ExpiryCycle = "weekly"  // every Friday
)

// ParseExpiryCycle defaults to Monthly for an empty string.
func ParseExpiryCycle(s string) (ExpiryCycle, error) {
	switch ExpiryCycle(strings.ToLower(strings.TrimSpace(s))) {
	case "", Monthly:
		return Monthly, nil
	case Weekly:
		return Weekly, nil
	}
	return "", fmt.Errorf("unknown expiry cycle %q", s)
}

// ThirdFriday returns the monthly expiration for year/month.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// ExpirationDates lists expirations of the given cycle within [start, end].
// Exchange holidays are not modelled.
func ExpirationDates(start, end time.Time, cycle ExpiryCycle) []time.Time {
	start, end = Day(start), Day(end)
	var out []time.Time
	if end.Before(start) {
		return out
	}

	switch cycle {
	case Weekly:
		d := start.AddDate(0, 0, (int(time.Friday)-int(start.Weekday())+7)%7)
		for ; !d.After(end); d = d.AddDate(0, 0, 7) {
			out = append(out, d)
		}
	default:
		for y, m := start.Year(), start.Month(); ; {
			f := ThirdFriday(y, m)
			if f.After(end) {
				break
			}
			if !f.Before(start) {
				out = append(out, f)
			}
			m++
			if m > time.December {
				m = time.January
				y++
			}
		}
	}
	return out
}
