package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntryRule describes when trades are opened during a replay.
type EntryRule struct {
	Start         time.Time     `json:"start" mapstructure:"start"`                 // inclusive
	End           time.Time     `json:"end" mapstructure:"end"`                     // inclusive
	Mode          string        `json:"mode" mapstructure:"mode"`                   // "daily", "expiry_offset", "nth_weekday", "nth_month_day"
	NthList       []int         `json:"nth_list,omitempty" mapstructure:"nth_list"` // offsets, weekdays (0=Sun) or month days depending on mode
	DateMatchType DateMatchType `json:"date_match_type,omitempty" mapstructure:"date_match_type"`
	EveryN        int           `json:"every_n,omitempty" mapstructure:"every_n"` // daily mode: keep every n-th trading day
}

// NewEntryRule returns a copy of w with defaults applied:
// zero Start is one year before End, zero End is today (UTC), a reversed
// range is swapped and DateMatchType defaults to MatchNearest.
func NewEntryRule(w EntryRule) *EntryRule {
	if w.End.IsZero() {
		w.End = Day(time.Now().UTC())
	}
	if w.Start.IsZero() {
		w.Start = w.End.AddDate(-1, 0, 0)
	}
	if w.Start.After(w.End) {
		w.Start, w.End = w.End, w.Start
	}
	if w.DateMatchType == "" {
		w.DateMatchType = MatchNearest
	}
	if w.EveryN < 1 {
		w.EveryN = 1
	}
	return &w
}

// ResolveScheduleDates computes the sorted, unique trading days on which a
// trade should be opened.
//
// Supported modes (case-insensitive):
//   - "expiry_offset": NthList[0] calendar days relative to each expiry
//     (e.g. -30 opens 30 days before expiration).
//   - "nth_month_day": the listed days of every month; invalid days such as
//     Feb 30 are ignored.
//   - "nth_weekday": every date whose weekday (0=Sunday) is in NthList.
//   - anything else: every trading day, thinned to every EveryN-th.
//
// Candidates outside [Start, End] are dropped; the rest are snapped onto
// tradingDays with DateMatchType.
func ResolveScheduleDates(entry EntryRule, tradingDays []time.Time, expiries []time.Time) ([]time.Time, error) {
	e := NewEntryRule(entry)
	mode := strings.ToLower(strings.TrimSpace(e.Mode))

	inRange := func(d time.Time) bool {
		return !Day(d).Before(Day(e.Start)) && !Day(d).After(Day(e.End))
	}

	var out []time.Time
	add := func(candidate time.Time) {
		if !inRange(candidate) {
			return
		}
		if day := MatchDate(candidate, tradingDays, e.DateMatchType); !day.IsZero() && inRange(day) {
			out = append(out, day)
		}
	}

	switch mode {
	case "expiry_offset":
		if len(e.NthList) == 0 {
			return nil, fmt.Errorf("expiry_offset mode requires nth_list")
		}
		if len(expiries) == 0 {
			return nil, fmt.Errorf("expiry_offset mode requires expirations")
		}
		for _, exp := range expiries {
			add(exp.AddDate(0, 0, e.NthList[0]))
		}

	case "nth_month_day":
		if len(e.NthList) == 0 {
			return nil, fmt.Errorf("nth_month_day mode requires nth_list")
		}
		for y := e.Start.Year(); y <= e.End.Year(); y++ {
			for m := time.January; m <= time.December; m++ {
				for _, dayNum := range e.NthList {
					d := time.Date(y, m, dayNum, 0, 0, 0, 0, time.UTC)
					if dayNum < 1 || d.Month() != m {
						continue // e.g. Feb 30
					}
					add(d)
				}
			}
		}

	case "nth_weekday":
		if len(e.NthList) == 0 {
			return nil, fmt.Errorf("nth_weekday mode requires nth_list")
		}
		for d := Day(e.Start); !d.After(Day(e.End)); d = d.AddDate(0, 0, 1) {
			if intSliceContains(e.NthList, int(d.Weekday())) {
				add(d)
			}
		}

	default:
		n := 0
		for _, d := range sortedDays(tradingDays) {
			if !inRange(d) {
				continue
			}
			if n%e.EveryN == 0 {
				out = append(out, d)
			}
			n++
		}
	}

	return uniqueDays(out), nil
}

func sortedDays(days []time.Time) []time.Time {
	out := make([]time.Time, len(days))
	copy(out, days)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func uniqueDays(days []time.Time) []time.Time {
	days = sortedDays(days)
	seen := map[string]bool{}
	final := make([]time.Time, 0, len(days))
	for _, d := range days {
		k := d.Format("2006-01-02")
		if !seen[k] {
			final = append(final, d)
			seen[k] = true
		}
	}
	return final
}

func intSliceContains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
