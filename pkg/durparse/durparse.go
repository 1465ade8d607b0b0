// Package durparse parses shorthand durations such as "1y2mo3w4d5h6m7s".
//
// Unit tokens are matched by prefix, so "3days", "2 hours" and "10min" work.
// Years and months are calendar steps: the day of month is kept and clamped
// to the target month's last day (Jan 31 + 1mo = Feb 28/29).
package durparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var ErrInvalid = errors.New("durparse: invalid duration")

// Latest is the furthest point Parse will return.
var Latest = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

const maxMonths = 12 * 10000

// Parse returns now advanced by s.
func Parse(s string, now time.Time) (time.Time, error) {
	terms, err := split(s)
	if err != nil {
		return time.Time{}, err
	}
	t := now
	for _, tm := range terms {
		switch {
		case strings.HasPrefix(tm.unit, "y"):
			if tm.n > maxMonths/12 {
				return time.Time{}, fmt.Errorf("%w: %d%s is too far out", ErrInvalid, tm.n, tm.unit)
			}
			t = addMonthsClamped(t, 12*tm.n)
		case strings.HasPrefix(tm.unit, "mo"):
			if tm.n > maxMonths {
				return time.Time{}, fmt.Errorf("%w: %d%s is too far out", ErrInvalid, tm.n, tm.unit)
			}
			t = addMonthsClamped(t, tm.n)
		default:
			d, ok := fixedUnits[tm.unit[0]]
			if !ok {
				return time.Time{}, fmt.Errorf("%w: unknown unit %q", ErrInvalid, tm.unit)
			}
			if tm.n > int(maxDuration/d) {
				return time.Time{}, fmt.Errorf("%w: %d%s overflows", ErrInvalid, tm.n, tm.unit)
			}
			t = t.Add(time.Duration(tm.n) * d)
		}
	}
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("%w: %q adds no time", ErrInvalid, s)
	}
	if t.After(Latest) {
		return time.Time{}, fmt.Errorf("%w: %q is too far out", ErrInvalid, s)
	}
	return t, nil
}

// Duration is Parse expressed relative to now.
func Duration(s string, now time.Time) (time.Duration, error) {
	t, err := Parse(s, now)
	if err != nil {
		return 0, err
	}
	return t.Sub(now), nil
}

const maxDuration = time.Duration(1<<63 - 1)

var fixedUnits = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

type term struct {
	n    int
	unit string
}

// split tokenizes "<digits><non-digits>" pairs. Input must end in a unit.
func split(s string) ([]term, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	var out []term
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
		if i <= 0 {
			return nil, fmt.Errorf("%w: expected a number in %q", ErrInvalid, s)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		s = s[i:]
		j := strings.IndexFunc(s, unicode.IsDigit)
		if j < 0 {
			j = len(s)
		}
		unit := strings.TrimSpace(s[:j])
		if unit == "" {
			return nil, fmt.Errorf("%w: missing unit after %d", ErrInvalid, n)
		}
		out = append(out, term{n: n, unit: unit})
		s = strings.TrimLeftFunc(s[j:], unicode.IsSpace)
	}
	return out, nil
}

// addMonthsClamped adds n calendar months keeping the wall clock and
// clamping the day to the end of the target month.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}
