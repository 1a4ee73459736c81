package fiscal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a calendar month partition of all synchronization state.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod returns the period containing t.
func NewPeriod(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a canonical MM-YYYY key. The legacy YYYY-MM form is also
// accepted and normalized, since older state files mixed both orders.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	left, right, ok := strings.Cut(s, "-")
	if !ok {
		return Period{}, fmt.Errorf("parse period %q: missing separator", s)
	}

	var monthPart, yearPart string
	switch {
	case len(left) == 2 && len(right) == 4:
		monthPart, yearPart = left, right
	case len(left) == 1 && len(right) == 4:
		monthPart, yearPart = left, right
	case len(left) == 4 && (len(right) == 2 || len(right) == 1):
		yearPart, monthPart = left, right
	default:
		return Period{}, fmt.Errorf("parse period %q: expected MM-YYYY", s)
	}

	month, err := strconv.Atoi(monthPart)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: month: %w", s, err)
	}
	year, err := strconv.Atoi(yearPart)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: year: %w", s, err)
	}
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("parse period %q: month %d out of range", s, month)
	}
	if year < 1 {
		return Period{}, fmt.Errorf("parse period %q: year %d out of range", s, year)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// MustParsePeriod is like ParsePeriod but panics on error. Intended for tests
// and constant tables.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Key returns the canonical MM-YYYY key. Every persisted reference to a
// period goes through this method.
func (p Period) Key() string {
	return fmt.Sprintf("%02d-%04d", int(p.Month), p.Year)
}

// String implements fmt.Stringer.
func (p Period) String() string {
	return p.Key()
}

// IsZero reports whether p is the zero Period.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// Start returns the first instant of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, loc)
}

// End returns the first instant after the period in loc.
func (p Period) End(loc *time.Location) time.Time {
	return p.Start(loc).AddDate(0, 1, 0)
}

// Prev returns the preceding period.
func (p Period) Prev() Period {
	return NewPeriod(p.Start(time.UTC).AddDate(0, -1, 0))
}

// Next returns the following period.
func (p Period) Next() Period {
	return NewPeriod(p.Start(time.UTC).AddDate(0, 1, 0))
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// Contains reports whether t falls inside the period, evaluated in t's location.
func (p Period) Contains(t time.Time) bool {
	return t.Year() == p.Year && t.Month() == p.Month
}

// Range returns every period from first to last inclusive, oldest first.
// It returns nil if last is before first.
func Range(first, last Period) []Period {
	var out []Period
	for p := first; !last.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out
}
