/*
time.go - Calendar dates and the injected clock

PURPOSE:
  Contract validity is pure interval reasoning over calendar days. Every
  comparison in this engine happens at day granularity in ONE fixed
  location, so "today" on a server in UTC and "today" for an office in
  Asia/Ho_Chi_Minh never disagree by a day.

KEY CONCEPTS:
  - TimePoint: A calendar day (midnight in the engine location)
  - Clock:     Source of "today", injected everywhere a reference date is needed
  - Period:    Closed interval of days, used for reading cycles

WHY AN INJECTED CLOCK:
  Classification of a contract changes at midnight. Tests must pin the
  reference date; production uses SystemClock.

SEE ALSO:
  - contract/resolver.go: Interval comparisons against today
  - inspection/workflow.go: Inspection dates
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - A calendar day
// =============================================================================

// DateLayout is the wire format for dates in JSON and SQL.
const DateLayout = "2006-01-02"

type TimePoint struct {
	Time time.Time
}

var location = time.UTC

// SetLocation fixes the location used to normalize every TimePoint.
// Call once at startup before any date is constructed.
func SetLocation(loc *time.Location) {
	if loc != nil {
		location = loc
	}
}

// Location returns the engine location.
func Location() *time.Location { return location }

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, location)}
}

// StartOfDay converts an instant to the calendar day it falls on in the
// engine location.
func StartOfDay(t time.Time) TimePoint {
	t = t.In(location)
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string in the engine location.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.ParseInLocation(DateLayout, s, location)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return TimePoint{Time: t}, nil
}

// MustParseDate is ParseDate for fixtures and tests.
func MustParseDate(s string) TimePoint {
	tp, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return tp
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) normalize() time.Time {
	t := tp.Time.In(location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, location)
}

// Arithmetic. AddMonths follows time.AddDate overflow rules
// (Jan 31 + 1 month = Mar 3 in non-leap years).
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, n, 0)} }

func (tp TimePoint) IsZero() bool { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	if tp.IsZero() {
		return ""
	}
	return tp.normalize().Format(DateLayout)
}

// DaysBetween counts whole days from -> to. Negative when to is earlier.
func DaysBetween(from, to TimePoint) int {
	a, b := from.normalize(), to.normalize()
	// Calendar-day difference, immune to DST-length days.
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// DatePtr is shorthand for optional dates in fixtures.
func DatePtr(tp TimePoint) *TimePoint { return &tp }

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the reference date.
type Clock interface {
	Today() TimePoint
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Today() TimePoint { return StartOfDay(time.Now()) }

// FixedClock always returns the same day.
type FixedClock struct {
	Day TimePoint
}

func (c FixedClock) Today() TimePoint { return c.Day }

// =============================================================================
// PERIOD
// =============================================================================

// Period is a closed interval of days [Start, End].
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the day is within [Start, End].
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
