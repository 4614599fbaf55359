/*
Package calendar provides the day-granularity Date type used as the
aggregate and transaction key.

PURPOSE:
  Every aggregate row and every transaction in this system is keyed by a
  calendar day, never by a wall-clock instant. Date normalizes away time
  zones and sub-day precision so that two writers reporting "March 10"
  always land on the same row regardless of where or when they ran.

DESIGN:
  Date wraps a time.Time pinned to UTC midnight. All comparisons and
  arithmetic go through the normalized form, so a Date built from a
  timestamp and a Date parsed from "2006-01-02" compare equal when they
  name the same day.

SEE ALSO:
  - aggregate/types.go: DailyAggregate keyed by (agency, person, Date)
  - entity/types.go: transaction dates
*/
package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - A calendar day, time-zone free
// =============================================================================

type Date struct {
	t time.Time
}

// NewDate constructs a Date for the given year/month/day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// Today returns the current UTC calendar day.
func Today() Date {
	return DateOf(time.Now())
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.t.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// DaysBetween returns the signed day count from d to other.
func (d Date) DaysBetween(other Date) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) Time() time.Time   { return d.t }

func (d Date) String() string {
	return d.t.Format("2006-01-02")
}

// =============================================================================
// JSON / TEXT ENCODING
// =============================================================================

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
