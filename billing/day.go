package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Civil calendar date (no zone, no clock)
// =============================================================================

// DayKeyLayout is the canonical day key format.
const DayKeyLayout = "2006-01-02"

// Day is a calendar date in the business's civil timezone.
//
// A Day carries no time-of-day and no zone: it is always stored as midnight UTC
// of the civil date, so arithmetic never crosses a DST boundary. Instants are
// converted to Days only through a Calendar.
//
// The zero Day means "unset" (no watermark, no end date).
type Day struct {
	t time.Time
}

// NewDay builds a Day from its civil components.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD key. An empty key yields the zero Day.
func ParseDay(key string) (Day, error) {
	if key == "" {
		return Day{}, nil
	}
	t, err := time.ParseInLocation(DayKeyLayout, key, time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day key %q: %w", key, err)
	}
	return Day{t: t}, nil
}

// MustParseDay is ParseDay for literals in tests and scenarios.
func MustParseDay(key string) Day {
	d, err := ParseDay(key)
	if err != nil {
		panic(err)
	}
	return d
}

// DayFromDate takes the Y/M/D of t as written, ignoring its zone.
// Use it for values that are already civil dates (DATE columns).
func DayFromDate(t time.Time) Day {
	if t.IsZero() {
		return Day{}
	}
	return NewDay(t.Year(), t.Month(), t.Day())
}

// Comparison
func (d Day) Before(o Day) bool        { return d.t.Before(o.t) }
func (d Day) After(o Day) bool         { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool         { return d.t.Equal(o.t) }
func (d Day) BeforeOrEqual(o Day) bool { return !d.t.After(o.t) }
func (d Day) AfterOrEqual(o Day) bool  { return !d.t.Before(o.t) }
func (d Day) IsZero() bool             { return d.t.IsZero() }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// DaysUntil returns the signed number of days from d to o.
func (d Day) DaysUntil(o Day) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// Properties
func (d Day) Weekday() time.Weekday { return d.t.Weekday() }
func (d Day) Year() int             { return d.t.Year() }
func (d Day) Month() time.Month     { return d.t.Month() }
func (d Day) Date() time.Time       { return d.t }

// Key returns the YYYY-MM-DD day key, or "" for the zero Day.
func (d Day) Key() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DayKeyLayout)
}

func (d Day) String() string { return d.Key() }

func (d Day) MarshalText() ([]byte, error) { return []byte(d.Key()), nil }

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MaxDay returns the latest non-zero day, or the zero Day if all are zero.
func MaxDay(days ...Day) Day {
	var out Day
	for _, d := range days {
		if d.IsZero() {
			continue
		}
		if out.IsZero() || d.After(out) {
			out = d
		}
	}
	return out
}

// MinDay returns the earliest non-zero day, or the zero Day if all are zero.
func MinDay(days ...Day) Day {
	var out Day
	for _, d := range days {
		if d.IsZero() {
			continue
		}
		if out.IsZero() || d.Before(out) {
			out = d
		}
	}
	return out
}

// =============================================================================
// CALENDAR - The only place instants become days
// =============================================================================

// DefaultTimezone is the business's civil zone unless configured otherwise.
const DefaultTimezone = "Australia/Brisbane"

// Calendar converts instants to civil days in one fixed zone, regardless of
// the server's local timezone.
type Calendar struct {
	Location *time.Location
}

// NewCalendar loads the named IANA zone.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		zone = DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return Calendar{Location: loc}, nil
}

func (c Calendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// DayOf returns the civil day that contains the instant t.
func (c Calendar) DayOf(t time.Time) Day {
	if t.IsZero() {
		return Day{}
	}
	local := t.In(c.location())
	return NewDay(local.Year(), local.Month(), local.Day())
}

// Today is DayOf(now).
func (c Calendar) Today(now time.Time) Day { return c.DayOf(now) }

// StartOf returns the first instant of d in the business zone.
func (c Calendar) StartOf(d Day) time.Time {
	if d.IsZero() {
		return time.Time{}
	}
	return time.Date(d.Year(), d.Month(), d.t.Day(), 0, 0, 0, 0, c.location())
}
