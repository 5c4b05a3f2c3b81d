// Package timeexpr resolves user-supplied time expressions ("+45m", "18:00",
// "2026-01-02 18:00") into absolute fire times, and carries the wall-clock
// helpers (Clock, Window) used for announcement times and quiet windows.
//
// Everything here is pure: outputs depend only on the inputs.
package timeexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLead caps how far in the future an expression may resolve.
const MaxLead = 365 * 24 * time.Hour

const absoluteLayout = "2006-01-02 15:04"

// ParseError reports a malformed or unacceptable time expression. It is a
// user-input error, not a system fault.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid time expression %q: %s", e.Expr, e.Reason)
}

// Parse resolves expr relative to now in loc (now's location when loc is nil).
//
// Accepted forms:
//   - "+<n><unit>" with unit m/h/d: exactly n units after now
//   - "HH:MM": the next occurrence of that time of day (tomorrow if already
//     passed today)
//   - "YYYY-MM-DD HH:MM": an absolute local time, rejected when in the past
func Parse(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, &ParseError{Expr: expr, Reason: "empty expression"}
	}
	if loc == nil {
		loc = now.Location()
	}
	now = now.In(loc)

	if strings.HasPrefix(s, "+") {
		return parseRelative(expr, s[1:], now)
	}

	if strings.Contains(s, "-") {
		t, err := time.ParseInLocation(absoluteLayout, s, loc)
		if err != nil {
			return time.Time{}, &ParseError{Expr: expr, Reason: "want YYYY-MM-DD HH:MM"}
		}
		if !t.After(now) {
			return time.Time{}, &ParseError{Expr: expr, Reason: "time is in the past"}
		}
		if t.Sub(now) > MaxLead {
			return time.Time{}, &ParseError{Expr: expr, Reason: "more than 365 days ahead"}
		}
		return t, nil
	}

	c, err := ParseClock(s)
	if err != nil {
		return time.Time{}, &ParseError{Expr: expr, Reason: "want +10m, 18:00 or YYYY-MM-DD HH:MM"}
	}
	return c.Next(now), nil
}

func parseRelative(expr, body string, now time.Time) (time.Time, error) {
	if len(body) < 2 {
		return time.Time{}, &ParseError{Expr: expr, Reason: "want +<n><m|h|d>"}
	}
	unit := body[len(body)-1]
	n, err := strconv.Atoi(body[:len(body)-1])
	if err != nil || n <= 0 {
		return time.Time{}, &ParseError{Expr: expr, Reason: "offset must be a positive integer"}
	}

	var per time.Duration
	var max int
	switch unit {
	case 'm', 'M':
		per, max = time.Minute, 365*24*60
	case 'h', 'H':
		per, max = time.Hour, 365*24
	case 'd', 'D':
		per, max = 24*time.Hour, 365
	default:
		return time.Time{}, &ParseError{Expr: expr, Reason: "unit must be m, h or d"}
	}
	if n > max {
		return time.Time{}, &ParseError{Expr: expr, Reason: "more than 365 days ahead"}
	}
	return now.Add(time.Duration(n) * per), nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (hour 0-23, minute 0-59; one or two digits each).
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) == 0 || len(m) > 2 {
		return Clock{}, &ParseError{Expr: s, Reason: "want HH:MM"}
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Clock{}, &ParseError{Expr: s, Reason: "want HH:MM"}
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// minutes since midnight
func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// At returns the clock time on day's date, in day's location.
func (c Clock) At(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Next returns the earliest occurrence of the clock time strictly after now.
func (c Clock) Next(now time.Time) time.Time {
	t := c.At(now)
	if !t.After(now) {
		t = c.At(now.AddDate(0, 0, 1))
	}
	return t
}

// Window is a wall-clock range. Start > End means the window wraps midnight
// (e.g. 22:00-07:00). Start == End means the window is empty.
type Window struct {
	Start Clock
	End   Clock
}

func (w Window) IsZero() bool { return w.Start == w.End }

// ParseWindow builds a window from "HH:MM" start and end strings.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether t's wall-clock time falls inside the window.
// The start edge is inclusive, the end edge exclusive.
func (w Window) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	s, e := w.Start.minutes(), w.End.minutes()
	if s < e {
		return m >= s && m < e
	}
	return m >= s || m < e
}

// NextOpen returns the earliest time at or after t that is outside the
// window: t itself when already open, otherwise the window's end on the
// appropriate day.
func (w Window) NextOpen(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	open := w.End.At(t)
	if !open.After(t) {
		open = w.End.At(t.AddDate(0, 0, 1))
	}
	return open
}

func (w Window) String() string {
	if w.IsZero() {
		return "none"
	}
	return w.Start.String() + "-" + w.End.String()
}
