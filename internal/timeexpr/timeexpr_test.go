package timeexpr

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestParseRelative(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"+45m", now.Add(45 * time.Minute)},
		{"+1m", now.Add(time.Minute)},
		{"+2h", now.Add(2 * time.Hour)},
		{"+1d", now.Add(24 * time.Hour)},
		{" +10M ", now.Add(10 * time.Minute)},
		{"+365d", now.Add(365 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Parse(tt.expr, now, time.UTC)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseClockNextOccurrence(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/Sao_Paulo")
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, loc)

	// Still ahead today.
	got, err := Parse("18:00", now, loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2026, 3, 10, 18, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Parse(18:00) = %v, want %v", got, want)
	}

	// Already passed: resolves to tomorrow, never the past.
	got, err = Parse("09:00", now, loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want = time.Date(2026, 3, 11, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Parse(09:00) = %v, want %v", got, want)
	}
	if !got.After(now) {
		t.Fatalf("resolved time %v not after now %v", got, now)
	}

	// Exactly now counts as passed.
	got, err = Parse("14:30", now, loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want = time.Date(2026, 3, 11, 14, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Parse(14:30) = %v, want %v", got, want)
	}
}

func TestParseAbsolute(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/Sao_Paulo")
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)

	got, err := Parse("2026-03-15 08:30", now, loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2026, 3, 15, 8, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Parse absolute = %v, want %v", got, want)
	}

	if _, err := Parse("2026-03-10 13:00", now, loc); err == nil {
		t.Fatal("expected error for absolute time in the past")
	}
	if _, err := Parse("2027-04-01 00:00", now, loc); err == nil {
		t.Fatal("expected error beyond the lead cap")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	bad := []string{
		"", "  ", "soon", "+m", "+0m", "-5m", "+5x", "+5", "+10mm",
		"25:00", "12:60", "1230", "2026-13-01 10:00", "2026-03-10", "+400d",
	}
	for _, expr := range bad {
		if _, err := Parse(expr, now, time.UTC); err == nil {
			t.Fatalf("Parse(%q): expected error", expr)
		} else {
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse(%q): error %v is not a ParseError", expr, err)
			}
		}
	}
}

func TestClockNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 22, 15, 0, 0, time.UTC)
	c := Clock{Hour: 7, Minute: 0}
	got := c.Next(now)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestWindowOvernight(t *testing.T) {
	t.Parallel()
	w := Window{Start: Clock{Hour: 22}, End: Clock{Hour: 7}}

	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		t    time.Time
		in   bool
	}{
		{"before start", day(21, 59), false},
		{"at start", day(22, 0), true},
		{"late night", day(23, 0), true},
		{"small hours", day(2, 30), true},
		{"just before end", day(6, 59), true},
		{"at end", day(7, 0), false},
		{"midday", day(12, 0), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Contains(tt.t); got != tt.in {
				t.Fatalf("Contains(%v) = %v, want %v", tt.t, got, tt.in)
			}
		})
	}
}

func TestWindowNextOpen(t *testing.T) {
	t.Parallel()
	w := Window{Start: Clock{Hour: 22}, End: Clock{Hour: 7}}

	// 23:00 defers to 07:00 the next day.
	at := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	got := w.NextOpen(at)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen(23:00) = %v, want %v", got, want)
	}

	// 02:00 defers to 07:00 the same day.
	at = time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	got = w.NextOpen(at)
	want = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen(02:00) = %v, want %v", got, want)
	}

	// Outside the window the time passes through unchanged.
	at = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := w.NextOpen(at); !got.Equal(at) {
		t.Fatalf("NextOpen(noon) = %v, want unchanged", got)
	}

	// An empty window never defers.
	var none Window
	if none.Contains(at) {
		t.Fatal("empty window should contain nothing")
	}
	if got := none.NextOpen(at); !got.Equal(at) {
		t.Fatalf("empty window NextOpen = %v, want unchanged", got)
	}
}

func TestWindowDaytime(t *testing.T) {
	t.Parallel()
	// Non-wrapping window (13:00-14:00 siesta).
	w := Window{Start: Clock{Hour: 13}, End: Clock{Hour: 14}}
	in := time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC)
	if !w.Contains(in) {
		t.Fatal("13:30 should be inside 13:00-14:00")
	}
	got := w.NextOpen(in)
	want := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}
	if w.Contains(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatal("end edge should be exclusive")
	}
}
