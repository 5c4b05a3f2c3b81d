package routine

import (
	"testing"

	"cerebroso/internal/state"
)

func TestConfirmIdempotentPerDay(t *testing.T) {
	t.Parallel()

	sub := state.Subscription{RoutineID: "agua", MemberID: 7, Phase: state.PhaseNotified, Streak: 3}

	next, changed := Confirm(sub, "2026-08-23")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if next.Phase != state.PhaseConfirmed {
		t.Fatalf("Phase = %v, want %v", next.Phase, state.PhaseConfirmed)
	}
	if !next.ConfirmedOn("2026-08-23") {
		t.Fatalf("ConfirmedOn(2026-08-23) = false, want true")
	}

	again, changed := Confirm(next, "2026-08-23")
	if changed {
		t.Fatalf("second confirm changed = true, want false")
	}
	if len(again.ConfirmedDays) != 1 {
		t.Fatalf("ConfirmedDays = %v, want one entry", again.ConfirmedDays)
	}
}

func TestConfirmDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	sub := state.Subscription{RoutineID: "agua", MemberID: 7, ConfirmedDays: []string{"2026-08-21"}}
	before := len(sub.ConfirmedDays)

	next, _ := Confirm(sub, "2026-08-23")
	if len(sub.ConfirmedDays) != before {
		t.Fatalf("input ConfirmedDays mutated: %v", sub.ConfirmedDays)
	}
	if len(next.ConfirmedDays) != before+1 {
		t.Fatalf("next ConfirmedDays = %v, want %d entries", next.ConfirmedDays, before+1)
	}
}

func TestRolloverStreakAccounting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		sub        state.Subscription
		wantStreak int
		wantConf   bool
		wantBroken bool
	}{
		{
			name:       "confirmed increments",
			sub:        state.Subscription{Phase: state.PhaseConfirmed, Streak: 4, ConfirmedDays: []string{"2026-08-23"}},
			wantStreak: 5,
			wantConf:   true,
		},
		{
			name:       "day marked but phase already idle",
			sub:        state.Subscription{Phase: state.PhaseIdle, Streak: 1, ConfirmedDays: []string{"2026-08-23"}},
			wantStreak: 2,
			wantConf:   true,
		},
		{
			name:       "notified without confirmation breaks",
			sub:        state.Subscription{Phase: state.PhaseNotified, Streak: 6},
			wantStreak: 0,
			wantBroken: true,
		},
		{
			name:       "idle with zero streak stays quiet",
			sub:        state.Subscription{Phase: state.PhaseIdle, Streak: 0},
			wantStreak: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, res := Rollover(tt.sub, "2026-08-23")
			if next.Streak != tt.wantStreak {
				t.Fatalf("Streak = %d, want %d", next.Streak, tt.wantStreak)
			}
			if res.Confirmed != tt.wantConf {
				t.Fatalf("Confirmed = %v, want %v", res.Confirmed, tt.wantConf)
			}
			if res.Broken != tt.wantBroken {
				t.Fatalf("Broken = %v, want %v", res.Broken, tt.wantBroken)
			}
			if next.Phase != state.PhaseIdle {
				t.Fatalf("Phase = %v, want %v", next.Phase, state.PhaseIdle)
			}
		})
	}
}

func TestRolloverPrunesOldHistory(t *testing.T) {
	t.Parallel()

	old := dayShift("2026-08-23", -(keepDays + 1))
	edge := dayShift("2026-08-23", -keepDays)
	sub := state.Subscription{
		Phase:         state.PhaseConfirmed,
		ConfirmedDays: []string{old, edge, "2026-08-23"},
	}

	next, _ := Rollover(sub, "2026-08-23")
	for _, d := range next.ConfirmedDays {
		if d == old {
			t.Fatalf("ConfirmedDays still holds %s, want pruned", old)
		}
	}
	if !next.ConfirmedOn(edge) {
		t.Fatalf("ConfirmedOn(%s) = false, want kept", edge)
	}
	if !next.ConfirmedOn("2026-08-23") {
		t.Fatalf("ConfirmedOn(2026-08-23) = false, want kept")
	}
}

func TestDayShift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		day   string
		delta int
		want  string
	}{
		{"2026-08-23", 1, "2026-08-24"},
		{"2026-08-31", 1, "2026-09-01"},
		{"2026-12-31", 1, "2027-01-01"},
		{"2026-03-01", -1, "2026-02-28"},
		{"2026-08-23", 0, "2026-08-23"},
		{"not-a-day", 1, "not-a-day"},
	}
	for _, tt := range tests {
		if got := dayShift(tt.day, tt.delta); got != tt.want {
			t.Fatalf("dayShift(%q, %d) = %q, want %q", tt.day, tt.delta, got, tt.want)
		}
	}
}
