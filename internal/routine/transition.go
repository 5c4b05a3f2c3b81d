// Package routine layers the community routine semantics on the scheduling
// core: channel announcements, per-member confirmation reminders, the
// daily confirmation state machine, streaks, leaderboards and role
// achievements.
package routine

import (
	"cerebroso/internal/state"
)

// keepDays is how much confirmation history a subscription retains. It
// covers the 30-day leaderboard window and a full previous month.
const keepDays = 92

// Confirm applies a confirmation for the given day key to a copy of sub.
// Confirming twice on the same day is a no-op: the second call returns
// changed=false and the streak accounting at rollover sees one confirmed
// day either way.
func Confirm(sub state.Subscription, day string) (state.Subscription, bool) {
	if sub.Phase == state.PhaseConfirmed && sub.ConfirmedOn(day) {
		return sub, false
	}
	out := sub
	out.Phase = state.PhaseConfirmed
	if !out.ConfirmedOn(day) {
		days := make([]string, 0, len(out.ConfirmedDays)+1)
		days = append(days, out.ConfirmedDays...)
		out.ConfirmedDays = append(days, day)
	}
	return out, true
}

// RolloverResult describes what the day boundary did to one subscription.
type RolloverResult struct {
	// Confirmed reports whether the ended day was confirmed.
	Confirmed bool
	// Streak is the value after the transition.
	Streak int
	// Broken is set when a positive streak reset to zero.
	Broken bool
}

// Rollover applies the day-boundary transition to a copy of sub: a
// confirmed day extends the streak, anything else resets it, and the phase
// returns to idle for the new day. Old confirmation history beyond the
// retention horizon is pruned.
func Rollover(sub state.Subscription, endedDay string) (state.Subscription, RolloverResult) {
	out := sub
	res := RolloverResult{
		Confirmed: sub.Phase == state.PhaseConfirmed || sub.ConfirmedOn(endedDay),
	}
	if res.Confirmed {
		out.Streak = sub.Streak + 1
	} else {
		res.Broken = sub.Streak > 0
		out.Streak = 0
	}
	res.Streak = out.Streak
	out.Phase = state.PhaseIdle
	out.ConfirmedDays = pruneDays(sub.ConfirmedDays, dayShift(endedDay, -keepDays))
	return out, res
}

func dayShift(day string, delta int) string { return state.ShiftDay(day, delta) }

// pruneDays keeps day keys at or after cutoff. DayLayout keys order
// lexicographically, so plain string comparison works.
func pruneDays(days []string, cutoff string) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		if d >= cutoff {
			out = append(out, d)
		}
	}
	return out
}
