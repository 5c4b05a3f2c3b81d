package routine

import (
	"sort"
	"strings"

	"cerebroso/internal/state"
)

// Entry is one leaderboard row, recomputed on query and never persisted.
type Entry struct {
	MemberID   int64
	MemberName string
	Streak     int
	// Count is the number of confirmed days inside the queried window.
	Count int
}

// Leaderboard ranks a routine's subscriptions by confirmations over the
// lastN days ending at endDay (inclusive). Ties break by streak, then by
// member id for a stable order.
func Leaderboard(subs []state.Subscription, endDay string, lastN int) []Entry {
	if lastN <= 0 {
		lastN = 30
	}
	from := dayShift(endDay, -(lastN - 1))

	out := make([]Entry, 0, len(subs))
	for _, sub := range subs {
		out = append(out, Entry{
			MemberID:   sub.MemberID,
			MemberName: sub.MemberName,
			Streak:     sub.Streak,
			Count:      countBetween(sub.ConfirmedDays, from, endDay),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Streak != out[j].Streak {
			return out[i].Streak > out[j].Streak
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

// MonthTop returns the member with the most confirmations in the given
// month ("2006-01"). ok is false when nobody confirmed anything.
func MonthTop(subs []state.Subscription, monthKey string) (Entry, bool) {
	var top Entry
	ok := false
	for _, sub := range subs {
		n := 0
		for _, d := range sub.ConfirmedDays {
			if strings.HasPrefix(d, monthKey+"-") {
				n++
			}
		}
		if n == 0 {
			continue
		}
		if !ok || n > top.Count || (n == top.Count && sub.MemberID < top.MemberID) {
			top = Entry{MemberID: sub.MemberID, MemberName: sub.MemberName, Streak: sub.Streak, Count: n}
			ok = true
		}
	}
	return top, ok
}

// MonthKey cuts a DayLayout key down to its month ("2026-08-23" → "2026-08").
func MonthKey(day string) string {
	if len(day) < 7 {
		return day
	}
	return day[:7]
}

func countBetween(days []string, from, to string) int {
	n := 0
	for _, d := range days {
		if d >= from && d <= to {
			n++
		}
	}
	return n
}
