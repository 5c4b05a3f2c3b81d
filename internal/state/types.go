// Package state holds the persisted scheduling state: scheduled items,
// routines and their subscriptions, habits and pomodoro sessions. The Store
// is the single scheduling authority; all mutations go through it and are
// serialized under one lock, then written back to disk.
package state

import "time"

type ItemKind string

const (
	KindReminder      ItemKind = "reminder"
	KindHabitTick     ItemKind = "habit_tick"
	KindRoutineNotice ItemKind = "routine_notice"
)

// DayLayout keys calendar days in the store's timezone.
const DayLayout = "2006-01-02"

// ShiftDay moves a DayLayout key by delta days. Malformed keys come back
// unchanged. Keys in this layout order lexicographically.
func ShiftDay(day string, delta int) string {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, delta).Format(DayLayout)
}

// ScheduledItem is one dispatchable unit of work: a personal reminder, a
// habit nudge or a routine notice.
//
// NextFire and Active are written only through the dispatch handshake
// (RetireAfterDispatch/RescheduleAfterDispatch) and the engine-side mutators;
// Seq changes on every such write so a stale dispatch can detect it lost.
type ScheduledItem struct {
	ID      string   `json:"id"`
	OwnerID int64    `json:"owner_id"`
	Kind    ItemKind `json:"kind"`

	// ChatID is the delivery target (DM chat for reminders and habit nudges,
	// the member's DM chat or the routine channel for notices).
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
	Emoji  string `json:"emoji,omitempty"`

	// RoutineID and HabitID tie kind-specific items back to their record.
	RoutineID string `json:"routine_id,omitempty"`
	HabitID   string `json:"habit_id,omitempty"`

	NextFire time.Time `json:"next_fire"`
	// EveryMinutes is the recurrence interval; 0 means one-shot.
	EveryMinutes int  `json:"every_minutes,omitempty"`
	Active       bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is the in-memory dispatch generation, not persisted.
	Seq uint64 `json:"-"`
}

// Recurring reports whether the item reschedules after dispatch.
func (it ScheduledItem) Recurring() bool { return it.EveryMinutes > 0 }

// Interval returns the recurrence interval (zero for one-shots).
func (it ScheduledItem) Interval() time.Duration {
	return time.Duration(it.EveryMinutes) * time.Minute
}

// Routine is a community-wide recurring confirmation activity, created and
// edited by staff.
type Routine struct {
	ID     string `json:"id"` // slug, e.g. "agua"
	Name   string `json:"name"`
	ChatID int64  `json:"chat_id"` // announcement channel
	Emoji  string `json:"emoji,omitempty"`

	// AnnounceTimes are "HH:MM" wall-clock times for channel announcements.
	AnnounceTimes []string `json:"announce_times,omitempty"`

	// QuietStart/QuietEnd ("HH:MM") bound the default quiet window; both
	// empty means none. The window may wrap midnight.
	QuietStart string `json:"quiet_start,omitempty"`
	QuietEnd   string `json:"quiet_end,omitempty"`

	// StreakRole is granted when a member's streak reaches exactly
	// StreakDays. MonthlyTopRole moves to the month's top confirmer at
	// month end. Empty values disable the grant.
	StreakDays     int    `json:"streak_days,omitempty"`
	StreakRole     string `json:"streak_role,omitempty"`
	MonthlyTopRole string `json:"monthly_top_role,omitempty"`

	// MonthlyTopHolder is the member currently wearing MonthlyTopRole
	// (0 = nobody).
	MonthlyTopHolder int64 `json:"monthly_top_holder,omitempty"`

	// LastAnnounced maps announce time ("HH:MM") to the last day key it was
	// posted, so a restart does not repeat the day's announcement.
	LastAnnounced map[string]string `json:"last_announced,omitempty"`

	Paused    bool      `json:"paused,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Phase is the per-day confirmation state of a subscription.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseNotified  Phase = "notified"
	PhaseConfirmed Phase = "confirmed"
)

// Subscription is one member's participation in a routine.
type Subscription struct {
	RoutineID  string `json:"routine_id"`
	MemberID   int64  `json:"member_id"`
	MemberName string `json:"member_name,omitempty"`

	IntervalMinutes int  `json:"interval_minutes"`
	DMEnabled       bool `json:"dm_enabled"`
	// DMChatID is where reminders go when DMEnabled (usually the member's
	// private chat).
	DMChatID int64 `json:"dm_chat_id,omitempty"`

	// QuietStart/QuietEnd override the routine's quiet window when both set.
	QuietStart string `json:"quiet_start,omitempty"`
	QuietEnd   string `json:"quiet_end,omitempty"`

	Phase  Phase `json:"phase"`
	Streak int   `json:"streak"`

	// ConfirmedDays holds day keys (DayLayout) of confirmed days, pruned at
	// rollover to the leaderboard horizon.
	ConfirmedDays []string `json:"confirmed_days,omitempty"`

	// HasStreakRole marks that the streak role grant was applied, so the
	// delta fires only when the threshold is newly crossed.
	HasStreakRole bool `json:"has_streak_role,omitempty"`

	JoinedAt time.Time `json:"joined_at"`
}

// ConfirmedOn reports whether day (a DayLayout key) is recorded as confirmed.
func (s Subscription) ConfirmedOn(day string) bool {
	for _, d := range s.ConfirmedDays {
		if d == day {
			return true
		}
	}
	return false
}

// Habit is a personal recurring goal with manual increments.
type Habit struct {
	ID      string `json:"id"` // per-owner sequence
	OwnerID int64  `json:"owner_id"`
	ChatID  int64  `json:"chat_id"`
	Name    string `json:"name"`
	Emoji   string `json:"emoji,omitempty"`

	GoalPerDay int `json:"goal_per_day"`
	CountToday int `json:"count_today"`
	// IntervalMinutes spaces the nudges; 0 disables them.
	IntervalMinutes int  `json:"interval_minutes,omitempty"`
	Paused          bool `json:"paused,omitempty"`

	// Streak counts consecutive days the goal was met, updated at rollover.
	Streak int `json:"streak,omitempty"`

	// History holds recent day results, newest last, pruned at rollover.
	History []HabitDay `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type HabitDay struct {
	Day   string `json:"day"` // DayLayout key
	Count int    `json:"count"`
	Goal  int    `json:"goal"`
}

// GoalReached reports whether today's count already covers the goal.
func (h Habit) GoalReached() bool { return h.GoalPerDay > 0 && h.CountToday >= h.GoalPerDay }

// PomodoroPhase is the active stage of a pomodoro session.
type PomodoroPhase string

const (
	PomodoroFocus      PomodoroPhase = "foco"
	PomodoroShortBreak PomodoroPhase = "pausa_curta"
	PomodoroLongBreak  PomodoroPhase = "pausa_longa"
)

// PomodoroSession is one chat's running pomodoro. Deadlines persist so a
// restart resumes the countdown instead of resetting it.
type PomodoroSession struct {
	ChatID  int64 `json:"chat_id"`
	OwnerID int64 `json:"owner_id"`

	Phase    PomodoroPhase `json:"phase"`
	PhaseEnd time.Time     `json:"phase_end"`
	// Cycle counts completed focus phases since the last long break.
	Cycle int `json:"cycle"`

	// Paused freezes the countdown. RemainingSec captures the time left in
	// the phase at pause; Resume turns it back into a PhaseEnd deadline.
	Paused       bool `json:"paused,omitempty"`
	RemainingSec int  `json:"remaining_sec,omitempty"`

	// Participants joined through the start message buttons.
	Participants []int64 `json:"participants,omitempty"`

	FocusSec      int `json:"focus_sec"`
	ShortBreakSec int `json:"short_break_sec"`
	LongBreakSec  int `json:"long_break_sec"`
	CyclesToLong  int `json:"cycles_to_long"`

	// MessageChatID/MessageID reference the status message edited in place.
	MessageChatID int64 `json:"message_chat_id,omitempty"`
	MessageID     int   `json:"message_id,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Remaining is the time left in the current phase, frozen while paused.
func (p PomodoroSession) Remaining(now time.Time) time.Duration {
	if p.Paused {
		return time.Duration(p.RemainingSec) * time.Second
	}
	if d := p.PhaseEnd.Sub(now); d > 0 {
		return d
	}
	return 0
}

// HasParticipant reports whether member joined the session.
func (p PomodoroSession) HasParticipant(memberID int64) bool {
	for _, id := range p.Participants {
		if id == memberID {
			return true
		}
	}
	return false
}
