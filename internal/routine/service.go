package routine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cerebroso/internal/delivery"
	"cerebroso/internal/eventbus"
	"cerebroso/internal/roles"
	"cerebroso/internal/schedule"
	"cerebroso/internal/state"
	"cerebroso/internal/storage"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
	"cerebroso/pkg/tgui"
)

var (
	ErrAlreadyJoined    = errors.New("already subscribed to routine")
	ErrIntervalTooShort = errors.New("reminder interval below minimum")
)

// defaultIntervalMinutes spaces per-member reminders when a member joins
// without choosing one.
const defaultIntervalMinutes = 90

type Config struct {
	// MinIntervalMinutes floors member reminder intervals. Default 5.
	MinIntervalMinutes int
}

func (c Config) minInterval() int {
	if c.MinIntervalMinutes <= 0 {
		return 5
	}
	return c.MinIntervalMinutes
}

// Sender is the slice of the delivery service the routine engine uses.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
	Announce(ctx context.Context, n kit.Notification) error
}

// Event is the bus payload for routine.* events.
type Event struct {
	RoutineID string    `json:"routine_id"`
	MemberID  int64     `json:"member_id,omitempty"`
	Day       string    `json:"day"`
	Streak    int       `json:"streak,omitempty"`
	At        time.Time `json:"at"`
}

type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log   logx.Logger
	st    *state.Store
	out   Sender
	sched *schedule.Service
	roles roles.Manager
	bus   eventbus.Bus
	audit storage.Store
	now   func() time.Time
}

func New(cfg Config, st *state.Store, out Sender, sched *schedule.Service, rm roles.Manager, log logx.Logger, bus eventbus.Bus, audit storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		st:    st,
		out:   out,
		sched: sched,
		roles: rm,
		bus:   bus,
		audit: audit,
		now:   time.Now,
	}
}

// Apply installs a new config. Takes effect for subsequent joins and
// preference changes.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) minInterval() int {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.minInterval()
}

// Start registers announce jobs for persisted routines plus the midnight
// rollover, and catches up on rollovers missed while the bot was down.
// Call before the schedule service starts triggering.
func (s *Service) Start(ctx context.Context) {
	for _, r := range s.st.Routines() {
		s.registerAnnounceJobs(r)
	}
	_ = s.sched.AddDaily("routine.rollover", timeexpr.Clock{}, 5*time.Minute, func(jctx context.Context) error {
		s.Rollover(jctx, s.now())
		return nil
	})
	s.Rollover(ctx, s.now())
}

// --- staff operations ---

// Create validates and stores a new routine and registers its announce jobs.
func (s *Service) Create(ctx context.Context, r state.Routine) (state.Routine, error) {
	r.ID = strings.ToLower(strings.TrimSpace(r.ID))
	if r.ID == "" || strings.ContainsAny(r.ID, " \t\n:") {
		return state.Routine{}, fmt.Errorf("routine id %q: must be a single word without colons", r.ID)
	}
	// The id rides in confirm button payloads, which Telegram caps.
	if len(ConfirmCallback(r.ID)) > tgui.MaxCallbackDataLen {
		return state.Routine{}, fmt.Errorf("routine id %q: too long for button payloads", r.ID)
	}
	if strings.TrimSpace(r.Name) == "" {
		r.Name = r.ID
	}
	if r.ChatID == 0 {
		return state.Routine{}, fmt.Errorf("routine %q: announcement channel required", r.ID)
	}
	if _, ok := s.st.GetRoutine(r.ID); ok {
		return state.Routine{}, fmt.Errorf("routine %q: %w", r.ID, state.ErrDuplicate)
	}

	times, err := normalizeClocks(r.AnnounceTimes)
	if err != nil {
		return state.Routine{}, fmt.Errorf("routine %q: %w", r.ID, err)
	}
	r.AnnounceTimes = times
	if err := validateQuiet(r.QuietStart, r.QuietEnd); err != nil {
		return state.Routine{}, fmt.Errorf("routine %q: %w", r.ID, err)
	}

	r.LastAnnounced = nil
	r.MonthlyTopHolder = 0
	r.Paused = false
	r.CreatedAt = s.now()
	s.st.PutRoutine(r)
	s.registerAnnounceJobs(r)
	s.log.Info("routine created",
		logx.String("routine", r.ID), logx.Int64("chat", r.ChatID),
		logx.Int("announce_times", len(r.AnnounceTimes)))
	return r, nil
}

// EditParams holds the fields a staff edit may change. Nil means keep.
type EditParams struct {
	Name          *string
	ChatID        *int64
	Emoji         *string
	AnnounceTimes *[]string
	QuietStart    *string
	QuietEnd      *string
}

func (s *Service) Edit(ctx context.Context, id string, p EditParams) (state.Routine, error) {
	r, ok := s.st.GetRoutine(id)
	if !ok {
		return state.Routine{}, fmt.Errorf("routine %q: %w", id, state.ErrNotFound)
	}

	if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
		r.Name = strings.TrimSpace(*p.Name)
	}
	if p.ChatID != nil && *p.ChatID != 0 {
		r.ChatID = *p.ChatID
	}
	if p.Emoji != nil {
		r.Emoji = strings.TrimSpace(*p.Emoji)
	}
	if p.AnnounceTimes != nil {
		times, err := normalizeClocks(*p.AnnounceTimes)
		if err != nil {
			return state.Routine{}, fmt.Errorf("routine %q: %w", id, err)
		}
		r.AnnounceTimes = times
	}
	qs, qe := r.QuietStart, r.QuietEnd
	if p.QuietStart != nil {
		qs = strings.TrimSpace(*p.QuietStart)
	}
	if p.QuietEnd != nil {
		qe = strings.TrimSpace(*p.QuietEnd)
	}
	if err := validateQuiet(qs, qe); err != nil {
		return state.Routine{}, fmt.Errorf("routine %q: %w", id, err)
	}
	r.QuietStart, r.QuietEnd = qs, qe

	s.st.PutRoutine(r)
	s.registerAnnounceJobs(r)
	s.log.Info("routine edited", logx.String("routine", id))
	return r, nil
}

// SetAchievements configures the streak and monthly-top roles. Existing
// holders are re-evaluated against the new threshold right away.
func (s *Service) SetAchievements(ctx context.Context, id string, streakDays int, streakRole, monthlyTopRole string) error {
	r, ok := s.st.GetRoutine(id)
	if !ok {
		return fmt.Errorf("routine %q: %w", id, state.ErrNotFound)
	}
	if streakDays < 0 {
		streakDays = 0
	}

	prevTopRole, prevHolder := r.MonthlyTopRole, r.MonthlyTopHolder
	s.st.MutateRoutine(id, func(x *state.Routine) {
		x.StreakDays = streakDays
		x.StreakRole = strings.TrimSpace(streakRole)
		x.MonthlyTopRole = strings.TrimSpace(monthlyTopRole)
		if x.MonthlyTopRole == "" {
			x.MonthlyTopHolder = 0
		}
	})
	if prevTopRole != "" && strings.TrimSpace(monthlyTopRole) == "" && prevHolder != 0 {
		_ = s.roles.Revoke(ctx, prevHolder, prevTopRole, id)
	}

	r, _ = s.st.GetRoutine(id)
	for _, sub := range s.st.SubsOfRoutine(id) {
		s.applyStreakRoleDelta(ctx, r, sub)
	}
	s.log.Info("routine achievements configured",
		logx.String("routine", id), logx.Int("streak_days", streakDays),
		logx.String("streak_role", r.StreakRole), logx.String("monthly_top_role", r.MonthlyTopRole))
	return nil
}

func (s *Service) Pause(id string) error {
	if !s.st.MutateRoutine(id, func(x *state.Routine) { x.Paused = true }) {
		return fmt.Errorf("routine %q: %w", id, state.ErrNotFound)
	}
	s.sched.RemovePrefix(announceJobPrefix(id))
	s.log.Info("routine paused", logx.String("routine", id))
	return nil
}

func (s *Service) Resume(id string) error {
	if !s.st.MutateRoutine(id, func(x *state.Routine) { x.Paused = false }) {
		return fmt.Errorf("routine %q: %w", id, state.ErrNotFound)
	}
	if r, ok := s.st.GetRoutine(id); ok {
		s.registerAnnounceJobs(r)
	}
	s.log.Info("routine resumed", logx.String("routine", id))
	return nil
}

// Delete removes the routine, its subscriptions and notice items, and
// revokes any roles its achievements granted.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, ok := s.st.GetRoutine(id)
	if !ok {
		return fmt.Errorf("routine %q: %w", id, state.ErrNotFound)
	}

	if r.StreakRole != "" {
		for _, sub := range s.st.SubsOfRoutine(id) {
			if sub.HasStreakRole {
				_ = s.roles.Revoke(ctx, sub.MemberID, r.StreakRole, id)
			}
		}
	}
	if r.MonthlyTopRole != "" && r.MonthlyTopHolder != 0 {
		_ = s.roles.Revoke(ctx, r.MonthlyTopHolder, r.MonthlyTopRole, id)
	}

	s.st.DeleteRoutine(id)
	s.sched.RemovePrefix(announceJobPrefix(id))
	s.log.Info("routine deleted", logx.String("routine", id))
	return nil
}

// Info is a routine with its member count, for the staff list view.
type Info struct {
	state.Routine
	Members int
}

func (s *Service) List() []Info {
	rs := s.st.Routines()
	out := make([]Info, 0, len(rs))
	for _, r := range rs {
		out = append(out, Info{Routine: r, Members: len(s.st.SubsOfRoutine(r.ID))})
	}
	return out
}

// --- member operations ---

// Join subscribes a member. A zero interval takes the default; dmChatID 0
// means the member follows the channel announcements only.
func (s *Service) Join(ctx context.Context, routineID string, memberID int64, memberName string, dmChatID int64, intervalMinutes int) (state.Subscription, error) {
	r, ok := s.st.GetRoutine(routineID)
	if !ok {
		return state.Subscription{}, fmt.Errorf("routine %q: %w", routineID, state.ErrNotFound)
	}
	if _, ok := s.st.GetSub(routineID, memberID); ok {
		return state.Subscription{}, fmt.Errorf("routine %q: %w", routineID, ErrAlreadyJoined)
	}
	if intervalMinutes == 0 {
		intervalMinutes = defaultIntervalMinutes
	}
	if min := s.minInterval(); intervalMinutes < min {
		return state.Subscription{}, fmt.Errorf("%w: minimum %d minutes", ErrIntervalTooShort, min)
	}

	sub := state.Subscription{
		RoutineID:       routineID,
		MemberID:        memberID,
		MemberName:      strings.TrimSpace(memberName),
		IntervalMinutes: intervalMinutes,
		DMEnabled:       dmChatID != 0,
		DMChatID:        dmChatID,
		Phase:           state.PhaseIdle,
		JoinedAt:        s.now(),
	}
	s.st.PutSub(sub)
	s.syncNoticeItem(r, sub)
	s.log.Info("member joined routine",
		logx.String("routine", routineID), logx.Int64("member", memberID),
		logx.Int("interval_min", intervalMinutes), logx.Bool("dm", sub.DMEnabled))
	return sub, nil
}

// Leave unsubscribes a member and revokes their streak role if held.
func (s *Service) Leave(ctx context.Context, routineID string, memberID int64) error {
	sub, ok := s.st.GetSub(routineID, memberID)
	if !ok {
		return fmt.Errorf("subscription to %q: %w", routineID, state.ErrNotFound)
	}
	if sub.HasStreakRole {
		if r, ok := s.st.GetRoutine(routineID); ok && r.StreakRole != "" {
			_ = s.roles.Revoke(ctx, memberID, r.StreakRole, routineID)
		}
	}
	s.st.DeleteSub(routineID, memberID)
	s.log.Info("member left routine", logx.String("routine", routineID), logx.Int64("member", memberID))
	return nil
}

// Preferences carries a partial update of a member's settings. Nil keeps
// the current value; an empty quiet override clears it.
type Preferences struct {
	IntervalMinutes *int
	DMEnabled       *bool
	DMChatID        *int64
	QuietStart      *string
	QuietEnd        *string
}

func (s *Service) SetPreferences(ctx context.Context, routineID string, memberID int64, p Preferences) (state.Subscription, error) {
	r, ok := s.st.GetRoutine(routineID)
	if !ok {
		return state.Subscription{}, fmt.Errorf("routine %q: %w", routineID, state.ErrNotFound)
	}
	sub, ok := s.st.GetSub(routineID, memberID)
	if !ok {
		return state.Subscription{}, fmt.Errorf("subscription to %q: %w", routineID, state.ErrNotFound)
	}

	if p.IntervalMinutes != nil {
		if min := s.minInterval(); *p.IntervalMinutes < min {
			return state.Subscription{}, fmt.Errorf("%w: minimum %d minutes", ErrIntervalTooShort, min)
		}
		sub.IntervalMinutes = *p.IntervalMinutes
	}
	if p.DMChatID != nil {
		sub.DMChatID = *p.DMChatID
	}
	if p.DMEnabled != nil {
		sub.DMEnabled = *p.DMEnabled
	}
	if sub.DMEnabled && sub.DMChatID == 0 {
		return state.Subscription{}, fmt.Errorf("dm reminders need a known dm chat")
	}
	qs, qe := sub.QuietStart, sub.QuietEnd
	if p.QuietStart != nil {
		qs = strings.TrimSpace(*p.QuietStart)
	}
	if p.QuietEnd != nil {
		qe = strings.TrimSpace(*p.QuietEnd)
	}
	if err := validateQuiet(qs, qe); err != nil {
		return state.Subscription{}, err
	}
	sub.QuietStart, sub.QuietEnd = qs, qe

	s.st.PutSub(sub)
	s.syncNoticeItem(r, sub)
	s.log.Info("routine preferences updated",
		logx.String("routine", routineID), logx.Int64("member", memberID),
		logx.Int("interval_min", sub.IntervalMinutes), logx.Bool("dm", sub.DMEnabled))
	return sub, nil
}

// Subscriptions lists the member's routine subscriptions.
func (s *Service) Subscriptions(memberID int64) []state.Subscription {
	return s.st.SubsOfMember(memberID)
}

// LeaderboardOf ranks the routine's members over the lastN days ending now.
func (s *Service) LeaderboardOf(routineID string, now time.Time, lastN int) ([]Entry, error) {
	if _, ok := s.st.GetRoutine(routineID); !ok {
		return nil, fmt.Errorf("routine %q: %w", routineID, state.ErrNotFound)
	}
	return Leaderboard(s.st.SubsOfRoutine(routineID), s.st.DayKey(now), lastN), nil
}

// --- confirmation ---

// Confirm applies a member's confirmation action (button press or matching
// reaction). It is idempotent per day; the returned text answers the
// member either way.
func (s *Service) Confirm(ctx context.Context, routineID string, memberID int64, now time.Time) (string, error) {
	r, ok := s.st.GetRoutine(routineID)
	if !ok {
		return "", fmt.Errorf("routine %q: %w", routineID, state.ErrNotFound)
	}
	sub, ok := s.st.GetSub(routineID, memberID)
	if !ok {
		return "", fmt.Errorf("subscription to %q: %w", routineID, state.ErrNotFound)
	}

	day := s.st.DayKey(now)
	next, changed := Confirm(sub, day)
	if !changed {
		return alreadyConfirmedText(r), nil
	}
	s.st.MutateSub(routineID, memberID, func(x *state.Subscription) {
		x.Phase = next.Phase
		x.ConfirmedDays = next.ConfirmedDays
	})

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRoutineConfirmed, Time: now, Data: Event{
			RoutineID: routineID, MemberID: memberID, Day: day, Streak: sub.Streak + 1, At: now,
		}})
	}
	s.auditRecord(storage.Record{
		At: now, Kind: "confirm", OwnerID: memberID, RoutineID: routineID, Outcome: "confirmed",
	})
	s.log.Info("routine confirmed",
		logx.String("routine", routineID), logx.Int64("member", memberID), logx.String("day", day))
	return confirmedText(r, sub.Streak+1), nil
}

// --- announcements ---

func announceJobPrefix(routineID string) string { return "routine.announce:" + routineID + ":" }

func (s *Service) registerAnnounceJobs(r state.Routine) {
	s.sched.RemovePrefix(announceJobPrefix(r.ID))
	if r.Paused {
		return
	}
	for _, at := range r.AnnounceTimes {
		c, err := timeexpr.ParseClock(at)
		if err != nil {
			s.log.Warn("skipping unparsable announce time",
				logx.String("routine", r.ID), logx.String("at", at), logx.Err(err))
			continue
		}
		clock := c
		id := r.ID
		_ = s.sched.AddDaily(announceJobPrefix(id)+clock.String(), clock, time.Minute, func(jctx context.Context) error {
			return s.announce(jctx, id, clock.String())
		})
	}
}

// announce posts one scheduled channel announcement. LastAnnounced keeps a
// restart from repeating a slot already posted today.
func (s *Service) announce(ctx context.Context, routineID, slot string) error {
	r, ok := s.st.GetRoutine(routineID)
	if !ok {
		s.sched.RemovePrefix(announceJobPrefix(routineID))
		return nil
	}
	if r.Paused {
		return nil
	}
	today := s.st.Today()
	if r.LastAnnounced[slot] == today {
		return nil
	}

	n := kit.Notification{
		Target: kit.ChatTarget{ChatID: r.ChatID},
		Text:   announceText(r),
		Options: &kit.SendOptions{
			ParseMode: "HTML",
			Buttons:   []kit.Button{confirmButton(r)},
		},
		DedupKey: fmt.Sprintf("announce:%s:%s:%s", routineID, today, slot),
	}
	err := s.out.Announce(ctx, n)
	if errors.Is(err, delivery.ErrDisabled) {
		err = s.out.Send(ctx, n.Target, n.Text, n.Options)
	}
	if err != nil {
		return fmt.Errorf("announce %s at %s: %w", routineID, slot, err)
	}

	s.st.MutateRoutine(routineID, func(x *state.Routine) {
		if x.LastAnnounced == nil {
			x.LastAnnounced = map[string]string{}
		}
		x.LastAnnounced[slot] = today
	})

	// Members following the channel count as notified by the post.
	for _, sub := range s.st.SubsOfRoutine(routineID) {
		if !sub.DMEnabled && sub.Phase == state.PhaseIdle {
			s.st.MutateSub(routineID, sub.MemberID, func(x *state.Subscription) {
				if x.Phase == state.PhaseIdle {
					x.Phase = state.PhaseNotified
				}
			})
		}
	}
	s.log.Debug("routine announced", logx.String("routine", routineID), logx.String("slot", slot))
	return nil
}

// --- rollover ---

// Rollover advances the day boundary: streak accounting, role deltas and,
// on a month change, the monthly-top award. Missed boundaries (bot down
// over midnight) are caught up one ended day at a time.
func (s *Service) Rollover(ctx context.Context, now time.Time) {
	endedDay := s.st.DayKey(now.AddDate(0, 0, -1))
	last := s.st.LastRollover()
	if last != "" && last >= endedDay {
		return
	}

	from := endedDay
	if last != "" && last < endedDay {
		from = dayShift(last, 1)
		if floor := dayShift(endedDay, -keepDays); from < floor {
			from = floor
		}
	}
	for day := from; day <= endedDay; day = dayShift(day, 1) {
		s.rolloverDay(ctx, day)
	}
	s.st.SetLastRollover(endedDay)
}

func (s *Service) rolloverDay(ctx context.Context, endedDay string) {
	newMonth := MonthKey(endedDay) != MonthKey(dayShift(endedDay, 1))

	for _, r := range s.st.Routines() {
		if r.Paused {
			continue
		}
		confirmed, missed := 0, 0
		for _, sub := range s.st.SubsOfRoutine(r.ID) {
			next, res := Rollover(sub, endedDay)
			if res.Confirmed {
				confirmed++
			}
			if res.Broken {
				missed++
				if s.bus != nil {
					s.bus.Publish(eventbus.Event{Type: eventbus.TypeRoutineMissed, Time: s.now(), Data: Event{
						RoutineID: r.ID, MemberID: sub.MemberID, Day: endedDay, At: s.now(),
					}})
				}
				s.auditRecord(storage.Record{
					At: s.now(), Kind: "rollover", OwnerID: sub.MemberID, RoutineID: r.ID, Outcome: "missed",
				})
			}
			s.st.PutSub(next)
			s.applyStreakRoleDelta(ctx, r, next)
		}

		if newMonth {
			s.awardMonthlyTop(ctx, r.ID, MonthKey(endedDay))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRoutineRollover, Time: s.now(), Data: Event{
				RoutineID: r.ID, Day: endedDay, At: s.now(),
			}})
		}
		s.log.Info("routine rollover",
			logx.String("routine", r.ID), logx.String("day", endedDay),
			logx.Int("confirmed", confirmed), logx.Int("missed", missed))
	}
}

// applyStreakRoleDelta grants or revokes the streak role so the marker
// matches the threshold. Grants fire once per crossing; a revoked role can
// be earned again.
func (s *Service) applyStreakRoleDelta(ctx context.Context, r state.Routine, sub state.Subscription) {
	if r.StreakRole == "" || r.StreakDays <= 0 {
		if sub.HasStreakRole {
			s.st.MutateSub(r.ID, sub.MemberID, func(x *state.Subscription) { x.HasStreakRole = false })
		}
		return
	}
	switch {
	case sub.Streak >= r.StreakDays && !sub.HasStreakRole:
		if err := s.roles.Grant(ctx, sub.MemberID, r.StreakRole, r.ID); err != nil {
			s.log.Warn("streak role grant failed",
				logx.String("routine", r.ID), logx.Int64("member", sub.MemberID), logx.Err(err))
			return
		}
		s.st.MutateSub(r.ID, sub.MemberID, func(x *state.Subscription) { x.HasStreakRole = true })
	case sub.Streak < r.StreakDays && sub.HasStreakRole:
		if err := s.roles.Revoke(ctx, sub.MemberID, r.StreakRole, r.ID); err != nil {
			s.log.Warn("streak role revoke failed",
				logx.String("routine", r.ID), logx.Int64("member", sub.MemberID), logx.Err(err))
			return
		}
		s.st.MutateSub(r.ID, sub.MemberID, func(x *state.Subscription) { x.HasStreakRole = false })
	}
}

// awardMonthlyTop moves the monthly-top role to the ended month's best
// confirmer. The previous holder keeps it only by staying on top.
func (s *Service) awardMonthlyTop(ctx context.Context, routineID, monthKey string) {
	r, ok := s.st.GetRoutine(routineID)
	if !ok || r.MonthlyTopRole == "" {
		return
	}
	top, found := MonthTop(s.st.SubsOfRoutine(routineID), monthKey)
	newHolder := int64(0)
	if found {
		newHolder = top.MemberID
	}
	if newHolder == r.MonthlyTopHolder {
		return
	}

	if r.MonthlyTopHolder != 0 {
		_ = s.roles.Revoke(ctx, r.MonthlyTopHolder, r.MonthlyTopRole, routineID)
	}
	if newHolder != 0 {
		_ = s.roles.Grant(ctx, newHolder, r.MonthlyTopRole, routineID)
		name := top.MemberName
		if name == "" {
			name = fmt.Sprintf("membro %d", newHolder)
		}
		_ = s.out.Announce(ctx, kit.Notification{
			Target: kit.ChatTarget{ChatID: r.ChatID},
			Text: fmt.Sprintf("🏆 %s %s, com %d confirmações!",
				tgui.B("Top do mês na rotina "+r.Name+":"),
				tgui.Mention(tgui.TruncRunes(name, 32), newHolder), top.Count),
			Options:  &kit.SendOptions{ParseMode: "HTML"},
			DedupKey: fmt.Sprintf("monthtop:%s:%s", routineID, monthKey),
		})
	}
	s.st.MutateRoutine(routineID, func(x *state.Routine) { x.MonthlyTopHolder = newHolder })
	s.log.Info("monthly top awarded",
		logx.String("routine", routineID), logx.String("month", monthKey),
		logx.Int64("holder", newHolder))
}

// --- notice items ---

// syncNoticeItem rebuilds the member's reminder item to match their
// current preferences.
func (s *Service) syncNoticeItem(r state.Routine, sub state.Subscription) {
	s.st.Cancel(sub.MemberID, state.NoticeItemID(r.ID))
	if !sub.DMEnabled || sub.IntervalMinutes <= 0 {
		return
	}
	_, err := s.st.Create(state.ScheduledItem{
		ID:           state.NoticeItemID(r.ID),
		OwnerID:      sub.MemberID,
		Kind:         state.KindRoutineNotice,
		ChatID:       sub.DMChatID,
		Text:         "Rotina: " + r.Name,
		Emoji:        r.Emoji,
		RoutineID:    r.ID,
		NextFire:     s.now().Add(time.Duration(sub.IntervalMinutes) * time.Minute),
		EveryMinutes: sub.IntervalMinutes,
	})
	if err != nil {
		s.log.Error("notice item create failed",
			logx.String("routine", r.ID), logx.Int64("member", sub.MemberID), logx.Err(err))
	}
}

func (s *Service) auditRecord(rec storage.Record) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.audit.AppendAudit(ctx, rec); err != nil {
		s.log.Debug("routine audit failed", logx.Err(err))
	}
}

// --- validation helpers ---

func normalizeClocks(times []string) ([]string, error) {
	out := make([]string, 0, len(times))
	seen := map[string]bool{}
	for _, at := range times {
		c, err := timeexpr.ParseClock(at)
		if err != nil {
			return nil, err
		}
		key := c.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

func validateQuiet(start, end string) error {
	if (start == "") != (end == "") {
		return fmt.Errorf("quiet window needs both start and end")
	}
	if start == "" {
		return nil
	}
	a, err := timeexpr.ParseClock(start)
	if err != nil {
		return err
	}
	b, err := timeexpr.ParseClock(end)
	if err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("quiet window start and end are the same")
	}
	return nil
}
