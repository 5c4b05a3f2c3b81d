// Package habit tracks personal daily-goal habits: manual +1 marks, nudge
// DMs between marks, and day-boundary accounting with goal streaks.
package habit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cerebroso/internal/state"
	"cerebroso/internal/storage"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
)

var ErrIntervalTooShort = errors.New("nudge interval below minimum")

// keepDays bounds per-habit history, same horizon as routine confirmations.
const keepDays = 92

type Config struct {
	// MinIntervalMinutes floors nudge intervals. Default 5.
	MinIntervalMinutes int
}

func (c Config) minInterval() int {
	if c.MinIntervalMinutes <= 0 {
		return 5
	}
	return c.MinIntervalMinutes
}

// Sender sends nudge DMs. The delivery service satisfies it.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log   logx.Logger
	st    *state.Store
	out   Sender
	audit storage.Store
	now   func() time.Time
}

func New(cfg Config, st *state.Store, out Sender, log logx.Logger, audit storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, st: st, out: out, audit: audit, now: time.Now}
}

// Apply installs a new config. Takes effect for subsequent creates.
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

// CreateParams describes a new habit. Zero GoalPerDay means one per day;
// zero IntervalMinutes disables nudges.
type CreateParams struct {
	OwnerID         int64
	ChatID          int64
	Name            string
	Emoji           string
	GoalPerDay      int
	IntervalMinutes int
}

// Create stores the habit and, when nudges are on, its recurring tick item.
func (s *Service) Create(ctx context.Context, p CreateParams) (state.Habit, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return state.Habit{}, fmt.Errorf("habit: name required")
	}
	for _, h := range s.st.HabitsOf(p.OwnerID) {
		if strings.EqualFold(h.Name, name) {
			return state.Habit{}, fmt.Errorf("habit %q: %w", name, state.ErrDuplicate)
		}
	}
	if p.GoalPerDay <= 0 {
		p.GoalPerDay = 1
	}
	if p.IntervalMinutes < 0 {
		p.IntervalMinutes = 0
	}
	if p.IntervalMinutes > 0 {
		if min := s.minInterval(); p.IntervalMinutes < min {
			return state.Habit{}, fmt.Errorf("%w: minimum %d minutes", ErrIntervalTooShort, min)
		}
		if p.ChatID == 0 {
			return state.Habit{}, fmt.Errorf("habit %q: nudges need a known dm chat", name)
		}
	}

	h := state.Habit{
		OwnerID:         p.OwnerID,
		ChatID:          p.ChatID,
		Name:            name,
		Emoji:           strings.TrimSpace(p.Emoji),
		GoalPerDay:      p.GoalPerDay,
		IntervalMinutes: p.IntervalMinutes,
		CreatedAt:       s.now(),
	}
	h.ID = s.st.PutHabit(h)

	if h.IntervalMinutes > 0 {
		_, err := s.st.Create(state.ScheduledItem{
			ID:           state.HabitItemID(h.ID),
			OwnerID:      h.OwnerID,
			Kind:         state.KindHabitTick,
			ChatID:       h.ChatID,
			Text:         "Hábito: " + h.Name,
			Emoji:        h.Emoji,
			HabitID:      h.ID,
			NextFire:     s.now().Add(time.Duration(h.IntervalMinutes) * time.Minute),
			EveryMinutes: h.IntervalMinutes,
		})
		if err != nil {
			s.log.Error("nudge item create failed",
				logx.String("habit", h.ID), logx.Int64("owner", h.OwnerID), logx.Err(err))
		}
	}
	s.log.Info("habit created",
		logx.String("habit", h.ID), logx.Int64("owner", h.OwnerID),
		logx.String("name", h.Name), logx.Int("goal", h.GoalPerDay),
		logx.Int("interval_min", h.IntervalMinutes))
	return h, nil
}

// Mark counts one completion and answers with today's progress.
func (s *Service) Mark(ctx context.Context, ownerID int64, id string, now time.Time) (state.Habit, string, error) {
	if !s.st.MutateHabit(ownerID, id, func(x *state.Habit) { x.CountToday++ }) {
		return state.Habit{}, "", fmt.Errorf("habit %q: %w", id, state.ErrNotFound)
	}
	h, _ := s.st.GetHabit(ownerID, id)

	s.auditRecord(storage.Record{
		At: now, Kind: "confirm", OwnerID: ownerID, ItemID: id, Outcome: "confirmed",
	})
	s.log.Debug("habit marked",
		logx.String("habit", id), logx.Int64("owner", ownerID),
		logx.Int("count", h.CountToday), logx.Int("goal", h.GoalPerDay))

	if h.CountToday == h.GoalPerDay {
		return h, goalReachedText(h), nil
	}
	return h, progressText(h), nil
}

// SetGoal changes the daily target. Today's count stands as is.
func (s *Service) SetGoal(ctx context.Context, ownerID int64, id string, goal int) (state.Habit, error) {
	if goal < 1 {
		return state.Habit{}, fmt.Errorf("habit %q: goal must be at least 1", id)
	}
	if !s.st.MutateHabit(ownerID, id, func(x *state.Habit) { x.GoalPerDay = goal }) {
		return state.Habit{}, fmt.Errorf("habit %q: %w", id, state.ErrNotFound)
	}
	h, _ := s.st.GetHabit(ownerID, id)
	s.log.Info("habit goal changed",
		logx.String("habit", id), logx.Int64("owner", ownerID), logx.Int("goal", goal))
	return h, nil
}

func (s *Service) Pause(ownerID int64, id string) error {
	if !s.st.MutateHabit(ownerID, id, func(x *state.Habit) { x.Paused = true }) {
		return fmt.Errorf("habit %q: %w", id, state.ErrNotFound)
	}
	s.log.Info("habit paused", logx.String("habit", id), logx.Int64("owner", ownerID))
	return nil
}

func (s *Service) Resume(ownerID int64, id string) error {
	if !s.st.MutateHabit(ownerID, id, func(x *state.Habit) { x.Paused = false }) {
		return fmt.Errorf("habit %q: %w", id, state.ErrNotFound)
	}
	s.log.Info("habit resumed", logx.String("habit", id), logx.Int64("owner", ownerID))
	return nil
}

// Delete removes the habit and its nudge item.
func (s *Service) Delete(ownerID int64, id string) error {
	if !s.st.DeleteHabit(ownerID, id) {
		return fmt.Errorf("habit %q: %w", id, state.ErrNotFound)
	}
	s.log.Info("habit deleted", logx.String("habit", id), logx.Int64("owner", ownerID))
	return nil
}

// List returns the owner's habits in id order.
func (s *Service) List(ownerID int64) []state.Habit {
	return s.st.HabitsOf(ownerID)
}

// Rollover closes ended days for every habit: the day's count goes into
// History, the goal streak grows or resets, and CountToday starts over.
// Each habit's History tail doubles as its rollover marker, so days missed
// while the bot was down are filled in per habit.
func (s *Service) Rollover(ctx context.Context, now time.Time) {
	endedDay := s.st.DayKey(now.AddDate(0, 0, -1))
	for _, h := range s.st.AllHabits() {
		s.rolloverHabit(ctx, h, endedDay)
	}
}

func (s *Service) rolloverHabit(ctx context.Context, h state.Habit, endedDay string) {
	from := endedDay
	if n := len(h.History); n > 0 {
		last := h.History[n-1].Day
		if last >= endedDay {
			return
		}
		from = state.ShiftDay(last, 1)
		if floor := state.ShiftDay(endedDay, -keepDays); from < floor {
			from = floor
		}
	} else if s.st.DayKey(h.CreatedAt) > endedDay {
		// Created today; no ended day to record yet.
		return
	}

	streak := h.Streak
	history := h.History
	count := h.CountToday
	for day := from; day <= endedDay; day = state.ShiftDay(day, 1) {
		met := h.GoalPerDay > 0 && count >= h.GoalPerDay
		history = append(history, state.HabitDay{Day: day, Count: count, Goal: h.GoalPerDay})
		switch {
		case met:
			streak++
		case !h.Paused:
			streak = 0
		}
		outcome := "missed"
		if met {
			outcome = "kept"
		}
		s.auditRecord(storage.Record{
			At: s.now(), Kind: "rollover", OwnerID: h.OwnerID, ItemID: h.ID, Outcome: outcome,
		})
		// Marks accumulated before the boundary belong to the first
		// closed day; later missed days closed with zero.
		count = 0
	}

	floor := state.ShiftDay(endedDay, -keepDays)
	pruned := make([]state.HabitDay, 0, len(history))
	for _, d := range history {
		if d.Day >= floor {
			pruned = append(pruned, d)
		}
	}

	s.st.MutateHabit(h.OwnerID, h.ID, func(x *state.Habit) {
		x.History = pruned
		x.Streak = streak
		x.CountToday = 0
	})
	s.log.Debug("habit rollover",
		logx.String("habit", h.ID), logx.Int64("owner", h.OwnerID),
		logx.String("day", endedDay), logx.Int("streak", streak))
}

func (s *Service) auditRecord(rec storage.Record) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.audit.AppendAudit(ctx, rec); err != nil {
		s.log.Debug("habit audit failed", logx.Err(err))
	}
}
