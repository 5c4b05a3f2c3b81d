// Package reminder is the personal reminder surface: parse a time
// expression, store a scheduled item, deliver it by DM when it fires.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cerebroso/internal/engine"
	"cerebroso/internal/state"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
	"cerebroso/pkg/tgui"
)

// ErrIntervalTooShort rejects repeat intervals under the configured floor.
var ErrIntervalTooShort = errors.New("repeat interval below minimum")

type Config struct {
	// MinIntervalMinutes floors repeating reminders. Default 5.
	MinIntervalMinutes int
}

func (c Config) minInterval() int {
	if c.MinIntervalMinutes <= 0 {
		return 5
	}
	return c.MinIntervalMinutes
}

// Sender is the slice of the delivery service reminders go out through.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log logx.Logger
	st  *state.Store
	out Sender
	now func() time.Time
}

func New(cfg Config, st *state.Store, out Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, st: st, out: out, now: time.Now}
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

type CreateParams struct {
	OwnerID int64
	// ChatID is the DM chat the reminder posts to.
	ChatID int64
	Text   string
	// When is a time expression: "+30m", "+2h", "+1d", "HH:MM" or
	// "YYYY-MM-DD HH:MM".
	When string
	// EveryMinutes repeats the reminder; 0 is one-shot.
	EveryMinutes int
}

// Create parses the time expression and stores the reminder. The returned
// item carries the assigned per-owner id.
func (s *Service) Create(ctx context.Context, p CreateParams) (state.ScheduledItem, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return state.ScheduledItem{}, fmt.Errorf("reminder: text required")
	}
	if p.ChatID == 0 {
		return state.ScheduledItem{}, fmt.Errorf("reminder: DM chat required")
	}
	if p.EveryMinutes < 0 {
		p.EveryMinutes = 0
	}
	if min := s.minInterval(); p.EveryMinutes > 0 && p.EveryMinutes < min {
		return state.ScheduledItem{}, fmt.Errorf("reminder: %w (%dm < %dm)",
			ErrIntervalTooShort, p.EveryMinutes, min)
	}
	when, err := timeexpr.Parse(p.When, s.now(), s.st.Location())
	if err != nil {
		return state.ScheduledItem{}, err
	}

	it := state.ScheduledItem{
		OwnerID:      p.OwnerID,
		Kind:         state.KindReminder,
		ChatID:       p.ChatID,
		Text:         text,
		NextFire:     when,
		EveryMinutes: p.EveryMinutes,
	}
	id, err := s.st.Create(it)
	if err != nil {
		return state.ScheduledItem{}, err
	}
	it.ID = id
	it.Active = true
	s.log.Info("reminder created",
		logx.Int64("owner", p.OwnerID), logx.String("id", id),
		logx.Time("fire", when), logx.Int("every_min", p.EveryMinutes))
	return it, nil
}

// Cancel removes the owner's reminder. False when absent or not theirs.
func (s *Service) Cancel(ownerID int64, id string) bool {
	ok := s.st.Cancel(ownerID, id)
	if ok {
		s.log.Info("reminder canceled", logx.Int64("owner", ownerID), logx.String("id", id))
	}
	return ok
}

// List returns the owner's pending reminders, soonest first. A non-positive
// limit defaults to 10. Habit nudges and routine notices the owner also
// carries are not reminders and stay out of the listing.
func (s *Service) List(ownerID int64, limit int) []state.ScheduledItem {
	if limit <= 0 {
		limit = 10
	}
	out := make([]state.ScheduledItem, 0, 8)
	for _, it := range s.st.ItemsOf(ownerID) {
		if it.Kind == state.KindReminder {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func reminderText(it state.ScheduledItem) string {
	return "⏰ <b>Lembrete:</b> " + tgui.Esc(it.Text).String()
}

// Handler returns the dispatch-loop behavior for reminder items.
func (s *Service) Handler() engine.Handler { return dmHandler{s} }

type dmHandler struct{ s *Service }

// Quiet: personal reminders fire at the time the owner asked for.
func (h dmHandler) Quiet(it state.ScheduledItem) timeexpr.Window { return timeexpr.Window{} }

func (h dmHandler) Deliver(ctx context.Context, it state.ScheduledItem) (engine.Outcome, error) {
	if it.ChatID == 0 {
		h.s.st.Cancel(it.OwnerID, it.ID)
		h.s.log.Debug("reminder without DM chat dropped",
			logx.Int64("owner", it.OwnerID), logx.String("id", it.ID))
		return engine.Skipped, nil
	}
	err := h.s.out.Send(ctx, kit.ChatTarget{ChatID: it.ChatID}, reminderText(it), &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		return 0, err
	}
	return engine.Delivered, nil
}
