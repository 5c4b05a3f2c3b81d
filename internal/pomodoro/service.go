// Package pomodoro runs per-chat focus sessions: foco, pausa curta and
// pausa longa phases advancing on persisted deadlines, so a restart picks
// the countdown back up mid-phase instead of resetting it.
package pomodoro

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cerebroso/internal/delivery"
	"cerebroso/internal/eventbus"
	"cerebroso/internal/state"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"

	rtsup "cerebroso/internal/runtime/supervisor"
)

// ErrNoSession means the chat has no running pomodoro.
var ErrNoSession = errors.New("no pomodoro session in this chat")

type Config struct {
	// Phase lengths. Defaults: 25m focus, 5m short break, 15m long break.
	Focus      time.Duration
	ShortBreak time.Duration
	LongBreak  time.Duration
	// CyclesToLong is how many focus phases earn the long break. Default 4.
	CyclesToLong int
	// Tick is the countdown scan period. Default 5s, minimum 1s.
	Tick time.Duration
}

func (c Config) normalized() Config {
	if c.Focus <= 0 {
		c.Focus = 25 * time.Minute
	}
	if c.ShortBreak <= 0 {
		c.ShortBreak = 5 * time.Minute
	}
	if c.LongBreak <= 0 {
		c.LongBreak = 15 * time.Minute
	}
	if c.CyclesToLong <= 0 {
		c.CyclesToLong = 4
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Tick < time.Second {
		c.Tick = time.Second
	}
	return c
}

// Sender is the slice of the delivery service phase announcements go
// through.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
	Announce(ctx context.Context, n kit.Notification) error
}

// Messenger is the direct transport slice used for the interactive start
// message and its in-place status edits. The async queue cannot hand back
// a message ref, so those two calls bypass it. Optional.
type Messenger interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// PhaseEvent is the bus payload for pomodoro.phase events.
type PhaseEvent struct {
	ChatID int64               `json:"chat_id"`
	Phase  state.PomodoroPhase `json:"phase"`
	Cycle  int                 `json:"cycle"`
	Until  time.Time           `json:"until"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	log logx.Logger
	st  *state.Store
	out Sender
	msg Messenger
	bus eventbus.Bus
	now func() time.Time
}

func New(cfg Config, st *state.Store, out Sender, msg Messenger, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.normalized(),
		log: log,
		st:  st,
		out: out,
		msg: msg,
		bus: bus,
		now: time.Now,
	}
}

// Apply swaps phase defaults and the tick period on config reload. Running
// sessions keep the lengths they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

// Start launches the countdown loop. Sessions persisted by a previous run
// resume from their stored deadlines; overdue phases advance on the first
// tick.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pomodoro"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	if n := len(s.st.Pomodoros()); n > 0 {
		s.log.Info("pomodoro sessions resumed", logx.Int("sessions", n))
	}
	sup.GoRestart("pomodoro.tick", func(c context.Context) error {
		s.loop(c)
		return nil
	})
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) loop(ctx context.Context) {
	for {
		s.Tick(ctx, s.now())

		s.mu.Lock()
		tick := s.cfg.Tick
		s.mu.Unlock()

		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
}

// --- session operations ---

// StartSession begins the chat's pomodoro on a fresh focus phase. An
// existing session is replaced, which is also how a restart works.
func (s *Service) StartSession(ctx context.Context, chatID, ownerID int64) (state.PomodoroSession, error) {
	if chatID == 0 {
		return state.PomodoroSession{}, fmt.Errorf("pomodoro: chat required")
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	p := state.PomodoroSession{
		ChatID:        chatID,
		OwnerID:       ownerID,
		Phase:         state.PomodoroFocus,
		PhaseEnd:      now.Add(cfg.Focus),
		FocusSec:      int(cfg.Focus / time.Second),
		ShortBreakSec: int(cfg.ShortBreak / time.Second),
		LongBreakSec:  int(cfg.LongBreak / time.Second),
		CyclesToLong:  cfg.CyclesToLong,
		StartedAt:     now,
	}

	if s.msg != nil {
		ref, err := s.msg.SendText(ctx, kit.ChatTarget{ChatID: chatID}, startText(), &kit.SendOptions{
			ParseMode: "HTML",
			Buttons:   []kit.Button{joinButton(chatID), leaveButton(chatID)},
		})
		if err != nil {
			s.log.Warn("pomodoro start message failed", logx.Int64("chat", chatID), logx.Err(err))
		} else {
			p.MessageChatID = ref.ChatID
			p.MessageID = ref.MessageID
		}
	}
	s.st.PutPomodoro(p)

	s.announce(ctx, chatID, phaseText(p, now, s.st.Location()), dedupKey(chatID, "start", now))
	s.publish(p, now)
	s.log.Info("pomodoro started",
		logx.Int64("chat", chatID), logx.Int64("owner", ownerID),
		logx.Duration("focus", cfg.Focus))
	return p, nil
}

// StopSession ends the chat's pomodoro. Returns false when none is running.
func (s *Service) StopSession(ctx context.Context, chatID int64) bool {
	p, ok := s.st.GetPomodoro(chatID)
	if !ok || !s.st.DeletePomodoro(chatID) {
		return false
	}
	// Replace the status message so its join buttons stop inviting clicks.
	if s.msg != nil && p.MessageID != 0 {
		ref := kit.MessageRef{ChatID: p.MessageChatID, MessageID: p.MessageID}
		if err := s.msg.EditText(ctx, ref, stoppedText(), &kit.SendOptions{ParseMode: "HTML"}); err != nil {
			s.log.Debug("pomodoro status edit failed", logx.Int64("chat", chatID), logx.Err(err))
		}
	}
	s.log.Info("pomodoro stopped", logx.Int64("chat", chatID), logx.Int("cycle", p.Cycle))
	return true
}

// Pause freezes the countdown, keeping the time left in the phase.
func (s *Service) Pause(ctx context.Context, chatID int64) error {
	now := s.now()
	var p state.PomodoroSession
	ok := s.st.MutatePomodoro(chatID, func(x *state.PomodoroSession) {
		if !x.Paused {
			x.RemainingSec = int(x.Remaining(now) / time.Second)
			x.Paused = true
		}
		p = *x
	})
	if !ok {
		return ErrNoSession
	}
	s.editStatus(ctx, p)
	s.log.Info("pomodoro paused",
		logx.Int64("chat", chatID), logx.Int("remaining_sec", p.RemainingSec))
	return nil
}

// Resume turns the frozen remainder back into a phase deadline.
func (s *Service) Resume(ctx context.Context, chatID int64) error {
	now := s.now()
	var p state.PomodoroSession
	ok := s.st.MutatePomodoro(chatID, func(x *state.PomodoroSession) {
		if x.Paused {
			x.PhaseEnd = now.Add(time.Duration(x.RemainingSec) * time.Second)
			x.RemainingSec = 0
			x.Paused = false
		}
		p = *x
	})
	if !ok {
		return ErrNoSession
	}
	s.editStatus(ctx, p)
	s.log.Info("pomodoro resumed",
		logx.Int64("chat", chatID), logx.Time("phase_end", p.PhaseEnd))
	return nil
}

// Join adds a member to the participant list. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, chatID, memberID int64) error {
	var p state.PomodoroSession
	ok := s.st.MutatePomodoro(chatID, func(x *state.PomodoroSession) {
		if !x.HasParticipant(memberID) {
			x.Participants = append(x.Participants, memberID)
		}
		p = *x
	})
	if !ok {
		return ErrNoSession
	}
	s.editStatus(ctx, p)
	s.log.Debug("pomodoro participant joined",
		logx.Int64("chat", chatID), logx.Int64("member", memberID))
	return nil
}

// Leave removes a member from the participant list.
func (s *Service) Leave(ctx context.Context, chatID, memberID int64) error {
	var p state.PomodoroSession
	ok := s.st.MutatePomodoro(chatID, func(x *state.PomodoroSession) {
		for i, id := range x.Participants {
			if id == memberID {
				x.Participants = append(x.Participants[:i], x.Participants[i+1:]...)
				break
			}
		}
		p = *x
	})
	if !ok {
		return ErrNoSession
	}
	s.editStatus(ctx, p)
	s.log.Debug("pomodoro participant left",
		logx.Int64("chat", chatID), logx.Int64("member", memberID))
	return nil
}

// SetDurations retunes a running session. New lengths apply from the next
// phase change on; the current countdown is left alone.
func (s *Service) SetDurations(chatID int64, focus, shortBreak, longBreak time.Duration, cycles int) error {
	if focus < 5*time.Minute || shortBreak < time.Minute || longBreak < time.Minute || cycles < 1 {
		return fmt.Errorf("pomodoro: lengths below minimum (5m focus, 1m breaks, 1+ cycles)")
	}
	ok := s.st.MutatePomodoro(chatID, func(x *state.PomodoroSession) {
		x.FocusSec = int(focus / time.Second)
		x.ShortBreakSec = int(shortBreak / time.Second)
		x.LongBreakSec = int(longBreak / time.Second)
		x.CyclesToLong = cycles
	})
	if !ok {
		return ErrNoSession
	}
	s.log.Info("pomodoro durations updated",
		logx.Int64("chat", chatID), logx.Duration("focus", focus),
		logx.Duration("short_break", shortBreak), logx.Duration("long_break", longBreak),
		logx.Int("cycles", cycles))
	return nil
}

// Status returns the chat's session.
func (s *Service) Status(chatID int64) (state.PomodoroSession, bool) {
	return s.st.GetPomodoro(chatID)
}

// Sessions lists running sessions across chats, for health logging.
func (s *Service) Sessions() []state.PomodoroSession {
	return s.st.Pomodoros()
}

// --- countdown ---

// Tick advances every session whose deadline has passed. It is the loop
// body, exported so tests can drive synthetic clocks through it without
// waiting on real ticks.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	for _, p := range s.st.Pomodoros() {
		if ctx.Err() != nil {
			return
		}
		if p.Paused || now.Before(p.PhaseEnd) {
			continue
		}
		s.advance(ctx, p, now)
	}
}

// advance moves one session to its next phase and announces it. The mutate
// re-checks phase and deadline so a concurrent pause or restart wins, the
// same way a cancel wins over a dispatch.
func (s *Service) advance(ctx context.Context, snap state.PomodoroSession, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("pomodoro advance panicked",
				logx.Int64("chat", snap.ChatID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	var (
		p       state.PomodoroSession
		changed bool
	)
	ok := s.st.MutatePomodoro(snap.ChatID, func(x *state.PomodoroSession) {
		if x.Paused || x.Phase != snap.Phase || !x.PhaseEnd.Equal(snap.PhaseEnd) {
			return
		}
		switch x.Phase {
		case state.PomodoroFocus:
			x.Cycle++
			n := x.CyclesToLong
			if n < 1 {
				n = 1
			}
			if x.Cycle%n == 0 {
				x.Phase = state.PomodoroLongBreak
				x.PhaseEnd = now.Add(secDur(x.LongBreakSec))
			} else {
				x.Phase = state.PomodoroShortBreak
				x.PhaseEnd = now.Add(secDur(x.ShortBreakSec))
			}
		default:
			x.Phase = state.PomodoroFocus
			x.PhaseEnd = now.Add(secDur(x.FocusSec))
		}
		p = *x
		changed = true
	})
	if !ok || !changed {
		return
	}

	loc := s.st.Location()
	if snap.Phase == state.PomodoroLongBreak {
		s.announce(ctx, p.ChatID, cycleDoneText(), dedupKey(p.ChatID, "ciclo", snap.PhaseEnd))
	}
	s.announce(ctx, p.ChatID, phaseText(p, now, loc), dedupKey(p.ChatID, string(p.Phase), snap.PhaseEnd))
	s.editStatus(ctx, p)
	s.publish(p, now)
	s.log.Info("pomodoro phase advanced",
		logx.Int64("chat", p.ChatID), logx.String("phase", string(p.Phase)),
		logx.Int("cycle", p.Cycle), logx.Time("until", p.PhaseEnd))
}

func secDur(sec int) time.Duration { return time.Duration(sec) * time.Second }

// dedupKey names one transition's announcement. Keyed on the deadline that
// expired, so a crash retried across restarts cannot double-post it.
func dedupKey(chatID int64, tag string, end time.Time) string {
	return fmt.Sprintf("pomodoro:%d:%s:%d", chatID, tag, end.Unix())
}

func (s *Service) announce(ctx context.Context, chatID int64, text, key string) {
	if s.out == nil {
		return
	}
	n := kit.Notification{
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     text,
		Options:  &kit.SendOptions{ParseMode: "HTML"},
		DedupKey: key,
	}
	err := s.out.Announce(ctx, n)
	if errors.Is(err, delivery.ErrDisabled) {
		err = s.out.Send(ctx, n.Target, n.Text, n.Options)
	}
	if err != nil {
		s.log.Warn("pomodoro announce failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (s *Service) editStatus(ctx context.Context, p state.PomodoroSession) {
	if s.msg == nil || p.MessageID == 0 {
		return
	}
	ref := kit.MessageRef{ChatID: p.MessageChatID, MessageID: p.MessageID}
	err := s.msg.EditText(ctx, ref, statusText(p, s.now(), s.st.Location()), &kit.SendOptions{
		ParseMode: "HTML",
		Buttons:   []kit.Button{joinButton(p.ChatID), leaveButton(p.ChatID)},
	})
	if err != nil {
		s.log.Debug("pomodoro status edit failed", logx.Int64("chat", p.ChatID), logx.Err(err))
	}
}

func (s *Service) publish(p state.PomodoroSession, now time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypePomodoroPhase, Time: now, Data: PhaseEvent{
		ChatID: p.ChatID, Phase: p.Phase, Cycle: p.Cycle, Until: p.PhaseEnd,
	}})
}
