package routine

import (
	"context"

	"cerebroso/internal/engine"
	"cerebroso/internal/state"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
)

// Handler returns the dispatch handler for routine notice items. Register
// it under state.KindRoutineNotice.
func (s *Service) Handler() engine.Handler { return noticeHandler{s} }

type noticeHandler struct{ s *Service }

// Quiet prefers the member's own window and falls back to the routine's.
func (h noticeHandler) Quiet(it state.ScheduledItem) timeexpr.Window {
	if sub, ok := h.s.st.GetSub(it.RoutineID, it.OwnerID); ok && sub.QuietStart != "" && sub.QuietEnd != "" {
		if w, err := timeexpr.ParseWindow(sub.QuietStart, sub.QuietEnd); err == nil {
			return w
		}
	}
	if r, ok := h.s.st.GetRoutine(it.RoutineID); ok && r.QuietStart != "" && r.QuietEnd != "" {
		if w, err := timeexpr.ParseWindow(r.QuietStart, r.QuietEnd); err == nil {
			return w
		}
	}
	return timeexpr.Window{}
}

// Deliver sends one DM notice. Items whose routine or subscription vanished
// are canceled; paused routines and already-confirmed members skip the slot
// but keep the cadence.
func (h noticeHandler) Deliver(ctx context.Context, it state.ScheduledItem) (engine.Outcome, error) {
	s := h.s
	r, ok := s.st.GetRoutine(it.RoutineID)
	if !ok {
		s.st.Cancel(it.OwnerID, it.ID)
		s.log.Debug("notice for deleted routine dropped", logx.String("routine", it.RoutineID))
		return engine.Skipped, nil
	}
	sub, ok := s.st.GetSub(it.RoutineID, it.OwnerID)
	if !ok || !sub.DMEnabled || sub.DMChatID == 0 {
		s.st.Cancel(it.OwnerID, it.ID)
		return engine.Skipped, nil
	}
	if r.Paused {
		return engine.Skipped, nil
	}
	if sub.Phase == state.PhaseConfirmed {
		return engine.Skipped, nil
	}

	err := s.out.Send(ctx, kit.ChatTarget{ChatID: sub.DMChatID}, noticeText(r, sub, s.st.DayKey(s.now())), &kit.SendOptions{
		ParseMode: "HTML",
		Buttons:   []kit.Button{confirmButton(r)},
	})
	if err != nil {
		return 0, err
	}

	if sub.Phase == state.PhaseIdle {
		s.st.MutateSub(it.RoutineID, it.OwnerID, func(x *state.Subscription) {
			if x.Phase == state.PhaseIdle {
				x.Phase = state.PhaseNotified
			}
		})
	}
	return engine.Delivered, nil
}
