package habit

import (
	"context"
	"fmt"
	"strings"

	"cerebroso/internal/engine"
	"cerebroso/internal/state"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
	"cerebroso/pkg/tgui"
)

func emojiOr(e, fallback string) string {
	if strings.TrimSpace(e) == "" {
		return fallback
	}
	return e
}

func progressText(h state.Habit) string {
	return fmt.Sprintf("%s Hábito %s: %d/%d hoje.",
		emojiOr(h.Emoji, "✅"), h.Name, h.CountToday, h.GoalPerDay)
}

func goalReachedText(h state.Habit) string {
	return fmt.Sprintf("🎉 Meta do hábito %s completa: %d/%d! Até amanhã.",
		h.Name, h.CountToday, h.GoalPerDay)
}

func nudgeText(h state.Habit) string {
	return fmt.Sprintf("%s %s: %d/%d hoje. Bora mais um?",
		emojiOr(h.Emoji, "⏰"), tgui.B("Hábito "+h.Name), h.CountToday, h.GoalPerDay)
}

// DoneCallback is the callback payload carried by habit +1 buttons.
// The update bridge routes "habit:done:<id>" back to Mark.
func DoneCallback(habitID string) string { return "habit:done:" + habitID }

func doneButton(h state.Habit) kit.Button {
	return kit.Button{
		Label: fmt.Sprintf("+1 %s", emojiOr(h.Emoji, "✅")),
		Data:  DoneCallback(h.ID),
	}
}

// Handler returns the dispatch handler for habit tick items. Register it
// under state.KindHabitTick.
func (s *Service) Handler() engine.Handler { return nudgeHandler{s} }

type nudgeHandler struct{ s *Service }

// Habits carry no quiet window; pausing the habit silences nudges instead.
func (h nudgeHandler) Quiet(it state.ScheduledItem) timeexpr.Window { return timeexpr.Window{} }

// Deliver sends one progress nudge. A reached goal skips the slot until
// rollover; items whose habit vanished are canceled.
func (h nudgeHandler) Deliver(ctx context.Context, it state.ScheduledItem) (engine.Outcome, error) {
	s := h.s
	hb, ok := s.st.GetHabit(it.OwnerID, it.HabitID)
	if !ok {
		s.st.Cancel(it.OwnerID, it.ID)
		s.log.Debug("nudge for deleted habit dropped", logx.String("habit", it.HabitID))
		return engine.Skipped, nil
	}
	if hb.Paused || hb.GoalReached() {
		return engine.Skipped, nil
	}
	if hb.ChatID == 0 {
		return engine.Skipped, nil
	}

	err := s.out.Send(ctx, kit.ChatTarget{ChatID: hb.ChatID}, nudgeText(hb), &kit.SendOptions{
		ParseMode: "HTML",
		Buttons:   []kit.Button{doneButton(hb)},
	})
	if err != nil {
		return 0, err
	}
	return engine.Delivered, nil
}
