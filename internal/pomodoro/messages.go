package pomodoro

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cerebroso/internal/state"
	kit "cerebroso/internal/transport"
)

// Message texts are Portuguese, matching the community the bot serves.

func phaseIcon(ph state.PomodoroPhase) string {
	switch ph {
	case state.PomodoroShortBreak:
		return "☕"
	case state.PomodoroLongBreak:
		return "🛌"
	default:
		return "🧠"
	}
}

func phaseLabel(ph state.PomodoroPhase) string {
	switch ph {
	case state.PomodoroShortBreak:
		return "pausa curta"
	case state.PomodoroLongBreak:
		return "pausa longa"
	default:
		return "foco"
	}
}

// humanDur renders durations the way status texts read them: "1h 5m",
// "25m", "30s". Seconds drop out once hours show up.
func humanDur(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second) / time.Second)
	h := total / 3600
	m := total % 3600 / 60
	sec := total % 60
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if sec > 0 && h == 0 {
		parts = append(parts, fmt.Sprintf("%ds", sec))
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

func startText() string {
	return "🧠 Pomodoro iniciado! Clique para participar."
}

func phaseText(p state.PomodoroSession, now time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s Fase: <b>%s</b> termina às %s (%s)",
		phaseIcon(p.Phase), phaseLabel(p.Phase),
		p.PhaseEnd.In(loc).Format("15:04"), humanDur(p.Remaining(now)))
}

func cycleDoneText() string {
	return "🎉 Ciclo completo concluído! Preparados para outra rodada de foco?"
}

func stoppedText() string {
	return "⏹️ Pomodoro encerrado."
}

// statusText is the body of the status message edited in place as the
// session moves along.
func statusText(p state.PomodoroSession, now time.Time, loc *time.Location) string {
	var b strings.Builder
	if p.Paused {
		b.WriteString("⏸️ <b>Pomodoro pausado</b>\n")
		fmt.Fprintf(&b, "Fase: %s (resta %s)\n", phaseLabel(p.Phase), humanDur(p.Remaining(now)))
	} else {
		fmt.Fprintf(&b, "%s <b>Pomodoro</b>\n", phaseIcon(p.Phase))
		fmt.Fprintf(&b, "Fase: %s (termina às %s)\n", phaseLabel(p.Phase), p.PhaseEnd.In(loc).Format("15:04"))
	}
	fmt.Fprintf(&b, "Ciclo: %d\n", p.Cycle)
	fmt.Fprintf(&b, "Participantes: %d", len(p.Participants))
	return b.String()
}

// JoinCallback and LeaveCallback are the payloads carried by the start
// message buttons. The update bridge routes "pomodoro:join:<chat>" back to
// Join and "pomodoro:leave:<chat>" to Leave.
func JoinCallback(chatID int64) string { return "pomodoro:join:" + strconv.FormatInt(chatID, 10) }

func LeaveCallback(chatID int64) string { return "pomodoro:leave:" + strconv.FormatInt(chatID, 10) }

func joinButton(chatID int64) kit.Button {
	return kit.Button{Label: "Participar", Data: JoinCallback(chatID)}
}

func leaveButton(chatID int64) kit.Button {
	return kit.Button{Label: "Sair", Data: LeaveCallback(chatID)}
}

// Button answer texts used by the callback bridge.
const (
	JoinedReply = "Você entrou no ciclo Pomodoro deste canal!"
	LeftReply   = "Você saiu do ciclo Pomodoro deste canal."
)
