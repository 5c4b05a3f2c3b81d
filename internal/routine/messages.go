package routine

import (
	"fmt"
	"hash/fnv"
	"strings"

	"cerebroso/internal/state"
	kit "cerebroso/internal/transport"
	"cerebroso/pkg/tgui"
)

// Message texts are Portuguese, matching the community the bot serves.

var encouragements = []string{
	"Você consegue! 💪",
	"Cada dia conta, continua firme!",
	"Constância vence talento.",
	"Seu eu do futuro agradece.",
	"Não quebra a corrente! 🔥",
	"Um passo de cada vez.",
	"Hoje é mais um dia pra somar.",
}

// encouragement rotates deterministically per member and day so repeated
// reminders on the same day read the same.
func encouragement(memberID int64, day string) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d|%s", memberID, day)
	return encouragements[int(h.Sum32())%len(encouragements)]
}

func emojiOr(e, fallback string) string {
	if strings.TrimSpace(e) == "" {
		return fallback
	}
	return e
}

func announceText(r state.Routine) string {
	return fmt.Sprintf("%s %s\nHora de fazer! Confirme com o botão quando terminar.",
		emojiOr(r.Emoji, "📣"), tgui.B("Rotina: "+r.Name))
}

func noticeText(r state.Routine, sub state.Subscription, day string) string {
	return fmt.Sprintf("%s %s\n%s",
		emojiOr(r.Emoji, "⏰"), tgui.B("Lembrete da rotina "+r.Name), encouragement(sub.MemberID, day))
}

// confirmedText reports the streak the upcoming rollover will record.
func confirmedText(r state.Routine, streak int) string {
	return fmt.Sprintf("%s Rotina %s confirmada! Sequência: %d dia(s).",
		emojiOr(r.Emoji, "✅"), r.Name, streak)
}

func alreadyConfirmedText(r state.Routine) string {
	return fmt.Sprintf("Você já confirmou a rotina %s hoje. Até amanhã! 👋", r.Name)
}

// ConfirmCallback is the callback payload carried by confirm buttons.
// The update bridge routes "routine:confirm:<id>" back to Confirm.
func ConfirmCallback(routineID string) string { return "routine:confirm:" + routineID }

func confirmButton(r state.Routine) kit.Button {
	return kit.Button{
		Label: fmt.Sprintf("Confirmar %s", emojiOr(r.Emoji, "✅")),
		Data:  ConfirmCallback(r.ID),
	}
}
