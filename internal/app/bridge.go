package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"cerebroso/internal/pomodoro"
	"cerebroso/internal/state"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
)

// Answers for button presses that cannot be honored.
const (
	replyNotFound  = "Não encontrei esse registro."
	replyNoSession = "Não há Pomodoro ativo neste canal."
	replyTryAgain  = "Não consegui registrar agora. Tente de novo."
)

// bridgeLoop routes inline button presses back into the owning service.
// Command handling lives outside this process; message updates are dropped.
func (a *App) bridgeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-a.updates:
			if !ok {
				return nil
			}
			if u.Kind != kit.UpdateCallback || u.Callback == nil {
				continue
			}
			a.handleCallback(ctx, u.Callback)
		}
	}
}

func (a *App) handleCallback(ctx context.Context, cb *kit.Callback) {
	now := time.Now()
	var (
		reply string
		err   error
	)

	switch data := cb.Data; {
	case strings.HasPrefix(data, "routine:confirm:"):
		id := strings.TrimPrefix(data, "routine:confirm:")
		reply, err = a.routines.Confirm(ctx, id, cb.FromID, now)
	case strings.HasPrefix(data, "habit:done:"):
		id := strings.TrimPrefix(data, "habit:done:")
		_, reply, err = a.habits.Mark(ctx, cb.FromID, id, now)
	case strings.HasPrefix(data, "pomodoro:join:"):
		if chatID, ok := chatIDSuffix(data, "pomodoro:join:"); ok {
			err = a.poms.Join(ctx, chatID, cb.FromID)
			reply = pomodoro.JoinedReply
		}
	case strings.HasPrefix(data, "pomodoro:leave:"):
		if chatID, ok := chatIDSuffix(data, "pomodoro:leave:"); ok {
			err = a.poms.Leave(ctx, chatID, cb.FromID)
			reply = pomodoro.LeftReply
		}
	}

	if err != nil {
		a.log.Debug("callback rejected",
			logx.String("data", cb.Data), logx.Int64("from", cb.FromID), logx.Err(err))
		reply = errorReply(err)
	}

	// Always answer, even with empty text: it clears the client spinner.
	// Unknown payloads (buttons from an older bot generation) end up here too.
	if aerr := a.adapter.AnswerCallback(ctx, cb.ID, reply); aerr != nil {
		a.log.Debug("callback answer failed", logx.String("data", cb.Data), logx.Err(aerr))
	}
}

func chatIDSuffix(data, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(data, prefix), 10, 64)
	return id, err == nil
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return replyNotFound
	case errors.Is(err, pomodoro.ErrNoSession):
		return replyNoSession
	default:
		return replyTryAgain
	}
}
