package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cerebroso/internal/engine"
	"cerebroso/internal/state"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeSender struct {
	mu      sync.Mutex
	sends   []sentMsg
	sendErr error
}

func (f *fakeSender) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sentMsg{to: to, text: text, opt: opt})
	return nil
}

type fixture struct {
	svc *Service
	st  *state.Store
	out *fakeSender
	now time.Time
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	f := &fixture{out: &fakeSender{}, now: start}
	nowFn := func() time.Time { return f.now }

	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"),
		state.WithLocation(time.UTC), state.WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	f.st = st
	f.svc = New(Config{}, st, f.out, logx.Nop())
	f.svc.now = nowFn
	return f
}

func atTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestCreateParsesExpressions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))

	it, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "Pagar boleto", When: "+30m"})
	if err != nil {
		t.Fatalf("Create(+30m) = %v", err)
	}
	if it.ID != "1" || it.Kind != state.KindReminder || !it.Active {
		t.Fatalf("item = %+v, want active reminder with id 1", it)
	}
	if want := atTime(t, "2026-08-23 10:30"); !it.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", it.NextFire, want)
	}

	// HH:MM earlier than now rolls to tomorrow.
	it, err = f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "Café", When: "09:00"})
	if err != nil {
		t.Fatalf("Create(09:00) = %v", err)
	}
	if want := atTime(t, "2026-08-24 09:00"); it.ID != "2" || !it.NextFire.Equal(want) {
		t.Fatalf("item = id %q fire %v, want id 2 at %v", it.ID, it.NextFire, want)
	}

	it, err = f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "Consulta", When: "2026-09-01 14:00"})
	if err != nil {
		t.Fatalf("Create(full date) = %v", err)
	}
	if want := atTime(t, "2026-09-01 14:00"); !it.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", it.NextFire, want)
	}

	var perr *timeexpr.ParseError
	if _, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "X", When: "amanhã"}); !errors.As(err, &perr) {
		t.Fatalf("Create(amanhã) = %v, want ParseError", err)
	}
	if _, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "  ", When: "+5m"}); err == nil {
		t.Fatalf("blank text accepted")
	}
	if _, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, Text: "X", When: "+5m"}); err == nil {
		t.Fatalf("missing chat accepted")
	}
	if _, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "X", When: "+5m", EveryMinutes: 3}); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("EveryMinutes 3 = %v, want ErrIntervalTooShort", err)
	}
}

func TestCancelAndList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))

	for _, c := range []struct{ text, when string }{
		{"terceiro", "+3h"},
		{"primeiro", "+1h"},
		{"segundo", "+2h"},
	} {
		if _, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: c.text, When: c.when}); err != nil {
			t.Fatalf("Create(%s) = %v", c.text, err)
		}
	}
	// A habit nudge belonging to the same owner must not show up.
	if _, err := f.st.Create(state.ScheduledItem{
		OwnerID: 7, ID: state.HabitItemID("1"), Kind: state.KindHabitTick,
		ChatID: 70, Text: "Hábito: Alongar", NextFire: f.now.Add(time.Minute), EveryMinutes: 60,
	}); err != nil {
		t.Fatalf("seed habit item = %v", err)
	}

	got := f.svc.List(7, 0)
	if len(got) != 3 || got[0].Text != "primeiro" || got[1].Text != "segundo" || got[2].Text != "terceiro" {
		t.Fatalf("List = %+v, want three reminders soonest first", got)
	}

	if got := f.svc.List(7, 2); len(got) != 2 || got[1].Text != "segundo" {
		t.Fatalf("List(limit 2) = %+v", got)
	}

	if !f.svc.Cancel(7, got[1].ID) {
		t.Fatalf("Cancel = false, want true")
	}
	if f.svc.Cancel(8, "1") {
		t.Fatalf("Cancel by another owner = true, want false")
	}
	if got := f.svc.List(7, 0); len(got) != 2 {
		t.Fatalf("List after cancel = %+v, want 2", got)
	}
}

func TestHandlerDeliversByDM(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	h := f.svc.Handler()

	if w := h.Quiet(state.ScheduledItem{Kind: state.KindReminder}); !w.IsZero() {
		t.Fatalf("Quiet = %v, want zero window", w)
	}

	it, err := f.svc.Create(context.Background(), CreateParams{OwnerID: 7, ChatID: 70, Text: "Pagar boleto", When: "+5m"})
	if err != nil {
		t.Fatalf("Create = %v", err)
	}

	out, err := h.Deliver(context.Background(), it)
	if err != nil || out != engine.Delivered {
		t.Fatalf("Deliver = %v, %v, want Delivered", out, err)
	}
	if len(f.out.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.out.sends))
	}
	s := f.out.sends[0]
	if s.to.ChatID != 70 || s.text != "⏰ <b>Lembrete:</b> Pagar boleto" || s.opt.ParseMode != "HTML" {
		t.Fatalf("send = %+v", s)
	}

	// Send failures bubble up so the loop retries.
	f.out.sendErr = errors.New("telegram down")
	if _, err := h.Deliver(context.Background(), it); err == nil {
		t.Fatalf("Deliver with failing sender = nil error")
	}
	f.out.sendErr = nil

	// An item that lost its DM chat is healed away instead of retried.
	orphan := it
	orphan.ChatID = 0
	out, err = h.Deliver(context.Background(), orphan)
	if err != nil || out != engine.Skipped {
		t.Fatalf("Deliver(orphan) = %v, %v, want Skipped", out, err)
	}
	if _, ok := f.st.Get(7, it.ID); ok {
		t.Fatalf("orphan reminder still present after heal")
	}
}
