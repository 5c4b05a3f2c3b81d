package routine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cerebroso/internal/delivery"
	"cerebroso/internal/engine"
	"cerebroso/internal/schedule"
	"cerebroso/internal/state"
	kit "cerebroso/internal/transport"
	logx "cerebroso/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeSender struct {
	mu          sync.Mutex
	sends       []sentMsg
	announces   []kit.Notification
	sendErr     error
	announceErr error
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

func (f *fakeSender) Announce(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.announceErr != nil {
		return f.announceErr
	}
	f.announces = append(f.announces, n)
	return nil
}

type roleCall struct {
	op       string
	memberID int64
	role     string
	routine  string
}

type fakeRoles struct {
	mu    sync.Mutex
	calls []roleCall
	fail  error
}

func (f *fakeRoles) Grant(ctx context.Context, memberID int64, role, routineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, roleCall{op: "grant", memberID: memberID, role: role, routine: routineID})
	return nil
}

func (f *fakeRoles) Revoke(ctx context.Context, memberID int64, role, routineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, roleCall{op: "revoke", memberID: memberID, role: role, routine: routineID})
	return nil
}

type fixture struct {
	svc   *Service
	st    *state.Store
	sched *schedule.Service
	out   *fakeSender
	rm    *fakeRoles
	now   time.Time
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	f := &fixture{out: &fakeSender{}, rm: &fakeRoles{}, now: start}
	nowFn := func() time.Time { return f.now }

	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"),
		state.WithLocation(time.UTC), state.WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	f.st = st
	f.sched = schedule.New(time.UTC, logx.Nop())
	f.svc = New(Config{}, st, f.out, f.sched, f.rm, logx.Nop(), nil, nil)
	f.svc.now = nowFn
	return f
}

func mustCreate(t *testing.T, f *fixture, r state.Routine) state.Routine {
	t.Helper()
	out, err := f.svc.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create(%s) = %v", r.ID, err)
	}
	return out
}

func mustJoin(t *testing.T, f *fixture, routineID string, memberID, dmChatID int64) state.Subscription {
	t.Helper()
	sub, err := f.svc.Join(context.Background(), routineID, memberID, "", dmChatID, 0)
	if err != nil {
		t.Fatalf("Join(%s, %d) = %v", routineID, memberID, err)
	}
	return sub
}

func jobNames(f *fixture) []string {
	var names []string
	for _, j := range f.sched.Snapshot() {
		names = append(names, j.Name)
	}
	return names
}

func hasJob(f *fixture, name string) bool {
	for _, n := range jobNames(f) {
		if n == name {
			return true
		}
	}
	return false
}

func atTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestCreateNormalizesAndRegistersJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))

	r := mustCreate(t, f, state.Routine{
		ID: " Agua ", Name: "Água", ChatID: -100,
		AnnounceTimes: []string{"9:00", "18:30", "09:00"},
	})
	if r.ID != "agua" {
		t.Fatalf("ID = %q, want %q", r.ID, "agua")
	}
	if len(r.AnnounceTimes) != 2 || r.AnnounceTimes[0] != "09:00" || r.AnnounceTimes[1] != "18:30" {
		t.Fatalf("AnnounceTimes = %v, want [09:00 18:30]", r.AnnounceTimes)
	}
	if !hasJob(f, "routine.announce:agua:09:00") || !hasJob(f, "routine.announce:agua:18:30") {
		t.Fatalf("announce jobs missing, have %v", jobNames(f))
	}

	if _, err := f.svc.Create(context.Background(), state.Routine{ID: "agua", ChatID: -100}); !errors.Is(err, state.ErrDuplicate) {
		t.Fatalf("duplicate Create = %v, want ErrDuplicate", err)
	}
	if _, err := f.svc.Create(context.Background(), state.Routine{ID: "two words", ChatID: -100}); err == nil {
		t.Fatalf("Create with spaces in id succeeded, want error")
	}
	if _, err := f.svc.Create(context.Background(), state.Routine{ID: "x", ChatID: 0}); err == nil {
		t.Fatalf("Create without chat succeeded, want error")
	}
	if _, err := f.svc.Create(context.Background(), state.Routine{ID: "y", ChatID: -1, AnnounceTimes: []string{"25:00"}}); err == nil {
		t.Fatalf("Create with bad time succeeded, want error")
	}
	if _, err := f.svc.Create(context.Background(), state.Routine{ID: strings.Repeat("a", 60), ChatID: -1}); err == nil {
		t.Fatalf("Create with oversized id succeeded, want error")
	}
	if _, err := f.svc.Create(context.Background(), state.Routine{ID: "z", ChatID: -1, QuietStart: "22:00"}); err == nil {
		t.Fatalf("Create with half quiet window succeeded, want error")
	}
}

func TestJoinCreatesNoticeItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100})

	sub := mustJoin(t, f, "agua", 7, 700)
	if sub.IntervalMinutes != 90 || !sub.DMEnabled {
		t.Fatalf("sub = interval %d dm %v, want 90/true", sub.IntervalMinutes, sub.DMEnabled)
	}

	it, ok := f.st.Get(7, state.NoticeItemID("agua"))
	if !ok {
		t.Fatalf("notice item missing after join")
	}
	if it.Kind != state.KindRoutineNotice || it.ChatID != 700 || it.EveryMinutes != 90 {
		t.Fatalf("item = %+v, want routine notice to chat 700 every 90m", it)
	}
	if want := f.now.Add(90 * time.Minute); !it.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", it.NextFire, want)
	}

	if _, err := f.svc.Join(context.Background(), "agua", 7, "", 700, 0); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("rejoin = %v, want ErrAlreadyJoined", err)
	}
	if _, err := f.svc.Join(context.Background(), "agua", 8, "", 800, 3); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("Join interval 3 = %v, want ErrIntervalTooShort", err)
	}
	if _, err := f.svc.Join(context.Background(), "ghost", 9, "", 900, 0); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Join unknown routine = %v, want ErrNotFound", err)
	}

	group := mustJoin(t, f, "agua", 10, 0)
	if group.DMEnabled {
		t.Fatalf("DMEnabled = true for dmChatID 0, want false")
	}
	if _, ok := f.st.Get(10, state.NoticeItemID("agua")); ok {
		t.Fatalf("group-only member got a notice item")
	}
}

func TestSetPreferencesRebuildsNotice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100})
	mustJoin(t, f, "agua", 7, 700)

	interval := 45
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{IntervalMinutes: &interval}); err != nil {
		t.Fatalf("SetPreferences = %v", err)
	}
	it, ok := f.st.Get(7, state.NoticeItemID("agua"))
	if !ok || it.EveryMinutes != 45 {
		t.Fatalf("item after interval change = %+v (ok=%v), want every 45m", it, ok)
	}

	off := false
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{DMEnabled: &off}); err != nil {
		t.Fatalf("SetPreferences dm off = %v", err)
	}
	if _, ok := f.st.Get(7, state.NoticeItemID("agua")); ok {
		t.Fatalf("notice item survived dm off")
	}

	on := true
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{DMEnabled: &on}); err != nil {
		t.Fatalf("SetPreferences dm on = %v", err)
	}
	if _, ok := f.st.Get(7, state.NoticeItemID("agua")); !ok {
		t.Fatalf("notice item missing after dm on")
	}

	tooShort := 1
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{IntervalMinutes: &tooShort}); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("SetPreferences interval 1 = %v, want ErrIntervalTooShort", err)
	}

	start, end := "23:00", "06:30"
	sub, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{QuietStart: &start, QuietEnd: &end})
	if err != nil {
		t.Fatalf("SetPreferences quiet = %v", err)
	}
	if sub.QuietStart != "23:00" || sub.QuietEnd != "06:30" {
		t.Fatalf("quiet = %s-%s, want 23:00-06:30", sub.QuietStart, sub.QuietEnd)
	}
	only := "22:00"
	empty := ""
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 7, Preferences{QuietStart: &only, QuietEnd: &empty}); err == nil {
		t.Fatalf("half quiet window accepted, want error")
	}
}

func TestConfirmIsIdempotentPerDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	mustCreate(t, f, state.Routine{ID: "agua", Name: "Água", ChatID: -100})
	mustJoin(t, f, "agua", 7, 700)

	reply, err := f.svc.Confirm(context.Background(), "agua", 7, f.now)
	if err != nil {
		t.Fatalf("Confirm = %v", err)
	}
	if !strings.Contains(reply, "Sequência: 1") {
		t.Fatalf("reply = %q, want projected streak 1", reply)
	}
	sub, _ := f.st.GetSub("agua", 7)
	if sub.Phase != state.PhaseConfirmed || !sub.ConfirmedOn("2026-08-23") {
		t.Fatalf("sub = phase %v days %v, want confirmed today", sub.Phase, sub.ConfirmedDays)
	}

	again, err := f.svc.Confirm(context.Background(), "agua", 7, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Confirm = %v", err)
	}
	if !strings.Contains(again, "já confirmou") {
		t.Fatalf("second reply = %q, want already-confirmed text", again)
	}
	sub, _ = f.st.GetSub("agua", 7)
	if len(sub.ConfirmedDays) != 1 {
		t.Fatalf("ConfirmedDays = %v, want single entry", sub.ConfirmedDays)
	}

	if _, err := f.svc.Confirm(context.Background(), "ghost", 7, f.now); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Confirm unknown routine = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Confirm(context.Background(), "agua", 99, f.now); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Confirm non-member = %v, want ErrNotFound", err)
	}
}

func TestRolloverStreaksAndRoles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-20 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{
		ID: "agua", ChatID: -100, StreakDays: 2, StreakRole: "Constante",
	})
	mustJoin(t, f, "agua", 1, 100)

	if _, err := f.svc.Confirm(ctx, "agua", 1, f.now); err != nil {
		t.Fatalf("Confirm day 1 = %v", err)
	}
	f.now = atTime(t, "2026-08-21 00:05")
	f.svc.Rollover(ctx, f.now)

	sub, _ := f.st.GetSub("agua", 1)
	if sub.Streak != 1 || sub.Phase != state.PhaseIdle {
		t.Fatalf("after day 1 = streak %d phase %v, want 1/idle", sub.Streak, sub.Phase)
	}
	if len(f.rm.calls) != 0 {
		t.Fatalf("role calls below threshold = %v, want none", f.rm.calls)
	}

	f.now = atTime(t, "2026-08-21 10:00")
	if _, err := f.svc.Confirm(ctx, "agua", 1, f.now); err != nil {
		t.Fatalf("Confirm day 2 = %v", err)
	}
	f.now = atTime(t, "2026-08-22 00:05")
	f.svc.Rollover(ctx, f.now)

	sub, _ = f.st.GetSub("agua", 1)
	if sub.Streak != 2 || !sub.HasStreakRole {
		t.Fatalf("after day 2 = streak %d role %v, want 2/true", sub.Streak, sub.HasStreakRole)
	}
	if len(f.rm.calls) != 1 || f.rm.calls[0] != (roleCall{op: "grant", memberID: 1, role: "Constante", routine: "agua"}) {
		t.Fatalf("role calls = %v, want single grant", f.rm.calls)
	}

	// Day 3 keeps the streak growing without a second grant.
	f.now = atTime(t, "2026-08-22 10:00")
	if _, err := f.svc.Confirm(ctx, "agua", 1, f.now); err != nil {
		t.Fatalf("Confirm day 3 = %v", err)
	}
	f.now = atTime(t, "2026-08-23 00:05")
	f.svc.Rollover(ctx, f.now)

	sub, _ = f.st.GetSub("agua", 1)
	if sub.Streak != 3 {
		t.Fatalf("after day 3 = streak %d, want 3", sub.Streak)
	}
	if len(f.rm.calls) != 1 {
		t.Fatalf("role calls after day 3 = %v, want still one grant", f.rm.calls)
	}

	// Missing day 4 resets the streak and revokes the role.
	f.now = atTime(t, "2026-08-24 00:05")
	f.svc.Rollover(ctx, f.now)

	sub, _ = f.st.GetSub("agua", 1)
	if sub.Streak != 0 || sub.HasStreakRole {
		t.Fatalf("after miss = streak %d role %v, want 0/false", sub.Streak, sub.HasStreakRole)
	}
	last := f.rm.calls[len(f.rm.calls)-1]
	if last != (roleCall{op: "revoke", memberID: 1, role: "Constante", routine: "agua"}) {
		t.Fatalf("last role call = %v, want revoke", last)
	}
}

func TestRolloverCatchesUpMissedDays(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-20 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100})
	mustJoin(t, f, "agua", 1, 100)

	if _, err := f.svc.Confirm(ctx, "agua", 1, f.now); err != nil {
		t.Fatalf("Confirm = %v", err)
	}
	f.now = atTime(t, "2026-08-21 00:05")
	f.svc.Rollover(ctx, f.now)
	if got := f.st.LastRollover(); got != "2026-08-20" {
		t.Fatalf("LastRollover = %q, want 2026-08-20", got)
	}
	sub, _ := f.st.GetSub("agua", 1)
	if sub.Streak != 1 {
		t.Fatalf("Streak = %d, want 1", sub.Streak)
	}

	// Bot down over three midnights; the restart rollover walks each
	// missed day so the unconfirmed days still reset the streak.
	f.now = atTime(t, "2026-08-24 09:00")
	f.svc.Rollover(ctx, f.now)

	if got := f.st.LastRollover(); got != "2026-08-23" {
		t.Fatalf("LastRollover = %q, want 2026-08-23", got)
	}
	sub, _ = f.st.GetSub("agua", 1)
	if sub.Streak != 0 {
		t.Fatalf("Streak after downtime = %d, want 0", sub.Streak)
	}

	// Same day again is a no-op.
	f.svc.Rollover(ctx, f.now)
	if got := f.st.LastRollover(); got != "2026-08-23" {
		t.Fatalf("LastRollover after repeat = %q, want 2026-08-23", got)
	}
}

func TestMonthlyTopAward(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-31 23:50"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "alongamento", Name: "Alongamento", ChatID: -100, MonthlyTopRole: "Top do Mês"})

	f.st.PutSub(state.Subscription{
		RoutineID: "alongamento", MemberID: 1, MemberName: "Ana",
		ConfirmedDays: []string{"2026-08-02", "2026-08-03", "2026-08-04", "2026-08-05"},
	})
	f.st.PutSub(state.Subscription{
		RoutineID: "alongamento", MemberID: 2, MemberName: "Bia",
		ConfirmedDays: []string{"2026-08-10", "2026-09-01", "2026-09-02", "2026-09-03"},
	})

	f.now = atTime(t, "2026-09-01 00:05")
	f.svc.Rollover(ctx, f.now)

	r, _ := f.st.GetRoutine("alongamento")
	if r.MonthlyTopHolder != 1 {
		t.Fatalf("MonthlyTopHolder = %d, want 1", r.MonthlyTopHolder)
	}
	if len(f.rm.calls) != 1 || f.rm.calls[0] != (roleCall{op: "grant", memberID: 1, role: "Top do Mês", routine: "alongamento"}) {
		t.Fatalf("role calls = %v, want grant to member 1", f.rm.calls)
	}
	foundCelebration := false
	for _, n := range f.out.announces {
		if n.DedupKey == "monthtop:alongamento:2026-08" {
			foundCelebration = true
			if !strings.Contains(n.Text, "Ana") {
				t.Fatalf("celebration text = %q, want holder name", n.Text)
			}
		}
	}
	if !foundCelebration {
		t.Fatalf("no celebration announcement, have %v", f.out.announces)
	}

	// Unchanged holder does nothing.
	calls := len(f.rm.calls)
	f.svc.awardMonthlyTop(ctx, "alongamento", "2026-08")
	if len(f.rm.calls) != calls {
		t.Fatalf("role calls after repeat award = %v, want unchanged", f.rm.calls)
	}

	// September crowns member 2: revoke then grant.
	f.svc.awardMonthlyTop(ctx, "alongamento", "2026-09")
	r, _ = f.st.GetRoutine("alongamento")
	if r.MonthlyTopHolder != 2 {
		t.Fatalf("MonthlyTopHolder = %d, want 2", r.MonthlyTopHolder)
	}
	tail := f.rm.calls[calls:]
	if len(tail) != 2 || tail[0].op != "revoke" || tail[0].memberID != 1 || tail[1].op != "grant" || tail[1].memberID != 2 {
		t.Fatalf("role calls for changed holder = %v, want revoke 1 then grant 2", tail)
	}
}

func TestPauseFreezesRolloverAndJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100, AnnounceTimes: []string{"09:00"}})
	f.st.PutSub(state.Subscription{
		RoutineID: "agua", MemberID: 1, IntervalMinutes: 90,
		Phase: state.PhaseNotified, Streak: 3,
	})

	if err := f.svc.Pause("agua"); err != nil {
		t.Fatalf("Pause = %v", err)
	}
	if hasJob(f, "routine.announce:agua:09:00") {
		t.Fatalf("announce job survived pause")
	}

	f.now = atTime(t, "2026-08-24 00:05")
	f.svc.Rollover(ctx, f.now)
	sub, _ := f.st.GetSub("agua", 1)
	if sub.Streak != 3 || sub.Phase != state.PhaseNotified {
		t.Fatalf("paused sub = streak %d phase %v, want frozen 3/notified", sub.Streak, sub.Phase)
	}

	if err := f.svc.Resume("agua"); err != nil {
		t.Fatalf("Resume = %v", err)
	}
	if !hasJob(f, "routine.announce:agua:09:00") {
		t.Fatalf("announce job missing after resume, have %v", jobNames(f))
	}

	if err := f.svc.Pause("ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Pause unknown = %v, want ErrNotFound", err)
	}
}

func TestDeleteRevokesRolesAndCleansUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{
		ID: "agua", ChatID: -100, AnnounceTimes: []string{"09:00"},
		StreakDays: 2, StreakRole: "Constante", MonthlyTopRole: "Top",
	})
	mustJoin(t, f, "agua", 1, 100)
	f.st.MutateSub("agua", 1, func(x *state.Subscription) {
		x.Streak = 5
		x.HasStreakRole = true
	})
	f.st.MutateRoutine("agua", func(x *state.Routine) { x.MonthlyTopHolder = 1 })

	if err := f.svc.Delete(ctx, "agua"); err != nil {
		t.Fatalf("Delete = %v", err)
	}
	if _, ok := f.st.GetRoutine("agua"); ok {
		t.Fatalf("routine survived delete")
	}
	if _, ok := f.st.Get(1, state.NoticeItemID("agua")); ok {
		t.Fatalf("notice item survived delete")
	}
	if hasJob(f, "routine.announce:agua:09:00") {
		t.Fatalf("announce job survived delete")
	}
	want := []roleCall{
		{op: "revoke", memberID: 1, role: "Constante", routine: "agua"},
		{op: "revoke", memberID: 1, role: "Top", routine: "agua"},
	}
	if len(f.rm.calls) != 2 || f.rm.calls[0] != want[0] || f.rm.calls[1] != want[1] {
		t.Fatalf("role calls = %v, want %v", f.rm.calls, want)
	}

	if err := f.svc.Delete(ctx, "agua"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestAnnouncePostsOncePerSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 09:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "alongamento", Name: "Alongamento", ChatID: -100, AnnounceTimes: []string{"09:00"}})
	mustJoin(t, f, "alongamento", 5, 0)

	if err := f.svc.announce(ctx, "alongamento", "09:00"); err != nil {
		t.Fatalf("announce = %v", err)
	}
	if len(f.out.announces) != 1 {
		t.Fatalf("announces = %d, want 1", len(f.out.announces))
	}
	n := f.out.announces[0]
	if n.DedupKey != "announce:alongamento:2026-08-23:09:00" {
		t.Fatalf("DedupKey = %q", n.DedupKey)
	}
	if n.Target.ChatID != -100 || !strings.Contains(n.Text, "Alongamento") {
		t.Fatalf("announcement = %+v, want channel post naming the routine", n)
	}
	if n.Options == nil || len(n.Options.Buttons) != 1 || n.Options.Buttons[0].Data != "routine:confirm:alongamento" {
		t.Fatalf("announcement buttons = %+v, want confirm callback", n.Options)
	}

	r, _ := f.st.GetRoutine("alongamento")
	if r.LastAnnounced["09:00"] != "2026-08-23" {
		t.Fatalf("LastAnnounced = %v, want slot marked", r.LastAnnounced)
	}
	sub, _ := f.st.GetSub("alongamento", 5)
	if sub.Phase != state.PhaseNotified {
		t.Fatalf("group member phase = %v, want notified by the post", sub.Phase)
	}

	// Same slot again (restart replay) does not post twice.
	if err := f.svc.announce(ctx, "alongamento", "09:00"); err != nil {
		t.Fatalf("repeat announce = %v", err)
	}
	if len(f.out.announces) != 1 {
		t.Fatalf("announces after repeat = %d, want still 1", len(f.out.announces))
	}

	// Unknown routine cleans its jobs and stays quiet.
	if err := f.svc.announce(ctx, "ghost", "09:00"); err != nil {
		t.Fatalf("announce unknown = %v", err)
	}
	if len(f.out.announces) != 1 {
		t.Fatalf("announces after unknown = %d, want still 1", len(f.out.announces))
	}
}

func TestAnnounceFallsBackToDirectSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 09:00"))
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100, AnnounceTimes: []string{"09:00"}})
	f.out.announceErr = delivery.ErrDisabled

	if err := f.svc.announce(context.Background(), "agua", "09:00"); err != nil {
		t.Fatalf("announce = %v", err)
	}
	if len(f.out.sends) != 1 || f.out.sends[0].to.ChatID != -100 {
		t.Fatalf("sends = %v, want direct post to channel", f.out.sends)
	}
	r, _ := f.st.GetRoutine("agua")
	if r.LastAnnounced["09:00"] != "2026-08-23" {
		t.Fatalf("LastAnnounced = %v, want slot marked after fallback", r.LastAnnounced)
	}
}

func TestSetAchievementsReevaluatesHolders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100})
	f.st.PutSub(state.Subscription{RoutineID: "agua", MemberID: 1, IntervalMinutes: 90, Streak: 7})
	f.st.PutSub(state.Subscription{RoutineID: "agua", MemberID: 2, IntervalMinutes: 90, Streak: 2})

	if err := f.svc.SetAchievements(ctx, "agua", 5, "Constante", ""); err != nil {
		t.Fatalf("SetAchievements = %v", err)
	}
	sub1, _ := f.st.GetSub("agua", 1)
	sub2, _ := f.st.GetSub("agua", 2)
	if !sub1.HasStreakRole || sub2.HasStreakRole {
		t.Fatalf("markers = %v/%v, want true/false", sub1.HasStreakRole, sub2.HasStreakRole)
	}
	if len(f.rm.calls) != 1 || f.rm.calls[0].op != "grant" || f.rm.calls[0].memberID != 1 {
		t.Fatalf("role calls = %v, want grant to member 1", f.rm.calls)
	}

	// Raising the bar revokes from members now below it.
	if err := f.svc.SetAchievements(ctx, "agua", 10, "Constante", ""); err != nil {
		t.Fatalf("SetAchievements raise = %v", err)
	}
	sub1, _ = f.st.GetSub("agua", 1)
	if sub1.HasStreakRole {
		t.Fatalf("marker survived raised threshold")
	}
	last := f.rm.calls[len(f.rm.calls)-1]
	if last.op != "revoke" || last.memberID != 1 {
		t.Fatalf("last role call = %v, want revoke member 1", last)
	}
}

func TestHandlerQuietWindows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100, QuietStart: "22:00", QuietEnd: "07:00"})
	mustJoin(t, f, "agua", 1, 100)
	mustJoin(t, f, "agua", 2, 200)
	start, end := "23:30", "06:00"
	if _, err := f.svc.SetPreferences(context.Background(), "agua", 2, Preferences{QuietStart: &start, QuietEnd: &end}); err != nil {
		t.Fatalf("SetPreferences = %v", err)
	}

	h := f.svc.Handler()
	it1, _ := f.st.Get(1, state.NoticeItemID("agua"))
	it2, _ := f.st.Get(2, state.NoticeItemID("agua"))

	if got := h.Quiet(it1).String(); got != "22:00-07:00" {
		t.Fatalf("routine window = %s, want 22:00-07:00", got)
	}
	if got := h.Quiet(it2).String(); got != "23:30-06:00" {
		t.Fatalf("override window = %s, want 23:30-06:00", got)
	}
}

func TestHandlerDeliverNotice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", Name: "Água", ChatID: -100})
	mustJoin(t, f, "agua", 1, 100)
	h := f.svc.Handler()
	it, _ := f.st.Get(1, state.NoticeItemID("agua"))

	out, err := h.Deliver(ctx, it)
	if err != nil || out != engine.Delivered {
		t.Fatalf("Deliver = %v, %v, want Delivered", out, err)
	}
	if len(f.out.sends) != 1 || f.out.sends[0].to.ChatID != 100 {
		t.Fatalf("sends = %v, want dm to chat 100", f.out.sends)
	}
	if !strings.Contains(f.out.sends[0].text, "Lembrete da rotina Água") {
		t.Fatalf("text = %q, want routine reminder", f.out.sends[0].text)
	}
	sub, _ := f.st.GetSub("agua", 1)
	if sub.Phase != state.PhaseNotified {
		t.Fatalf("phase = %v, want notified", sub.Phase)
	}

	// Confirmed member skips the slot without a send.
	f.st.MutateSub("agua", 1, func(x *state.Subscription) { x.Phase = state.PhaseConfirmed })
	out, err = h.Deliver(ctx, it)
	if err != nil || out != engine.Skipped {
		t.Fatalf("Deliver confirmed = %v, %v, want Skipped", out, err)
	}
	if len(f.out.sends) != 1 {
		t.Fatalf("sends = %d, want still 1", len(f.out.sends))
	}

	// Paused routine skips but keeps the item.
	f.st.MutateSub("agua", 1, func(x *state.Subscription) { x.Phase = state.PhaseIdle })
	f.st.MutateRoutine("agua", func(x *state.Routine) { x.Paused = true })
	out, err = h.Deliver(ctx, it)
	if err != nil || out != engine.Skipped {
		t.Fatalf("Deliver paused = %v, %v, want Skipped", out, err)
	}
	if _, ok := f.st.Get(1, state.NoticeItemID("agua")); !ok {
		t.Fatalf("item canceled for paused routine, want kept")
	}
	f.st.MutateRoutine("agua", func(x *state.Routine) { x.Paused = false })

	// Send failure propagates so the engine retries.
	f.out.sendErr = errors.New("telegram down")
	if _, err := h.Deliver(ctx, it); err == nil {
		t.Fatalf("Deliver with failing sender = nil, want error")
	}
	f.out.sendErr = nil
	sub, _ = f.st.GetSub("agua", 1)
	if sub.Phase != state.PhaseIdle {
		t.Fatalf("phase after failed send = %v, want idle", sub.Phase)
	}

	// Member who turned DMs off gets the item canceled.
	off := false
	if _, err := f.svc.SetPreferences(ctx, "agua", 1, Preferences{DMEnabled: &off}); err != nil {
		t.Fatalf("SetPreferences = %v", err)
	}
	out, err = h.Deliver(ctx, it)
	if err != nil || out != engine.Skipped {
		t.Fatalf("Deliver dm-off = %v, %v, want Skipped", out, err)
	}

	// Deleted routine cancels the orphaned item.
	f.st.DeleteRoutine("agua")
	out, err = h.Deliver(ctx, it)
	if err != nil || out != engine.Skipped {
		t.Fatalf("Deliver orphan = %v, %v, want Skipped", out, err)
	}
}

func TestStartRegistersJobsAndCatchesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100, AnnounceTimes: []string{"09:00"}})
	f.st.PutSub(state.Subscription{
		RoutineID: "agua", MemberID: 1, IntervalMinutes: 90,
		Phase: state.PhaseConfirmed, ConfirmedDays: []string{"2026-08-22"},
	})
	f.st.SetLastRollover("2026-08-21")

	f.svc.Start(ctx)

	if !hasJob(f, "routine.announce:agua:09:00") || !hasJob(f, "routine.rollover") {
		t.Fatalf("jobs after Start = %v", jobNames(f))
	}
	sub, _ := f.st.GetSub("agua", 1)
	if sub.Streak != 1 || sub.Phase != state.PhaseIdle {
		t.Fatalf("catch-up sub = streak %d phase %v, want 1/idle", sub.Streak, sub.Phase)
	}
	if got := f.st.LastRollover(); got != "2026-08-22" {
		t.Fatalf("LastRollover = %q, want 2026-08-22", got)
	}
}

func TestLeaderboardOfRequiresRoutine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100})
	f.st.PutSub(state.Subscription{RoutineID: "agua", MemberID: 1, IntervalMinutes: 90, ConfirmedDays: []string{"2026-08-23"}})

	rows, err := f.svc.LeaderboardOf("agua", f.now, 30)
	if err != nil {
		t.Fatalf("LeaderboardOf = %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 1 {
		t.Fatalf("rows = %v, want one row with count 1", rows)
	}
	if _, err := f.svc.LeaderboardOf("ghost", f.now, 30); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("LeaderboardOf unknown = %v, want ErrNotFound", err)
	}
}

func TestLeaveRevokesAndRemovesNotice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, atTime(t, "2026-08-23 10:00"))
	ctx := context.Background()
	mustCreate(t, f, state.Routine{ID: "agua", ChatID: -100, StreakDays: 2, StreakRole: "Constante"})
	mustJoin(t, f, "agua", 1, 100)
	f.st.MutateSub("agua", 1, func(x *state.Subscription) { x.HasStreakRole = true })

	if err := f.svc.Leave(ctx, "agua", 1); err != nil {
		t.Fatalf("Leave = %v", err)
	}
	if _, ok := f.st.GetSub("agua", 1); ok {
		t.Fatalf("subscription survived leave")
	}
	if _, ok := f.st.Get(1, state.NoticeItemID("agua")); ok {
		t.Fatalf("notice item survived leave")
	}
	if len(f.rm.calls) != 1 || f.rm.calls[0].op != "revoke" {
		t.Fatalf("role calls = %v, want single revoke", f.rm.calls)
	}
	if err := f.svc.Leave(ctx, "agua", 1); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("second Leave = %v, want ErrNotFound", err)
	}
}
