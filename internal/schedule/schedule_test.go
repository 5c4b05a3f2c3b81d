package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"cerebroso/internal/timeexpr"
	logx "cerebroso/pkg/logx"
)

func TestAddDailySpec(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	if err := s.AddDaily("rollover", timeexpr.Clock{Hour: 0, Minute: 0}, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily() error = %v", err)
	}
	if err := s.AddDaily("announce", timeexpr.Clock{Hour: 18, Minute: 30}, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily() error = %v", err)
	}

	specs := map[string]string{}
	for _, info := range s.Snapshot() {
		specs[info.Name] = info.Spec
	}
	if specs["rollover"] != "0 0 * * *" {
		t.Fatalf("rollover spec = %q, want %q", specs["rollover"], "0 0 * * *")
	}
	if specs["announce"] != "30 18 * * *" {
		t.Fatalf("announce spec = %q, want %q", specs["announce"], "30 18 * * *")
	}
}

func TestUpsertByName(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	job := func(ctx context.Context) error { return nil }
	if err := s.AddEvery("health", time.Minute, 0, job); err != nil {
		t.Fatalf("AddEvery() error = %v", err)
	}
	if err := s.AddEvery("health", 5*time.Minute, 0, job); err != nil {
		t.Fatalf("AddEvery() replace error = %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() = %d jobs, want 1", len(snap))
	}
	if snap[0].Spec != "@every 5m0s" {
		t.Fatalf("spec = %q, want %q", snap[0].Spec, "@every 5m0s")
	}
}

func TestRemoveAndRemovePrefix(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	job := func(ctx context.Context) error { return nil }
	for _, name := range []string{"routine.announce:agua:08:00", "routine.announce:agua:18:00", "rollover"} {
		if err := s.AddEvery(name, time.Minute, 0, job); err != nil {
			t.Fatalf("AddEvery(%s) error = %v", name, err)
		}
	}

	if n := s.RemovePrefix("routine.announce:agua:"); n != 2 {
		t.Fatalf("RemovePrefix() = %d, want 2", n)
	}
	if !s.Remove("rollover") {
		t.Fatalf("Remove(rollover) = false, want true")
	}
	if s.Remove("rollover") {
		t.Fatalf("Remove(rollover) second call = true, want false")
	}
	if got := len(s.Snapshot()); got != 0 {
		t.Fatalf("Snapshot() = %d jobs, want 0", got)
	}
}

func TestEveryJobFires(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	fired := make(chan struct{}, 8)
	err := s.AddEvery("tick", time.Second, time.Second, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AddEvery() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job fire")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	s.Stop(sctx)
}

func TestOverlapSkipped(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := &jobDef{name: "slow", running: &atomic.Bool{}, run: func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}}
	fn := s.wrap(d)

	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first run")
	}

	// A fire while the first run is still in flight must be dropped.
	fn()
	if got := runs.Load(); got != 1 {
		close(release)
		t.Fatalf("runs while blocked = %d, want 1", got)
	}
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first run to finish")
	}

	// After the first run finishes, the job may fire again.
	fn()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs after release = %d, want 2", got)
	}
}

func TestJobPanicRecovered(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	d := &jobDef{name: "boom", running: &atomic.Bool{}, run: func(ctx context.Context) error {
		panic("job exploded")
	}}
	// Must not propagate.
	s.wrap(d)()
	if d.running.Load() {
		t.Fatal("running flag still set after panic")
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	expired := make(chan struct{})
	d := &jobDef{name: "slowpoke", timeout: 10 * time.Millisecond, running: &atomic.Bool{}, run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			close(expired)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}}
	s.wrap(d)()
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("job context never expired")
	}
}

func TestBadScheduleRejected(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	if err := s.AddEvery("bad", -time.Second, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("AddEvery(negative) error = nil, want error")
	}
	if err := s.AddEvery("", time.Minute, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("AddEvery(empty name) error = nil, want error")
	}
}
