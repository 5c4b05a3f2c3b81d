// Package schedule triggers named jobs on cron-style times in the bot's
// timezone. Jobs run in cron's goroutines with panic recovery and a
// per-job timeout; a job still running when its next fire arrives is
// skipped, not queued.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cerebroso/internal/timeexpr"
	logx "cerebroso/pkg/logx"
)

// Job errors are logged and absorbed; they never stop the schedule.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     Job
	entryID cron.EntryID
	running *atomic.Bool
}

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef
	base   context.Context
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:    log,
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// AddDaily registers (or replaces) a job firing every day at the given
// clock time in the service timezone.
func (s *Service) AddDaily(name string, at timeexpr.Clock, timeout time.Duration, job Job) error {
	spec := fmt.Sprintf("%d %d * * *", at.Minute, at.Hour)
	return s.add(name, spec, timeout, job)
}

// AddEvery registers (or replaces) a job firing on a fixed interval.
func (s *Service) AddEvery(name string, every time.Duration, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("interval must be positive, got %s", every)
	}
	return s.add(name, fmt.Sprintf("@every %s", every), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name required")
	}
	if job == nil {
		return fmt.Errorf("job func required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("bad schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert: a job re-registered under the same name replaces the old one,
	// so config reloads don't accumulate duplicates.
	s.removeLocked(name)

	d := &jobDef{name: name, spec: spec, timeout: timeout, run: job, running: &atomic.Bool{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// Remove unregisters the named job. Returns false if it was not present.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// RemovePrefix unregisters every job whose name starts with prefix.
// Used when a routine is deleted and all its announce jobs must go.
func (s *Service) RemovePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	n := 0
	for _, d := range s.defs {
		if strings.HasPrefix(d.name, prefix) {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed++
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	eid, err := s.c.AddJob(d.spec, s.wrap(d))
	if err != nil {
		s.log.Error("job register failed", logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) wrap(d *jobDef) cron.FuncJob {
	return func() {
		if !d.running.CompareAndSwap(false, true) {
			s.log.Debug("job still running, fire skipped", logx.String("job", d.name))
			return
		}
		defer d.running.Store(false)

		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base == nil {
			base = context.Background()
		}
		ctx := base
		cancel := context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(base, d.timeout)
		}
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r))
			}
		}()

		start := time.Now()
		if err := d.run(ctx); err != nil {
			s.log.Warn("job failed", logx.String("job", d.name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}
	}
}

// Start begins triggering. Jobs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("schedule started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering and waits for running jobs until ctx expires.
// Registered jobs survive Stop and fire again after the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

// SetLocation switches the timezone. A running schedule is restarted so
// every job fires at its clock time in the new zone.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Wait for in-flight jobs outside the lock; wrap() needs it briefly.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("schedule restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Snapshot lists registered jobs with next/prev fire times when running.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}
