// Package engine runs the dispatch loop: a periodic scan picks up due
// scheduled items and routes each through the handler for its kind, then
// retires one-shots and advances recurring items.
//
// The loop itself knows nothing about reminders, habits or routines; that
// behavior lives in the registered handlers.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cerebroso/internal/state"
	"cerebroso/internal/storage"
	"cerebroso/internal/timeexpr"
	logx "cerebroso/pkg/logx"

	rtsup "cerebroso/internal/runtime/supervisor"
)

// Outcome reports what a handler did with a due item.
type Outcome int

const (
	// Delivered means the message went out.
	Delivered Outcome = iota
	// Skipped means the handler suppressed the message on purpose (for
	// example a routine already confirmed today). The item still advances.
	Skipped
)

// Handler implements the per-kind delivery behavior.
type Handler interface {
	// Quiet returns the item's effective quiet window. Zero means none.
	Quiet(it state.ScheduledItem) timeexpr.Window
	// Deliver sends the item's message. An error leaves the item due so the
	// next tick retries it.
	Deliver(ctx context.Context, it state.ScheduledItem) (Outcome, error)
}

type Config struct {
	// Tick is the scan period. Minimum 1s.
	Tick time.Duration
	// DeliverTimeout bounds one handler call.
	DeliverTimeout time.Duration
	// FailLogEvery throttles repeated failure warns per item to every Nth
	// consecutive failure.
	FailLogEvery int
	// GiveUpAfter bounds consecutive failures for one item; when reached a
	// one-shot is retired and a recurring item jumps to its next interval.
	// Zero means retry forever.
	GiveUpAfter int
}

func (c Config) normalized() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Tick < time.Second {
		c.Tick = time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.FailLogEvery <= 0 {
		c.FailLogEvery = 5
	}
	if c.GiveUpAfter < 0 {
		c.GiveUpAfter = 0
	}
	return c
}

// Stats is an operational snapshot for health logging.
type Stats struct {
	LastScan  time.Time
	LastDue   int
	Delivered uint64
	Failed    uint64
}

type Service struct {
	mu       sync.Mutex
	cfg      Config
	handlers map[state.ItemKind]Handler
	sup      *rtsup.Supervisor
	stats    Stats

	log   logx.Logger
	store *state.Store
	audit storage.Store
	now   func() time.Time

	// Consecutive delivery failures per item, reset on success.
	failMu sync.Mutex
	fails  map[string]int
}

func New(cfg Config, st *state.Store, log logx.Logger, audit storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.normalized(),
		handlers: map[state.ItemKind]Handler{},
		log:      log,
		store:    st,
		audit:    audit,
		now:      time.Now,
		fails:    map[string]int{},
	}
}

// Register installs the handler for an item kind. Call before Start.
func (s *Service) Register(kind state.ItemKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start launches the tick loop. The first scan runs immediately so items
// that came due while the bot was down fire on startup, not a tick later.
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
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("dispatch.tick", func(c context.Context) error {
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
		s.Scan(ctx, s.now())

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

// Scan dispatches everything due at now. It is the loop body, exported so
// tests can drive synthetic clocks through it without waiting on real ticks.
func (s *Service) Scan(ctx context.Context, now time.Time) {
	due := s.store.Due(now)

	s.mu.Lock()
	cfg := s.cfg
	s.stats.LastScan = now
	s.stats.LastDue = len(due)
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.log.Debug("scan found due items", logx.Int("due", len(due)))

	for _, it := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatchOne(ctx, cfg, it, now)
	}
}

// dispatchOne handles a single due item. Panics and errors stay inside it;
// one broken item never blocks the rest of the batch.
func (s *Service) dispatchOne(ctx context.Context, cfg Config, it state.ScheduledItem, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked",
				logx.String("item", it.ID), logx.Int64("owner", it.OwnerID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	h := s.handlers[it.Kind]
	s.mu.Unlock()
	if h == nil {
		// Retire so an orphaned item does not spin every tick.
		s.log.Error("no handler for item kind, retiring",
			logx.String("kind", string(it.Kind)), logx.String("item", it.ID), logx.Int64("owner", it.OwnerID))
		s.store.RetireAfterDispatch(it)
		return
	}

	// Quiet window: push delivery to the reopening time instead of dropping.
	local := now.In(s.store.Location())
	if w := h.Quiet(it); w.Contains(local) {
		reopen := w.NextOpen(local)
		if s.store.RescheduleAfterDispatch(it, reopen) {
			s.log.Debug("delivery deferred past quiet window",
				logx.String("item", it.ID), logx.Int64("owner", it.OwnerID),
				logx.String("window", w.String()), logx.Time("until", reopen))
		}
		return
	}

	// A cancel since the scan wins over delivery.
	if !s.store.StillCurrent(it) {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	started := time.Now()
	out, err := h.Deliver(dctx, it)
	took := time.Since(started)
	cancel()

	if err != nil {
		s.onFailure(cfg, it, now, err, took)
		return
	}
	s.clearFails(it)

	switch out {
	case Delivered:
		s.mu.Lock()
		s.stats.Delivered++
		s.mu.Unlock()
		s.log.Debug("item delivered",
			logx.String("item", it.ID), logx.Int64("owner", it.OwnerID),
			logx.String("kind", string(it.Kind)), logx.Duration("took", took))
		s.auditRecord(storage.Record{
			At: time.Now(), Kind: "deliver", OwnerID: it.OwnerID, ChatID: it.ChatID,
			ItemID: it.ID, RoutineID: it.RoutineID, Outcome: "sent", TookMS: took.Milliseconds(),
		})
	case Skipped:
		s.log.Debug("item suppressed by handler",
			logx.String("item", it.ID), logx.Int64("owner", it.OwnerID), logx.String("kind", string(it.Kind)))
	}

	if it.Recurring() {
		if !s.store.RescheduleAfterDispatch(it, now.Add(it.Interval())) {
			s.log.Debug("reschedule lost to concurrent change", logx.String("item", it.ID), logx.Int64("owner", it.OwnerID))
		}
		return
	}
	if !s.store.RetireAfterDispatch(it) {
		s.log.Debug("retire lost to concurrent change", logx.String("item", it.ID), logx.Int64("owner", it.OwnerID))
	}
}

func (s *Service) onFailure(cfg Config, it state.ScheduledItem, now time.Time, err error, took time.Duration) {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()

	n := s.bumpFails(it)
	if n == 1 || cfg.FailLogEvery <= 1 || n%cfg.FailLogEvery == 0 {
		s.log.Warn("delivery failed, item stays due",
			logx.String("item", it.ID), logx.Int64("owner", it.OwnerID),
			logx.String("kind", string(it.Kind)), logx.Int("consecutive", n), logx.Err(err))
	}
	s.auditRecord(storage.Record{
		At: time.Now(), Kind: "deliver", OwnerID: it.OwnerID, ChatID: it.ChatID,
		ItemID: it.ID, RoutineID: it.RoutineID, Outcome: "failed", Error: err.Error(),
		Attempts: n, TookMS: took.Milliseconds(),
	})

	if cfg.GiveUpAfter <= 0 || n < cfg.GiveUpAfter {
		// Item stays due; next tick retries.
		return
	}

	s.clearFails(it)
	if it.Recurring() {
		s.log.Error("delivery giving up until next interval",
			logx.String("item", it.ID), logx.Int64("owner", it.OwnerID), logx.Int("failures", n), logx.Err(err))
		s.store.RescheduleAfterDispatch(it, now.Add(it.Interval()))
	} else {
		s.log.Error("delivery giving up, item retired",
			logx.String("item", it.ID), logx.Int64("owner", it.OwnerID), logx.Int("failures", n), logx.Err(err))
		s.store.RetireAfterDispatch(it)
	}
	s.auditRecord(storage.Record{
		At: time.Now(), Kind: "deliver", OwnerID: it.OwnerID, ChatID: it.ChatID,
		ItemID: it.ID, RoutineID: it.RoutineID, Outcome: "gave_up", Error: err.Error(), Attempts: n,
	})
}

func failKey(it state.ScheduledItem) string { return fmt.Sprintf("%d/%s", it.OwnerID, it.ID) }

func (s *Service) bumpFails(it state.ScheduledItem) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fails[failKey(it)]++
	return s.fails[failKey(it)]
}

func (s *Service) clearFails(it state.ScheduledItem) {
	s.failMu.Lock()
	delete(s.fails, failKey(it))
	s.failMu.Unlock()
}

func (s *Service) auditRecord(r storage.Record) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.audit.AppendAudit(ctx, r); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}
