// Package app wires the bot together: config, logging, transport, state,
// delivery and the scheduling engines, with hot config reload and a bounded
// shutdown sequence.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cerebroso/internal/config"
	"cerebroso/internal/delivery"
	"cerebroso/internal/engine"
	"cerebroso/internal/eventbus"
	"cerebroso/internal/habit"
	"cerebroso/internal/observability/pprof"
	"cerebroso/internal/pomodoro"
	"cerebroso/internal/reminder"
	"cerebroso/internal/roles"
	"cerebroso/internal/routine"
	rtsup "cerebroso/internal/runtime/supervisor"
	"cerebroso/internal/schedule"
	"cerebroso/internal/state"
	"cerebroso/internal/storage"
	"cerebroso/internal/timeexpr"
	kit "cerebroso/internal/transport"
	telegram "cerebroso/internal/transport/telegram/adapter"
	logx "cerebroso/pkg/logx"
)

// healthEvery spaces the operational snapshot log line.
const healthEvery = 10 * time.Minute

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	audit storage.Store

	st      *state.Store
	adapter kit.Adapter

	deliv *delivery.Service
	eng   *engine.Service
	sched *schedule.Service
	prof  *pprof.Service

	routines  *routine.Service
	habits    *habit.Service
	reminders *reminder.Service
	poms      *pomodoro.Service

	updates chan kit.Update
}

// chatSink adapts the transport adapter to the log service's sending
// surface, keeping pkg/logx free of transport imports.
type chatSink struct{ a kit.Adapter }

func (c chatSink) SendChat(ctx context.Context, chatID int64, text string) error {
	_, err := c.a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies its config immediately, and the chat sink warns when
	// enabled without a target. Bootstrap with the sink off, set the target,
	// then apply the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    false,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, chatSink{ad})
	log = log.With(logx.String("comp", "app"))

	if target := strings.TrimSpace(cfg.Telegram.GroupLog); target != "" {
		if chatID, err := strconv.ParseInt(target, 10, 64); err == nil {
			logSvc.SetChatTarget(chatID)
		}
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Chat.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	var audit storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		stg, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		audit = stg
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	loc, err := locationOf(cfg)
	if err != nil {
		return nil, err
	}

	st, err := state.Open(statePath(cfg),
		state.WithLocation(loc),
		state.WithLogger(log.With(logx.String("comp", "state"))),
	)
	if err != nil {
		return nil, err
	}

	delivCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliv := delivery.New(delivCfg, ad, log.With(logx.String("comp", "delivery")), bus, audit)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, st, log.With(logx.String("comp", "engine")), audit)

	sched := schedule.New(loc, log.With(logx.String("comp", "schedule")))
	rolesSvc := roles.New(log.With(logx.String("comp", "roles")), bus, audit)

	routines := routine.New(routine.Config{MinIntervalMinutes: cfg.Routines.MinIntervalMinutes},
		st, deliv, sched, rolesSvc, log.With(logx.String("comp", "routine")), bus, audit)
	habits := habit.New(habit.Config{MinIntervalMinutes: cfg.Habits.MinIntervalMinutes},
		st, deliv, log.With(logx.String("comp", "habit")), audit)
	rems := reminder.New(reminder.Config{MinIntervalMinutes: cfg.Reminders.MinIntervalMinutes},
		st, deliv, log.With(logx.String("comp", "reminder")))

	pomCfg, err := mapPomodoroConfig(cfg)
	if err != nil {
		return nil, err
	}
	poms := pomodoro.New(pomCfg, st, deliv, ad, log.With(logx.String("comp", "pomodoro")), bus)

	eng.Register(state.KindReminder, rems.Handler())
	eng.Register(state.KindHabitTick, habits.Handler())
	eng.Register(state.KindRoutineNotice, routines.Handler())

	prof := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		audit:     audit,
		st:        st,
		adapter:   ad,
		deliv:     deliv,
		eng:       eng,
		sched:     sched,
		prof:      prof,
		routines:  routines,
		habits:    habits,
		reminders: rems,
		poms:      poms,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("timezone: invalid %q: %w", tz, err)
			}
		}
		if cfg.Routines.MinIntervalMinutes < 0 {
			return fmt.Errorf("routines.min_interval_minutes must be >= 0")
		}
		if cfg.Habits.MinIntervalMinutes < 0 {
			return fmt.Errorf("habits.min_interval_minutes must be >= 0")
		}
		if cfg.Reminders.MinIntervalMinutes < 0 {
			return fmt.Errorf("reminders.min_interval_minutes must be >= 0")
		}
		if cfg.Pomodoro.CyclesToLongBreak < 0 {
			return fmt.Errorf("pomodoro.cycles_to_long_break must be >= 0")
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPomodoroConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.deliv.Start(runCtx)

	// Routine announce jobs and both day-boundary catch-ups run before cron
	// starts triggering and before the dispatch loop sees stale items.
	a.routines.Start(runCtx)
	_ = a.sched.AddDaily("habit.rollover", timeexpr.Clock{}, 5*time.Minute, func(c context.Context) error {
		a.habits.Rollover(c, time.Now())
		return nil
	})
	a.habits.Rollover(runCtx, time.Now())
	_ = a.sched.AddEvery("app.health", healthEvery, 30*time.Second, func(c context.Context) error {
		a.logHealth()
		return nil
	})

	a.poms.Start(runCtx)
	a.eng.Start(runCtx)
	a.sched.Start(runCtx)
	if a.prof.Enabled() {
		a.prof.Start(runCtx)
	}

	a.sup.Go("updates.bridge", func(c context.Context) error {
		return a.bridgeLoop(c)
	})

	// Debug tap on the event bus; components that care subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prev := lastApplied
				lastApplied = newCfg

				a.applyReload(c, prev, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services.
func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "state":
			a.log.Warn("state path changed; restart required for changes to take effect")
		}
	}

	// Log target first, so the chat sink never applies without one.
	if target := strings.TrimSpace(cfg.Telegram.GroupLog); target != "" {
		if chatID, err := strconv.ParseInt(target, 10, 64); err == nil {
			a.logs.SetChatTarget(chatID)
		}
	} else {
		a.logs.SetChatTarget(0)
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.eng.Apply(engCfg)
	}

	prevDeliv := a.deliv.Enabled()
	if delivCfg, err := mapDeliveryConfig(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.deliv.Apply(delivCfg)
		switch {
		case prevDeliv && !delivCfg.Enabled:
			a.log.Info("delivery disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.deliv.Stop(stopCtx)
			cancel()
		case !prevDeliv && delivCfg.Enabled:
			a.log.Info("delivery enabled via config")
			a.deliv.Start(ctx)
		}
	}

	if pomCfg, err := mapPomodoroConfig(cfg); err != nil {
		a.log.Warn("invalid pomodoro config; keeping previous", logx.Err(err))
	} else {
		a.poms.Apply(pomCfg)
	}

	a.routines.Apply(routine.Config{MinIntervalMinutes: cfg.Routines.MinIntervalMinutes})
	a.habits.Apply(habit.Config{MinIntervalMinutes: cfg.Habits.MinIntervalMinutes})
	a.reminders.Apply(reminder.Config{MinIntervalMinutes: cfg.Reminders.MinIntervalMinutes})

	a.prof.Reconfigure(ctx, mapPprofConfig(cfg))

	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		if loc, err := locationOf(cfg); err == nil {
			// Cron jobs move to the new timezone now; the state store keeps
			// its day boundaries until restart.
			a.sched.SetLocation(loc)
			a.log.Info("timezone applied to scheduled jobs; day accounting follows on restart",
				logx.String("timezone", strings.TrimSpace(cfg.Timezone)))
		}
	}
}

func (a *App) logHealth() {
	counts := a.st.Snapshot()
	stats := a.eng.Stats()
	depth, capacity := a.deliv.QueueDepth()
	a.log.Info("health",
		logx.Int("active_items", counts.ActiveItems),
		logx.Int("routines", counts.Routines),
		logx.Int("subscriptions", counts.Subscriptions),
		logx.Int("habits", counts.Habits),
		logx.Int("pomodoros", counts.Pomodoros),
		logx.Int64("delivered", int64(stats.Delivered)),
		logx.Int64("failed", int64(stats.Failed)),
		logx.Time("last_scan", stats.LastScan),
		logx.Int("queue_depth", depth),
		logx.Int("queue_cap", capacity),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and observe when it finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Cron triggers stop first so nothing new queues while the engines
	// unwind; delivery drains before the adapter goes away; the state file
	// flushes before the audit store closes.
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	step("pomodoro", 2*time.Second, func(c context.Context) error { a.poms.Stop(c); return nil })
	step("delivery", 3*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("state", time.Second, func(c context.Context) error { return a.st.Close() })
	step("storage", time.Second, func(c context.Context) error {
		if a.audit != nil {
			return a.audit.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (bridge, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// --- config mapping ---

func locationOf(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func statePath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.State.Path); p != "" {
		return p
	}
	return "data/pomodoro_state.json"
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	tick, err := config.ParseDurationField("engine.tick", cfg.Engine.Tick)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationField("engine.deliver_timeout", cfg.Engine.DeliverTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Tick:           tick,
		DeliverTimeout: timeout,
		FailLogEvery:   cfg.Engine.FailLogEvery,
		GiveUpAfter:    cfg.Engine.GiveUpAfter,
	}, nil
}

// mapDeliveryConfig treats a missing section as enabled with defaults; the
// announce dedup stays on unless the window is set to 0 explicitly.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := delivery.Config{Enabled: true, DedupWindow: time.Minute}
	sc := cfg.Delivery
	if sc == nil {
		return d, nil
	}
	d.Enabled = sc.Enabled
	d.Workers = sc.Workers
	d.QueueSize = sc.QueueSize
	d.RatePerSec = sc.RatePerSec
	d.RetryMax = sc.RetryMax
	d.DedupMaxEntries = sc.DedupMaxEntries
	d.PersistDedup = sc.PersistDedup

	var err error
	if d.RetryBase, err = config.ParseDurationField("delivery.retry_base", sc.RetryBase); err != nil {
		return delivery.Config{}, err
	}
	if d.RetryMaxDelay, err = config.ParseDurationField("delivery.retry_max_delay", sc.RetryMaxDelay); err != nil {
		return delivery.Config{}, err
	}
	// An explicit "0s" turns dedup off; only an omitted field gets the default.
	if strings.TrimSpace(sc.DedupWindow) == "" {
		d.DedupWindow = time.Minute
	} else if d.DedupWindow, err = config.ParseDurationField("delivery.dedup_window", sc.DedupWindow); err != nil {
		return delivery.Config{}, err
	}
	return d, nil
}

func mapPomodoroConfig(cfg *config.Config) (pomodoro.Config, error) {
	var (
		pc  pomodoro.Config
		err error
	)
	if pc.Focus, err = config.ParseDurationField("pomodoro.focus", cfg.Pomodoro.Focus); err != nil {
		return pomodoro.Config{}, err
	}
	if pc.ShortBreak, err = config.ParseDurationField("pomodoro.short_break", cfg.Pomodoro.ShortBreak); err != nil {
		return pomodoro.Config{}, err
	}
	if pc.LongBreak, err = config.ParseDurationField("pomodoro.long_break", cfg.Pomodoro.LongBreak); err != nil {
		return pomodoro.Config{}, err
	}
	if pc.Tick, err = config.ParseDurationField("pomodoro.tick", cfg.Pomodoro.Tick); err != nil {
		return pomodoro.Config{}, err
	}
	pc.CyclesToLong = cfg.Pomodoro.CyclesToLongBreak
	return pc, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}
	}
	p := cfg.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
	}
}
