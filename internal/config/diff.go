package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cerebroso/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Timezone and state path
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}
	if strings.TrimSpace(oldCfg.State.Path) != strings.TrimSpace(newCfg.State.Path) {
		changed = append(changed, "state")
		attrs = append(attrs, logx.Bool("state.path_set", strings.TrimSpace(newCfg.State.Path) != ""))
	}

	// Engine (dispatch loop)
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.tick", strings.TrimSpace(newCfg.Engine.Tick)),
			logx.String("engine.deliver_timeout", strings.TrimSpace(newCfg.Engine.DeliverTimeout)),
			logx.Int("engine.fail_log_every", newCfg.Engine.FailLogEvery),
		)
	}

	// Delivery (async pipeline). Section may be nil (omitted); treat nil as
	// the runtime defaults for an accurate summary.
	defD := &DeliveryConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		PersistDedup:    false,
	}
	oldD := oldCfg.Delivery
	newD := newCfg.Delivery
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if !reflect.DeepEqual(*oldD, *newD) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.enabled", newD.Enabled),
			logx.Int("delivery.workers", newD.Workers),
			logx.Int("delivery.queue_size", newD.QueueSize),
			logx.Int("delivery.rate_per_sec", newD.RatePerSec),
			logx.Int("delivery.retry_max", newD.RetryMax),
			logx.Bool("delivery.persist_dedup", newD.PersistDedup),
		)
	}

	// Routines / habits / reminders floors
	if oldCfg.Routines != newCfg.Routines {
		changed = append(changed, "routines")
		attrs = append(attrs, logx.Int("routines.min_interval_minutes", newCfg.Routines.MinIntervalMinutes))
	}
	if oldCfg.Habits != newCfg.Habits {
		changed = append(changed, "habits")
		attrs = append(attrs, logx.Int("habits.min_interval_minutes", newCfg.Habits.MinIntervalMinutes))
	}
	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs, logx.Int("reminders.min_interval_minutes", newCfg.Reminders.MinIntervalMinutes))
	}

	// Pomodoro phase defaults
	if oldCfg.Pomodoro != newCfg.Pomodoro {
		changed = append(changed, "pomodoro")
		attrs = append(attrs,
			logx.String("pomodoro.focus", strings.TrimSpace(newCfg.Pomodoro.Focus)),
			logx.String("pomodoro.short_break", strings.TrimSpace(newCfg.Pomodoro.ShortBreak)),
			logx.String("pomodoro.long_break", strings.TrimSpace(newCfg.Pomodoro.LongBreak)),
			logx.Int("pomodoro.cycles_to_long_break", newCfg.Pomodoro.CyclesToLongBreak),
		)
	}

	// Storage (persistence). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Pprof (never log the token itself)
	oP, nP := PprofConfig{}, PprofConfig{}
	if oldCfg.Pprof != nil {
		oP = *oldCfg.Pprof
	}
	if newCfg.Pprof != nil {
		nP = *newCfg.Pprof
	}
	if oP != nP {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
