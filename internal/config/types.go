package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Timezone is the IANA location used for clock expressions, quiet window
	// checks and the midnight rollover (e.g. "America/Sao_Paulo").
	// Empty means the host local timezone.
	Timezone string `json:"timezone,omitempty"`

	State  StateConfig  `json:"state"`
	Engine EngineConfig `json:"engine"`

	// Delivery controls the async announcement pipeline. If the whole section
	// is omitted it defaults to enabled.
	Delivery *DeliveryConfig `json:"delivery,omitempty"`

	Routines  RoutinesConfig  `json:"routines"`
	Habits    HabitsConfig    `json:"habits"`
	Reminders RemindersConfig `json:"reminders"`
	Pomodoro  PomodoroConfig  `json:"pomodoro"`

	// Storage is the optional audit/dedup persistence layer. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Pprof exposes the runtime profiling endpoints. Nil means disabled.
	Pprof *PprofConfig `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// GroupLog is the chat that receives the log sink (numeric id).
	GroupLog string `json:"group_log"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StateConfig locates the persisted scheduling state.
type StateConfig struct {
	// Path defaults to "data/pomodoro_state.json".
	Path string `json:"path,omitempty"`
}

// EngineConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s" (minimum "1s")
//   - deliver_timeout: "10s"
//   - fail_log_every: 5
//   - give_up_after: 10
type EngineConfig struct {
	Tick           string `json:"tick,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	// FailLogEvery throttles repeated delivery-failure warns for the same item
	// to every Nth consecutive failure.
	FailLogEvery int `json:"fail_log_every,omitempty"`
	// GiveUpAfter bounds consecutive delivery failures for one item: a
	// one-shot is retired, a recurring item jumps to its next interval.
	// Negative disables the bound.
	GiveUpAfter int `json:"give_up_after,omitempty"`
}

// DeliveryConfig controls the async announcement pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DeliveryConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type RoutinesConfig struct {
	// MinIntervalMinutes is the floor applied to member reminder intervals.
	// Defaults to 5.
	MinIntervalMinutes int `json:"min_interval_minutes,omitempty"`
}

type HabitsConfig struct {
	// MinIntervalMinutes is the floor applied to habit nudge intervals.
	// Defaults to 5.
	MinIntervalMinutes int `json:"min_interval_minutes,omitempty"`
}

type RemindersConfig struct {
	// MinIntervalMinutes is the floor applied to repeating reminders.
	// Defaults to 5.
	MinIntervalMinutes int `json:"min_interval_minutes,omitempty"`
}

// PomodoroConfig carries the phase defaults used when a session starts
// without explicit overrides.
//
// Defaults: focus "25m", short_break "5m", long_break "15m",
// cycles_to_long_break 4, tick "5s".
type PomodoroConfig struct {
	Focus             string `json:"focus,omitempty"`
	ShortBreak        string `json:"short_break,omitempty"`
	LongBreak         string `json:"long_break,omitempty"`
	CyclesToLongBreak int    `json:"cycles_to_long_break,omitempty"`
	Tick              string `json:"tick,omitempty"`
}

// StorageConfig controls the optional persistence layer for audit records
// and announcement dedup.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cerebroso_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the profiling HTTP server. Addr defaults to
// "127.0.0.1:6060"; binding beyond loopback requires a token or
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
