package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "5m"). Resolve turns it into typed
// runtime settings with defaults applied.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Bot       BotConfig       `json:"bot"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	// Token is usually supplied through TELEGRAM_TOKEN instead.
	Token          string `json:"token,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
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

// LoggingTelegram mirrors log lines at or above MinLevel into an ops chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the contact store.
//
//	"storage": { "driver": "sqlite", "path": "./stayintouch.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type BroadcastConfig struct {
	SendInterval     string `json:"send_interval,omitempty"`
	ConfirmTimeout   string `json:"confirm_timeout,omitempty"`
	RecentCallWindow string `json:"recent_call_window,omitempty"`
	// SymmetricStats also bumps the confirmer's own row for the owner.
	// Omitted means true.
	SymmetricStats *bool  `json:"symmetric_stats,omitempty"`
	DefaultMinutes int    `json:"default_minutes,omitempty"`
	Durations      []int  `json:"durations,omitempty"`
	SweepSchedule  string `json:"sweep_schedule,omitempty"`
}

type BotConfig struct {
	PendingInputTTL   string `json:"pending_input_ttl,omitempty"`
	WelcomePacing     string `json:"welcome_pacing,omitempty"`
	NeedUsernameEvery string `json:"need_username_every,omitempty"`
}

type NotifierConfig struct {
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

type SchedulerConfig struct {
	// Enabled defaults to true.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the ops HTTP server (/healthz, /metrics, pprof).
//
// Bind to localhost, or set a token, or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
