package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Tasks     TasksConfig     `json:"tasks"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs reminder fires.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	// Notifier may be omitted; it then defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Reminder ReminderConfig `json:"reminder"`
	HTTP     HTTPConfig     `json:"http"`
}

type TelegramConfig struct {
	// Token may be empty; the bot then runs without a transport and logs
	// reminders instead of sending them.
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AdminChat receives forwarded log lines when logging.telegram is enabled.
	AdminChat int64 `json:"admin_chat,omitempty"`
	// CommandTimeout bounds one command handler.
	CommandTimeout string `json:"command_timeout,omitempty"`
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

// StorageConfig selects the reminder job registry.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot_jobs.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// TasksConfig selects the task store.
type TasksConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// SchedulerConfig controls reminder timing.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Lead is how long before the deadline a reminder fires. Default "1h".
	Lead string `json:"lead,omitempty"`
	// Sweep is a cron spec for the due-job sweep. "off" disables it.
	Sweep string `json:"sweep,omitempty"`
	// Timezone is used for sweep specs and for deadlines typed in chat.
	Timezone      string `json:"timezone,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
	FireRetries   int    `json:"fire_retries,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls reminder delivery.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	Timeout         string `json:"timeout,omitempty"`
	TimeFormat      string `json:"time_format,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// ReminderConfig bounds retries of scheduler calls made for task changes.
type ReminderConfig struct {
	Attempts  int    `json:"attempts,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
	RetryMax  string `json:"retry_max,omitempty"`
}

// HTTPConfig controls the task API. Bind to localhost unless a token is set.
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`
	Token          string   `json:"token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// Pprof exposes /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}
