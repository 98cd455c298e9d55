package app

import (
	"strings"
	"time"

	"remindbot/internal/api"
	"remindbot/internal/config"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/tasks"
	logx "remindbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.AdminChat,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "mem" {
		driver = "memory"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./remindbot_jobs.db"
		}
	case "file":
		if path == "" {
			path = "./remindbot_jobs"
		}
	}
	busy, err := config.StorageBusyTimeout.Parse(sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		},
	}, nil
}

func mapTasksConfig(cfg *config.Config) tasks.Config {
	tc := tasks.Config{Driver: strings.TrimSpace(cfg.Tasks.Driver), Path: strings.TrimSpace(cfg.Tasks.Path)}
	if tc.Path == "" && !strings.EqualFold(tc.Driver, "memory") {
		tc.Path = "./remindbot_tasks.db"
	}
	return tc
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.TaskEngineDefaultTimeout.Parse(te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.TaskEngineMaxQueueDelay.Parse(te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// The engine runs whenever the process does; the scheduler decides
	// whether anything is submitted to it.
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	lead, err := config.SchedulerLead.Parse(sc.Lead)
	if err != nil {
		return scheduler.Config{}, err
	}
	notifyTimeout, err := config.SchedulerNotifyTimeout.Parse(sc.NotifyTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweep := strings.TrimSpace(sc.Sweep)
	switch strings.ToLower(sweep) {
	case "":
		sweep = scheduler.DefaultSweep
	case "off", "none", "disabled":
		sweep = ""
	}
	if sweep != "" {
		if _, err := scheduler.ParseSweep(sweep); err != nil {
			return scheduler.Config{}, err
		}
	}
	return scheduler.Config{
		Enabled:       sc.Enabled,
		Lead:          lead,
		Sweep:         sweep,
		Timezone:      strings.TrimSpace(sc.Timezone),
		NotifyTimeout: notifyTimeout,
		FireRetries:   sc.FireRetries,
	}, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// Reminders render in the same zone deadlines are typed in.
	out := notifier.Config{Enabled: true, Timezone: loadLocation(cfg.Scheduler.Timezone).String()}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	var err error
	out.Enabled = n.Enabled
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.DedupMaxEntries = n.DedupMaxEntries
	out.TimeFormat = strings.TrimSpace(n.TimeFormat)
	if out.RetryBase, err = config.NotifierRetryBase.Parse(n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.NotifierRetryMaxDelay.Parse(n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.NotifierTimeout.Parse(n.Timeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.NotifierDedupWindow.Parse(n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	base, err := config.ReminderRetryBase.Parse(rc.RetryBase)
	if err != nil {
		return reminder.Config{}, err
	}
	max, err := config.ReminderRetryMax.Parse(rc.RetryMax)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{Attempts: rc.Attempts, RetryBase: base, RetryMax: max}, nil
}

func mapHTTPConfig(cfg *config.Config) api.Config {
	return api.Config{
		Enabled:        cfg.HTTP.Enabled,
		Addr:           strings.TrimSpace(cfg.HTTP.Addr),
		Token:          cfg.HTTP.Token,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Pprof:          cfg.HTTP.Pprof,
	}
}

// validate runs every mapping so a reload is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapReminderConfig(cfg)
	return err
}

func loadLocation(name string) *time.Location {
	if strings.TrimSpace(name) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate checks cfg the same way a reload is checked.
func Validate(cfg *config.Config) error { return validate(cfg) }

// RegistryConfig maps the storage section for tools that open the registry
// without starting the app.
func RegistryConfig(cfg *config.Config) (storage.Config, error) { return mapStorageConfig(cfg) }
