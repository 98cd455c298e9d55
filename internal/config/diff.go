package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// RestartSections are applied only at startup.
var RestartSections = map[string]bool{
	"storage":  true,
	"tasks":    true,
	"telegram": true,
	"http":     true,
	"reminder": true,
}

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(oT.PollTimeout) != strings.TrimSpace(nT.PollTimeout) ||
		strings.TrimSpace(oT.CommandTimeout) != strings.TrimSpace(nT.CommandTimeout) ||
		oT.AdminChat != nT.AdminChat ||
		oT.Token != nT.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nT.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.admin_chat_set", nT.AdminChat != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.BusyTimeout != nS.BusyTimeout ||
		oS.Redis.Addr != nS.Redis.Addr || oS.Redis.DB != nS.Redis.DB || oS.Redis.Prefix != nS.Redis.Prefix ||
		oS.Redis.Password != nS.Redis.Password {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.redis_password_set", nS.Redis.Password != ""),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.driver", strings.TrimSpace(newCfg.Tasks.Driver)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.lead", strings.TrimSpace(newCfg.Scheduler.Lead)),
			logx.String("scheduler.sweep", strings.TrimSpace(newCfg.Scheduler.Sweep)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		te := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	// A nil notifier section means runtime defaults.
	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
			logx.String("notifier.dedup_window", strings.TrimSpace(nN.DedupWindow)),
		)
	}

	if oldCfg.Reminder != newCfg.Reminder {
		changed = append(changed, "reminder")
		attrs = append(attrs, logx.Int("reminder.attempts", newCfg.Reminder.Attempts))
	}

	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH.Enabled != nH.Enabled || oH.Addr != nH.Addr || oH.Token != nH.Token || oH.Pprof != nH.Pprof ||
		!reflect.DeepEqual(oH.AllowedOrigins, nH.AllowedOrigins) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", nH.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports the changed sections that are not applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if RestartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}
