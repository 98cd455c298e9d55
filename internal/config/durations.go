package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationSetting is one duration-valued key. A blank or zero value yields
// Default; Max bounds what a reminder deployment may sensibly ask for.
type DurationSetting struct {
	Path    string
	Default time.Duration
	Max     time.Duration // 0 means unbounded
}

var (
	TelegramPollTimeout    = DurationSetting{Path: "telegram.poll_timeout", Default: 10 * time.Second, Max: time.Minute}
	TelegramCommandTimeout = DurationSetting{Path: "telegram.command_timeout", Default: 15 * time.Second, Max: 5 * time.Minute}
	StorageBusyTimeout     = DurationSetting{Path: "storage.busy_timeout", Default: time.Second, Max: time.Minute}

	// SchedulerLead is how long before a deadline the reminder fires.
	SchedulerLead          = DurationSetting{Path: "scheduler.lead", Default: time.Hour, Max: 30 * 24 * time.Hour}
	SchedulerNotifyTimeout = DurationSetting{Path: "scheduler.notify_timeout", Max: 10 * time.Minute}

	TaskEngineDefaultTimeout = DurationSetting{Path: "task_engine.default_timeout", Max: time.Hour}
	TaskEngineMaxQueueDelay  = DurationSetting{Path: "task_engine.max_queue_delay", Max: time.Hour}

	NotifierRetryBase     = DurationSetting{Path: "notifier.retry_base", Max: time.Minute}
	NotifierRetryMaxDelay = DurationSetting{Path: "notifier.retry_max_delay", Max: 10 * time.Minute}
	NotifierTimeout       = DurationSetting{Path: "notifier.timeout", Max: 5 * time.Minute}
	NotifierDedupWindow   = DurationSetting{Path: "notifier.dedup_window", Max: 24 * time.Hour}

	ReminderRetryBase = DurationSetting{Path: "reminder.retry_base", Max: time.Minute}
	ReminderRetryMax  = DurationSetting{Path: "reminder.retry_max", Max: 10 * time.Minute}
)

// Parse reads raw as a Go duration ("90s", "1h30m").
func (d DurationSetting) Parse(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return d.Default, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", d.Path, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", d.Path)
	}
	if d.Max > 0 && v > d.Max {
		return 0, fmt.Errorf("%s: %s exceeds the maximum of %s", d.Path, v, d.Max)
	}
	if v == 0 {
		return d.Default, nil
	}
	return v, nil
}

type durationValue struct {
	setting DurationSetting
	raw     string
}

// durations lists every duration in c with its setting. The notifier
// section is skipped when omitted.
func (c *Config) durations() []durationValue {
	out := []durationValue{
		{TelegramPollTimeout, c.Telegram.PollTimeout},
		{TelegramCommandTimeout, c.Telegram.CommandTimeout},
		{StorageBusyTimeout, c.Storage.BusyTimeout},
		{SchedulerLead, c.Scheduler.Lead},
		{SchedulerNotifyTimeout, c.Scheduler.NotifyTimeout},
		{TaskEngineDefaultTimeout, c.TaskEngine.DefaultTimeout},
		{TaskEngineMaxQueueDelay, c.TaskEngine.MaxQueueDelay},
		{ReminderRetryBase, c.Reminder.RetryBase},
		{ReminderRetryMax, c.Reminder.RetryMax},
	}
	if n := c.Notifier; n != nil {
		out = append(out,
			durationValue{NotifierRetryBase, n.RetryBase},
			durationValue{NotifierRetryMaxDelay, n.RetryMaxDelay},
			durationValue{NotifierTimeout, n.Timeout},
			durationValue{NotifierDedupWindow, n.DedupWindow},
		)
	}
	return out
}
