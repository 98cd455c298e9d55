package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that can be judged without opening anything.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range c.durations() {
		_, err := d.setting.Parse(d.raw)
		check(err)
	}

	if c.Logging.Telegram.Enabled && c.Telegram.AdminChat == 0 {
		check(errors.New("logging.telegram.enabled requires telegram.admin_chat"))
	}
	if c.Logging.Telegram.RatePerSec < 0 {
		check(errors.New("logging.telegram.rate_per_sec must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "file", "memory", "mem":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			check(errors.New("storage.redis.addr is required for the redis driver"))
		}
		if c.Storage.Redis.DB < 0 {
			check(errors.New("storage.redis.db must be >= 0"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Tasks.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		check(fmt.Errorf("tasks.driver: unknown driver %q", c.Tasks.Driver))
	}
	if c.Scheduler.FireRetries < 0 {
		check(errors.New("scheduler.fire_retries must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	te := c.TaskEngine
	if te.Workers < 0 {
		check(errors.New("task_engine.workers must be >= 0"))
	}
	if te.QueueSize < 0 {
		check(errors.New("task_engine.queue_size must be >= 0"))
	}
	if te.HistorySize < 0 {
		check(errors.New("task_engine.history_size must be >= 0"))
	}
	if te.RetryMax < 0 {
		check(errors.New("task_engine.retry_max must be >= 0"))
	}

	if n := c.Notifier; n != nil {
		if n.RatePerSec < 0 {
			check(errors.New("notifier.rate_per_sec must be >= 0"))
		}
		if n.RetryMax < 0 {
			check(errors.New("notifier.retry_max must be >= 0"))
		}
		if n.DedupMaxEntries < 0 {
			check(errors.New("notifier.dedup_max_entries must be >= 0"))
		}
	}

	if c.Reminder.Attempts < 0 {
		check(errors.New("reminder.attempts must be >= 0"))
	}

	if c.HTTP.Enabled {
		addr := strings.TrimSpace(c.HTTP.Addr)
		if addr != "" && !strings.Contains(addr, ":") {
			check(fmt.Errorf("http.addr: %q must be host:port", addr))
		}
	}
	return errors.Join(errs...)
}
