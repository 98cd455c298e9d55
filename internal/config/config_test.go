package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParse_YAML(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  token: abc
  poll_timeout: 10s
logging:
  level: debug
  console: true
storage:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
    db: 2
tasks:
  driver: memory
scheduler:
  enabled: true
  lead: 30m
  timezone: Asia/Jakarta
http:
  enabled: true
  addr: 127.0.0.1:9090
  allowed_origins: [https://example.com]
`)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "abc" || cfg.Storage.Redis.DB != 2 || cfg.Scheduler.Lead != "30m" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !slices.Equal(cfg.HTTP.AllowedOrigins, []string{"https://example.com"}) {
		t.Fatalf("origins=%v", cfg.HTTP.AllowedOrigins)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{}} {"telegram":{}}`)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParse_EnvOverridesSecrets(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"file"},"http":{"token":"file"}}`)
	env := map[string]string{
		EnvTelegramToken: "env-token",
		EnvRedisPassword: "hunter2",
		EnvHTTPToken:     "  ",
	}
	m := NewManager(p)
	m.SetEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
	if cfg.Storage.Redis.Password != "hunter2" {
		t.Fatalf("redis password=%q", cfg.Storage.Redis.Password)
	}
	if cfg.HTTP.Token != "file" {
		t.Fatalf("blank env must not override: %q", cfg.HTTP.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad duration", func(c *Config) { c.Scheduler.Lead = "soon" }, "scheduler.lead"},
		{"negative duration", func(c *Config) { c.Telegram.PollTimeout = "-1s" }, "telegram.poll_timeout"},
		{"lead beyond a month", func(c *Config) { c.Scheduler.Lead = "800h" }, "scheduler.lead"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"unknown registry", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis.addr"},
		{"unknown task store", func(c *Config) { c.Tasks.Driver = "file" }, "tasks.driver"},
		{"negative workers", func(c *Config) { c.TaskEngine.Workers = -1 }, "task_engine.workers"},
		{"notifier duration", func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "x"} }, "notifier.dedup_window"},
		{"admin chat", func(c *Config) { c.Logging.Telegram.Enabled = true }, "telegram.admin_chat"},
		{"http addr", func(c *Config) { c.HTTP.Enabled = true; c.HTTP.Addr = "localhost" }, "http.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Scheduler: SchedulerConfig{Enabled: true, Lead: "1h", Timezone: "UTC"}}
			tc.mut(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		format Format
		body   string
		want   string
	}{
		{"json", FormatJSON, `{"scheduler":{"lead":"2h"}}`, ""},
		{"yaml", FormatYAML, "scheduler:\n  lead: 2h\n", ""},
		{"empty", FormatJSON, "  \n", "empty"},
		{"yaml second document", FormatYAML, "scheduler: {}\n---\ntasks: {}\n", "single document"},
		{"yaml list", FormatYAML, "- lead: 2h\n", "mapping"},
		{"yaml unknown key", FormatYAML, "plugins: {}\n", "unknown field"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.format, []byte(tc.body))
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if cfg.Scheduler.Lead != "2h" {
					t.Fatalf("lead=%q", cfg.Scheduler.Lead)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}

	if FormatOf("/etc/remindbot/config.YML") != FormatYAML || FormatOf("config") != FormatJSON {
		t.Fatalf("format detection")
	}
}

func TestDurationSetting_Parse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Hour, false},
		{"0s", time.Hour, false},
		{" 30m ", 30 * time.Minute, false},
		{"720h", 720 * time.Hour, false},
		{"721h", 0, true},
		{"-5m", 0, true},
		{"an hour", 0, true},
	}
	for _, tc := range cases {
		got, err := SchedulerLead.Parse(tc.raw)
		if tc.wantErr {
			if err == nil || !strings.Contains(err.Error(), "scheduler.lead") {
				t.Fatalf("%q: err=%v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %s err=%v", tc.raw, got, err)
		}
	}

	// Settings without a default keep zero as "disabled".
	if d, err := TaskEngineMaxQueueDelay.Parse("0s"); err != nil || d != 0 {
		t.Fatalf("max_queue_delay: %s %v", d, err)
	}
}

func TestManager_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"1h"}}`)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	rejectTwoHours := func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Lead == "2h" {
			return errors.New("not today")
		}
		return nil
	}
	m.SetValidator(rejectTwoHours)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if got := m.reload(ctx); got != reloadUnchanged {
		t.Fatalf("same file: %s", got)
	}
	writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"soon"}}`)
	if got := m.reload(ctx); got != reloadInvalid {
		t.Fatalf("bad lead: %s", got)
	}
	writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"2h"}}`)
	if got := m.reload(ctx); got != reloadRejected {
		t.Fatalf("validator: %s", got)
	}
	if m.Get().Scheduler.Lead != "1h" {
		t.Fatalf("rejected config committed")
	}
	writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"3h"}}`)
	if got := m.reload(ctx); got != reloadPublished {
		t.Fatalf("valid change: %s", got)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.Lead != "3h" {
			t.Fatalf("published lead=%q", cfg.Scheduler.Lead)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestOfferLatest_KeepsNewest(t *testing.T) {
	t.Parallel()

	ch := make(chan *Config, 1)
	a, b := &Config{}, &Config{}
	if !offerLatest(ch, a) || !offerLatest(ch, b) {
		t.Fatalf("offer failed")
	}
	if got := <-ch; got != b {
		t.Fatalf("oldest config kept")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Scheduler: SchedulerConfig{Enabled: true, Lead: "1h"}}
	b := *a
	b.Scheduler.Lead = "2h"
	b.Storage.Redis.Password = "secret"
	b.Notifier = &NotifierConfig{Enabled: true}

	sections, attrs := SummarizeConfigChange(a, &b)
	if !slices.Equal(sections, []string{"scheduler", "storage"}) {
		t.Fatalf("sections=%v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := NeedsRestart(sections); !slices.Equal(got, []string{"storage"}) {
		t.Fatalf("restart=%v", got)
	}
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"1h"}}`)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"soon"}}`)
	time.Sleep(500 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"scheduler":{"enabled":true,"lead":"2h"}}`)

	select {
	case cfg := <-sub:
		if cfg.Scheduler.Lead != "2h" {
			t.Fatalf("lead=%q", cfg.Scheduler.Lead)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if got := m.Get().Scheduler.Lead; got != "2h" {
		t.Fatalf("committed lead=%q", got)
	}
	cancel()
	<-done
}
