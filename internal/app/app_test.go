package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/tasks"
	kit "remindbot/internal/transport"
)

type fakeTransport struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []kit.MessageRef
	text []string
}

func (f *fakeTransport) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Stop(context.Context) error { return nil }

func (f *fakeTransport) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent) + 1}
	f.sent = append(f.sent, ref)
	f.text = append(f.text, text)
	return ref, nil
}

func (f *fakeTransport) SendPlain(context.Context, int64, string) error { return nil }

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.text...)
}

func (f *fakeTransport) push(up kit.Update) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- up
}

const testConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "tasks": {"driver": "memory"},
  "scheduler": {"enabled": true, "lead": "1h", "sweep": "off", "timezone": "UTC"},
  "notifier": {"enabled": true, "rate_per_sec": 100, "retry_max": 1, "retry_base": "1ms", "retry_max_delay": "2ms", "dedup_window": "1m"}
}`

func startApp(t *testing.T) (*App, *fakeTransport) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(testConfig), 0o600))

	cfgm := config.NewManager(p)
	cfgm.SetEnvLookup(func(string) (string, bool) { return "", false })
	cfg, err := cfgm.Load()
	require.NoError(t, err)

	tr := &fakeTransport{}
	a, err := New(cfgm, cfg, WithTransport(tr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})
	require.True(t, a.Ready())
	return a, tr
}

func TestApp_RemindsOwnerBeforeDeadline(t *testing.T) {
	a, tr := startApp(t)
	ctx := context.Background()

	due, err := a.Store().Create(ctx, tasks.NewTask{Name: "Write report", Deadline: time.Now().Add(time.Hour + 300*time.Millisecond), Owner: 7})
	require.NoError(t, err)
	done, err := a.Store().Create(ctx, tasks.NewTask{Name: "Already done", Deadline: time.Now().Add(time.Hour + 300*time.Millisecond), Owner: 7})
	require.NoError(t, err)
	_, err = a.Store().Toggle(ctx, done.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range tr.messages() {
			if strings.Contains(m, "Write report") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		job, ok, err := a.Scheduler().Job(ctx, due.ID)
		return err == nil && ok && job.State == storage.StateFired
	}, 2*time.Second, 20*time.Millisecond)

	// Give the finished task's old fire time a chance to pass.
	time.Sleep(300 * time.Millisecond)
	for _, m := range tr.messages() {
		require.NotContains(t, m, "Already done")
	}
	job, ok, err := a.Scheduler().Job(ctx, done.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.StateSuppressed, job.State)
}

func TestApp_AddTaskCommandSchedulesReminder(t *testing.T) {
	a, tr := startApp(t)
	ctx := context.Background()

	deadline := time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02 15:04")
	tr.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 99, FromID: 99, Text: "/addtask Pay rent | " + deadline,
	}})

	require.Eventually(t, func() bool {
		for _, m := range tr.messages() {
			if strings.HasPrefix(m, "Task added successfully!") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	list, err := a.Store().List(ctx, tasks.Filter{Owner: 99})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Pay rent", list[0].Name)

	require.Eventually(t, func() bool {
		job, ok, err := a.Scheduler().Job(ctx, list[0].ID)
		return err == nil && ok && job.State == storage.StateScheduled &&
			job.FireAt.Equal(storage.Normalize(list[0].Deadline.Add(-time.Hour)))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMapSchedulerConfig_Sweep(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw, want string
		wantErr   bool
	}{
		{"", scheduler.DefaultSweep, false},
		{"off", "", false},
		{"@every 30s", "@every 30s", false},
		{"5m", "5m", false},
		{"every tuesday", "", true},
	}
	for _, tc := range cases {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{Sweep: tc.raw}}
		got, err := mapSchedulerConfig(cfg)
		if tc.wantErr {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got.Sweep, tc.raw)
		require.Equal(t, scheduler.DefaultLead, got.Lead)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	got, err := mapNotifierConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}})
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, "UTC", got.Timezone)

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, RetryBase: "250ms", Timeout: "3s"}})
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Equal(t, 250*time.Millisecond, got.RetryBase)
	require.Equal(t, 3*time.Second, got.SendTimeout)
}

func TestAuditEntry(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	entry, ok := auditEntry(eventbus.Event{
		Type: eventbus.ReminderSkipped,
		Time: at,
		Data: scheduler.Event{TaskID: 3, Epoch: 2, FireAt: at, Reason: "stale epoch"},
	})
	require.True(t, ok)
	require.Equal(t, storage.AuditEntry{At: at, TaskID: 3, Action: "skipped", Epoch: 2, FireAt: at, Error: "stale epoch"}, entry)

	_, ok = auditEntry(eventbus.Event{Type: eventbus.NotifySent, Time: at})
	require.False(t, ok)
}

func TestStopReasonFor(t *testing.T) {
	t.Parallel()
	require.Equal(t, StopSIGINT, StopReasonFor(os.Interrupt))
	require.Equal(t, StopAppStop, StopReasonFor(nil))
}
