package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogger_WritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "info").With(String("comp", "scheduler"))
	log.Debug("hidden")
	log.Info("armed", Int64("task_id", 7), Duration("in", time.Second), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["comp"] != "scheduler" || m["message"] != "armed" || m["task_id"] != float64(7) || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestLogger_ZeroValueIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger")
	}
}

type chatSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *chatSink) SendPlain(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
	return nil
}

func (c *chatSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestService_ForwardsWarningsToChat(t *testing.T) {
	sink := &chatSink{}
	svc, log := NewService(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: 100, MinLevel: "warn", RatePerSec: 50},
	}, nil)
	defer svc.Close()
	svc.SetSender(sink)

	log.Info("not forwarded")
	log.Warn("disk almost full")

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("want 1 forwarded line, got %d", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !strings.Contains(sink.lines[0], "disk almost full") {
		t.Fatalf("unexpected line: %q", sink.lines[0])
	}
}
