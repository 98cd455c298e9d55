package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	line := strings.Repeat("x", 30) + "\n"
	text := strings.Repeat(line, 10)
	chunks := splitTelegramText(text, 100)
	if len(chunks) < 4 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	var total int
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Fatalf("chunk too long: %d", n)
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps trailing newline: %q", c)
		}
		total += strings.Count(c, "x")
	}
	if total != 300 {
		t.Fatalf("lost content: %d", total)
	}
}

func TestSplitTelegramText_Runes(t *testing.T) {
	text := strings.Repeat("é", 250)
	chunks := splitTelegramText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk split inside a rune")
		}
	}
}

func TestSendError_FloodWaitBecomesRetryHint(t *testing.T) {
	err := sendError(fmt.Errorf("telebot: %w", tele.FloodError{RetryAfter: 3}))
	hint, ok := kit.RetryAfterHint(err)
	if !ok || hint != 3*time.Second {
		t.Fatalf("hint = %s ok=%v", hint, ok)
	}

	plain := errors.New("telegram: chat not found (400)")
	if got := sendError(plain); got != plain {
		t.Fatalf("non-flood error rewritten: %v", got)
	}
	if _, ok := kit.RetryAfterHint(plain); ok {
		t.Fatalf("plain error carries a hint")
	}
}
