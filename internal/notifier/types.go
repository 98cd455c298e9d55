package notifier

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/tasks"
	"remindbot/internal/transport"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrNoRecipient = errors.New("task has no recipient")
	// ErrDuplicate means the same reminder was already sent inside the dedup window.
	ErrDuplicate = errors.New("reminder already sent within dedup window")
)

const DefaultTimeFormat = "2006-01-02 15:04"

// Config controls reminder delivery.
type Config struct {
	Enabled         bool
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	Timezone        string
	TimeFormat      string
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// TaskSource loads the task a reminder belongs to.
type TaskSource interface {
	Get(ctx context.Context, id int64) (tasks.Task, error)
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type HistoryItem struct {
	At     time.Time
	TaskID int64
	ChatID int64
	Text   string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	TaskID   int64     `json:"task_id"`
	ChatID   int64     `json:"chat_id"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
