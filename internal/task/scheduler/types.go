package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRegistryWrite means the job row could not be read or written. No
	// timer was armed and the caller should retry.
	ErrRegistryWrite = errors.New("reminder registry write failed")
	// ErrNotify wraps a Notifier failure recorded in Job.LastError.
	ErrNotify = errors.New("reminder notification failed")
)

const (
	DefaultLead  = time.Hour
	DefaultSweep = "@every 1m"
)

type Config struct {
	Enabled bool
	// Lead is how long before the deadline a reminder fires.
	Lead time.Duration
	// Sweep re-arms due jobs that lost their timer. Empty disables it.
	Sweep string
	// Timezone is the location of cron sweep specs.
	Timezone      string
	NotifyTimeout time.Duration
	// FireRetries bounds engine retries of registry reads before notifying.
	FireRetries int
}

func (c Config) withDefaults() Config {
	if c.Lead <= 0 {
		c.Lead = DefaultLead
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.FireRetries <= 0 {
		c.FireRetries = 2
	}
	return c
}

// Notifier delivers one reminder. It is called at most once per fire attempt.
type Notifier interface {
	Notify(ctx context.Context, taskID int64) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, taskID int64) error

func (f NotifierFunc) Notify(ctx context.Context, taskID int64) error { return f(ctx, taskID) }

// Clock abstracts wall time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// armed is the in-memory half of a scheduled job.
type armed struct {
	timer   Timer
	epoch   uint64
	fireAt  time.Time
	running bool
}

type ReconcileResult struct {
	Loaded int
	Due    int
	Armed  int
}

type Snapshot struct {
	Enabled    bool
	Running    bool
	Timezone   string
	Lead       time.Duration
	Sweep      string
	Armed      int
	InFlight   int
	NextFireAt time.Time
	NextTaskID int64
	LastSweep  time.Time

	Scheduled  uint64
	Fired      uint64
	Suppressed uint64
	Skipped    uint64
	Failed     uint64
}

// Event is the payload of reminder.* bus events.
type Event struct {
	TaskID int64     `json:"task_id"`
	Epoch  uint64    `json:"epoch"`
	FireAt time.Time `json:"fire_at"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}
