package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrInvalid  = errors.New("invalid reminder job")
)

// Config configures the registry.
type Config struct {
	Driver      string
	Path        string        // sqlite file or file-driver directory
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "remindbot"
}

// State is the lifecycle state of a reminder job.
type State string

const (
	StateScheduled  State = "scheduled"
	StateFired      State = "fired"
	StateSuppressed State = "suppressed"
)

// ParseState maps a stored string to a State.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateScheduled:
		return StateScheduled, nil
	case StateFired:
		return StateFired, nil
	case StateSuppressed:
		return StateSuppressed, nil
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalid, s)
	}
}

// Job is the persisted reminder for one task.
type Job struct {
	TaskID    int64     `json:"task_id"`
	FireAt    time.Time `json:"fire_at"`
	State     State     `json:"state"`
	Epoch     uint64    `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
	FiredAt   time.Time `json:"fired_at"`
	LastError string    `json:"last_error,omitempty"`
}

func (j Job) Validate() error {
	if j.TaskID <= 0 {
		return fmt.Errorf("%w: task id must be positive", ErrInvalid)
	}
	if j.FireAt.IsZero() {
		return fmt.Errorf("%w: fire_at is required", ErrInvalid)
	}
	if _, err := ParseState(string(j.State)); err != nil {
		return err
	}
	return nil
}

// Normalize truncates t to the precision every driver can round-trip.
// Callers compare stored fire times with Equal, so they must normalize first.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// AuditEntry records one reminder lifecycle transition.
type AuditEntry struct {
	At     time.Time `json:"at"`
	TaskID int64     `json:"task_id"`
	Action string    `json:"action"`
	Epoch  uint64    `json:"epoch"`
	FireAt time.Time `json:"fire_at"`
	Error  string    `json:"error,omitempty"`
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
