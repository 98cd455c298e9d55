package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrInvalidTask = errors.New("invalid task")
	ErrForbidden   = errors.New("task belongs to another user")
	ErrClosed      = errors.New("task store closed")
	ErrFeedClosed  = errors.New("change feed closed")
)

const maxNameRunes = 255

type Task struct {
	ID         int64     `json:"id"`
	Name       string    `json:"task_name"`
	Deadline   time.Time `json:"deadline"`
	Owner      int64     `json:"user"`
	Finished   bool      `json:"finished"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// OwnedBy reports whether user may read or mutate t.
func (t Task) OwnedBy(user int64) bool { return user != 0 && t.Owner == user }

type NewTask struct {
	Name     string
	Deadline time.Time
	Owner    int64
}

// Patch lists the fields to change; nil fields are kept.
type Patch struct {
	Name     *string
	Deadline *time.Time
	Finished *bool
}

// Filter narrows List. Zero values disable a condition.
type Filter struct {
	Owner    int64
	OnlyOpen bool
	DueAfter time.Time
}

type Field string

const (
	FieldCreated  Field = "created"
	FieldName     Field = "name"
	FieldDeadline Field = "deadline"
	FieldFinished Field = "finished"
	FieldDeleted  Field = "deleted"
)

// ChangeEvent describes one mutation. Seq is store-wide and strictly increasing.
//
// For multi-field updates every event carries the same Before and After
// snapshots; Field says which part changed.
type ChangeEvent struct {
	Seq    uint64    `json:"seq"`
	TaskID int64     `json:"task_id"`
	Field  Field     `json:"field"`
	Before Task      `json:"before"`
	After  Task      `json:"after"`
	At     time.Time `json:"at"`
}

type Store interface {
	Create(ctx context.Context, in NewTask) (Task, error)
	Get(ctx context.Context, id int64) (Task, error)
	List(ctx context.Context, f Filter) ([]Task, error)
	Update(ctx context.Context, id int64, p Patch) (Task, error)
	SetFinished(ctx context.Context, id int64, finished bool) (Task, error)
	Toggle(ctx context.Context, id int64) (Task, error)
	Delete(ctx context.Context, id int64) error
	// Subscribe returns a feed that receives every change made after the call.
	Subscribe() *Feed
	Close() error
}

func normalizeDeadline(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidTask, maxNameRunes)
	}
	return name, nil
}

func validateNew(in NewTask) (NewTask, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return NewTask{}, err
	}
	if in.Deadline.IsZero() {
		return NewTask{}, fmt.Errorf("%w: deadline is required", ErrInvalidTask)
	}
	if in.Owner == 0 {
		return NewTask{}, fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	return NewTask{Name: name, Deadline: normalizeDeadline(in.Deadline), Owner: in.Owner}, nil
}

// apply returns the patched task and the changed fields in event order.
func apply(cur Task, p Patch) (Task, []Field, error) {
	next := cur
	var fields []Field
	if p.Name != nil {
		name, err := validateName(*p.Name)
		if err != nil {
			return Task{}, nil, err
		}
		if name != cur.Name {
			next.Name = name
			fields = append(fields, FieldName)
		}
	}
	if p.Deadline != nil {
		if p.Deadline.IsZero() {
			return Task{}, nil, fmt.Errorf("%w: deadline is required", ErrInvalidTask)
		}
		d := normalizeDeadline(*p.Deadline)
		if !d.Equal(cur.Deadline) {
			next.Deadline = d
			fields = append(fields, FieldDeadline)
		}
	}
	if p.Finished != nil && *p.Finished != cur.Finished {
		next.Finished = *p.Finished
		fields = append(fields, FieldFinished)
	}
	return next, fields, nil
}

func matches(t Task, f Filter) bool {
	if f.Owner != 0 && t.Owner != f.Owner {
		return false
	}
	if f.OnlyOpen && t.Finished {
		return false
	}
	if !f.DueAfter.IsZero() && !t.Deadline.After(f.DueAfter) {
		return false
	}
	return true
}
