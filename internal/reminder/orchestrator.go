// Package reminder keeps reminder jobs in step with task changes.
package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/tasks"
	logx "remindbot/pkg/logx"
)

// Scheduler is the part of the scheduler core the orchestrator drives.
type Scheduler interface {
	FireAt(deadline time.Time) time.Time
	Schedule(ctx context.Context, taskID int64, fireAt time.Time) error
	Suppress(ctx context.Context, taskID int64, fireAt time.Time) error
	Resume(ctx context.Context, taskID int64, fireAt time.Time) error
	Remove(ctx context.Context, taskID int64) error
	Job(ctx context.Context, taskID int64) (storage.Job, bool, error)
	Scheduled(ctx context.Context) ([]storage.Job, error)
}

type Config struct {
	// Attempts bounds how often a failed scheduler call is tried per event.
	Attempts  int
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	return c
}

type Snapshot struct {
	Applied   uint64
	Discarded uint64
	Failed    uint64
	Repaired  uint64
	LastSeq   uint64
	Tracked   int
}

// Orchestrator applies task change events to the scheduler in sequence
// order. Events at or below the last applied sequence of a task are dropped.
type Orchestrator struct {
	cfg   Config
	store tasks.Store
	sched Scheduler
	log   logx.Logger

	mu      sync.Mutex
	lastSeq map[int64]uint64
	maxSeq  uint64

	applied   atomic.Uint64
	discarded atomic.Uint64
	failed    atomic.Uint64
	repaired  atomic.Uint64
}

func New(cfg Config, store tasks.Store, sched Scheduler, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		store:   store,
		sched:   sched,
		log:     log.With(logx.String("comp", "reminder")),
		lastSeq: map[int64]uint64{},
	}
}

// Run applies events from feed until ctx is done or the feed closes.
func (o *Orchestrator) Run(ctx context.Context, feed *tasks.Feed) error {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, tasks.ErrFeedClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = o.Apply(ctx, ev)
	}
}

// Apply handles one change event. The returned error is the last scheduler
// failure after retries; it has already been logged.
func (o *Orchestrator) Apply(ctx context.Context, ev tasks.ChangeEvent) error {
	if !o.advance(ev.TaskID, ev.Seq) {
		o.discarded.Add(1)
		o.log.Debug("stale change event dropped", logx.Int64("task_id", ev.TaskID), logx.Uint64("seq", ev.Seq), logx.String("field", string(ev.Field)))
		return nil
	}

	action := o.actionFor(ev)
	if action == nil {
		o.applied.Add(1)
		return nil
	}
	if err := o.retry(ctx, action); err != nil {
		o.failed.Add(1)
		o.log.Error("reminder update failed",
			logx.Int64("task_id", ev.TaskID),
			logx.Uint64("seq", ev.Seq),
			logx.String("field", string(ev.Field)),
			logx.Err(err),
		)
		return err
	}
	o.applied.Add(1)
	return nil
}

// advance records seq for taskID and reports whether it is new.
func (o *Orchestrator) advance(taskID int64, seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq <= o.lastSeq[taskID] {
		return false
	}
	o.lastSeq[taskID] = seq
	if seq > o.maxSeq {
		o.maxSeq = seq
	}
	return true
}

// actionFor maps an event to a scheduler call; nil means no-op.
func (o *Orchestrator) actionFor(ev tasks.ChangeEvent) func(ctx context.Context) error {
	id := ev.TaskID
	t := ev.After
	switch ev.Field {
	case tasks.FieldCreated:
		if t.Finished {
			return func(ctx context.Context) error { return o.sched.Suppress(ctx, id, o.sched.FireAt(t.Deadline)) }
		}
		return func(ctx context.Context) error { return o.sched.Schedule(ctx, id, o.sched.FireAt(t.Deadline)) }
	case tasks.FieldDeadline:
		if t.Finished {
			return nil
		}
		return func(ctx context.Context) error { return o.sched.Schedule(ctx, id, o.sched.FireAt(t.Deadline)) }
	case tasks.FieldFinished:
		if t.Finished {
			return func(ctx context.Context) error { return o.sched.Suppress(ctx, id, o.sched.FireAt(t.Deadline)) }
		}
		return func(ctx context.Context) error { return o.sched.Resume(ctx, id, o.sched.FireAt(t.Deadline)) }
	case tasks.FieldDeleted:
		return func(ctx context.Context) error { return o.sched.Remove(ctx, id) }
	default:
		return nil
	}
}

func (o *Orchestrator) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := o.cfg.RetryBase
	var err error
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == o.cfg.Attempts {
			break
		}
		o.log.Debug("reminder update retry", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if delay > o.cfg.RetryMax {
			delay = o.cfg.RetryMax
		}
	}
	return err
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Applied:   o.applied.Load(),
		Discarded: o.discarded.Load(),
		Failed:    o.failed.Load(),
		Repaired:  o.repaired.Load(),
		LastSeq:   o.maxSeq,
		Tracked:   len(o.lastSeq),
	}
}
