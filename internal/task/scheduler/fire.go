package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const (
	fireTaskName  = "reminder.fire"
	sweepTaskName = "reminder.sweep"
)

func concurrencyKey(taskID int64) string { return fmt.Sprintf("reminder:%d", taskID) }

// dispatch hands an elapsed timer to the engine. The armed entry is dropped
// when the engine refuses or discards the task so the sweep can pick the job
// up again.
func (s *Service) dispatch(taskID int64, epoch uint64, fireAt time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var attempts atomic.Int32
	run := func(ctx context.Context) error {
		last := int(attempts.Add(1)) > cfg.FireRetries
		return s.fire(ctx, taskID, epoch, fireAt, last)
	}

	if s.engine == nil {
		go func() { _ = run(s.runCtx()) }()
		return
	}
	err := s.engine.Submit(s.runCtx(), engine.Task{
		Name:           fireTaskName,
		Timeout:        cfg.NotifyTimeout,
		ConcurrencyKey: concurrencyKey(taskID),
		Opt:            engine.TaskOptions{ConcurrencyLimit: 1, RetryMax: cfg.FireRetries},
		Run:            run,
		OnDrop: func(reason string) {
			s.release(taskID, epoch)
			s.log.Warn("reminder dropped by engine; left for sweep", logx.Int64("task_id", taskID), logx.Uint64("epoch", epoch), logx.String("reason", reason))
		},
	})
	if err != nil {
		s.release(taskID, epoch)
		s.reportEnqueueError(fireTaskName, err)
	}
}

// fire runs one attempt for a job armed at epoch. Only registry reads before
// notifying are retryable; everything after Notify is final.
func (s *Service) fire(ctx context.Context, taskID int64, epoch uint64, fireAt time.Time, last bool) error {
	unlock := s.locks.Lock(taskID)
	if !s.claim(taskID, epoch) {
		unlock()
		s.skip(taskID, epoch, fireAt, "superseded")
		return nil
	}
	job, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		if last {
			s.release(taskID, epoch)
		}
		unlock()
		err = fmt.Errorf("%w: read job %d: %w", ErrRegistryWrite, taskID, err)
		if last {
			return engine.NoRetry(err)
		}
		return err
	}
	if !ok || job.State != storage.StateScheduled || job.Epoch != epoch || !job.FireAt.Equal(fireAt) {
		s.release(taskID, epoch)
		unlock()
		s.skip(taskID, epoch, fireAt, "stale")
		return nil
	}
	unlock()

	nerr := s.notify(ctx, taskID)

	unlock = s.locks.Lock(taskID)
	defer unlock()
	defer s.release(taskID, epoch)

	cur, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("%w: read job %d after notify: %w", ErrRegistryWrite, taskID, err))
	}
	if !ok || cur.Epoch != epoch {
		s.skip(taskID, epoch, fireAt, "superseded during notify")
		return nil
	}

	now := storage.Normalize(s.clock.Now())
	cur.State = storage.StateFired
	cur.FiredAt = now
	cur.UpdatedAt = now
	cur.LastError = ""
	if nerr != nil {
		cur.LastError = nerr.Error()
	}
	if err := s.reg.Put(ctx, cur); err != nil {
		return engine.NoRetry(fmt.Errorf("%w: mark job %d fired: %w", ErrRegistryWrite, taskID, err))
	}

	s.fired.Add(1)
	ev := Event{TaskID: taskID, Epoch: epoch, FireAt: fireAt}
	if nerr != nil {
		s.failed.Add(1)
		ev.Error = nerr.Error()
		s.log.Warn("reminder fired with notify error", logx.Int64("task_id", taskID), logx.Err(nerr))
		s.publish(eventbus.ReminderFired, ev)
		return engine.NoRetry(fmt.Errorf("%w: task %d: %w", ErrNotify, taskID, nerr))
	}
	s.log.Info("reminder fired", logx.Int64("task_id", taskID), logx.Time("fire_at", fireAt))
	s.publish(eventbus.ReminderFired, ev)
	return nil
}

// notify calls the Notifier and turns a panic into an error.
func (s *Service) notify(ctx context.Context, taskID int64) (err error) {
	if s.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return s.notifier.Notify(ctx, taskID)
}

// claim marks the armed entry for epoch as running. A retry of the same
// epoch may claim it again.
func (s *Service) claim(taskID int64, epoch uint64) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a := s.timers[taskID]
	if a == nil || a.epoch != epoch {
		return false
	}
	a.running = true
	return true
}

// release forgets the armed entry if it still belongs to epoch.
func (s *Service) release(taskID int64, epoch uint64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if a := s.timers[taskID]; a != nil && a.epoch == epoch {
		delete(s.timers, taskID)
	}
}

func (s *Service) skip(taskID int64, epoch uint64, fireAt time.Time, reason string) {
	s.skipped.Add(1)
	s.log.Debug("reminder skipped", logx.Int64("task_id", taskID), logx.Uint64("epoch", epoch), logx.String("reason", reason))
	s.publish(eventbus.ReminderSkipped, Event{TaskID: taskID, Epoch: epoch, FireAt: fireAt, Reason: reason})
}

func (s *Service) triggerSweep() {
	if s.engine == nil {
		_, _ = s.Sweep(s.runCtx())
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name: sweepTaskName,
		Opt:  engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	})
	s.reportEnqueueError(sweepTaskName, err)
}

// Sweep arms every due scheduled job that has no timer. It returns the
// number of jobs re-armed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	s.lastSweep.Store(now.UnixNano())

	jobs, err := s.reg.ListScheduled(ctx)
	if err != nil {
		s.log.Warn("sweep failed", logx.Err(err))
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if job.FireAt.After(now) {
			break
		}
		if s.rearmIfLost(ctx, job.TaskID, now) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("sweep re-armed lost reminders", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) rearmIfLost(ctx context.Context, taskID int64, now time.Time) bool {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	s.tmu.Lock()
	_, armedNow := s.timers[taskID]
	s.tmu.Unlock()
	if armedNow {
		return false
	}
	job, ok, err := s.reg.Get(ctx, taskID)
	if err != nil || !ok || job.State != storage.StateScheduled {
		return false
	}
	s.tmu.Lock()
	if job.Epoch > s.epochs[taskID] {
		s.epochs[taskID] = job.Epoch
	}
	s.tmu.Unlock()
	s.arm(job, now)
	return true
}
