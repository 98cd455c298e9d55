package scheduler

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Schedule durably records a scheduled job for taskID at fireAt and
// replaces any armed timer. Past fire times are clamped to now.
func (s *Service) Schedule(ctx context.Context, taskID int64, fireAt time.Time) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.scheduleLocked(ctx, taskID, fireAt)
}

func (s *Service) scheduleLocked(ctx context.Context, taskID int64, fireAt time.Time) error {
	now := storage.Normalize(s.clock.Now())
	fireAt = storage.Normalize(fireAt)
	if fireAt.Before(now) {
		s.log.Debug("fire time in the past", logx.Int64("task_id", taskID), logx.Time("fire_at", fireAt), logx.Bool("clamped", true))
		fireAt = now
	}

	cur, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: read job %d: %w", ErrRegistryWrite, taskID, err)
	}
	var prev uint64
	if ok {
		prev = cur.Epoch
	}
	epoch := s.nextEpoch(taskID, prev)

	job := storage.Job{TaskID: taskID, FireAt: fireAt, State: storage.StateScheduled, Epoch: epoch, UpdatedAt: now}
	if err := s.reg.Put(ctx, job); err != nil {
		return fmt.Errorf("%w: put job %d: %w", ErrRegistryWrite, taskID, err)
	}

	s.arm(job, now)
	s.scheduled.Add(1)
	s.log.Debug("reminder scheduled", logx.Int64("task_id", taskID), logx.Time("fire_at", fireAt), logx.Uint64("epoch", epoch))
	s.publish(eventbus.ReminderScheduled, Event{TaskID: taskID, Epoch: epoch, FireAt: fireAt})
	return nil
}

// Cancel disarms the timer for taskID. The registry row is left as is.
func (s *Service) Cancel(ctx context.Context, taskID int64) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	s.disarm(taskID)
	return nil
}

// Suppress cancels the timer and marks the job suppressed. A fired job
// stays fired. Without a job a suppressed row is written at fireAt.
func (s *Service) Suppress(ctx context.Context, taskID int64, fireAt time.Time) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	s.disarm(taskID)
	cur, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: read job %d: %w", ErrRegistryWrite, taskID, err)
	}
	if ok && (cur.State == storage.StateFired || cur.State == storage.StateSuppressed) {
		return nil
	}

	now := storage.Normalize(s.clock.Now())
	job := storage.Job{TaskID: taskID, FireAt: storage.Normalize(fireAt), State: storage.StateSuppressed, UpdatedAt: now}
	var prev uint64
	if ok {
		job.FireAt = cur.FireAt
		prev = cur.Epoch
	}
	if job.FireAt.IsZero() {
		job.FireAt = now
	}
	job.Epoch = s.nextEpoch(taskID, prev)
	if err := s.reg.Put(ctx, job); err != nil {
		return fmt.Errorf("%w: put job %d: %w", ErrRegistryWrite, taskID, err)
	}

	s.suppressed.Add(1)
	s.log.Debug("reminder suppressed", logx.Int64("task_id", taskID), logx.Uint64("epoch", job.Epoch))
	s.publish(eventbus.ReminderSuppressed, Event{TaskID: taskID, Epoch: job.Epoch, FireAt: job.FireAt})
	return nil
}

// Resume re-arms a suppressed or missing job at fireAt. Fired and
// scheduled jobs are left alone.
func (s *Service) Resume(ctx context.Context, taskID int64, fireAt time.Time) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	cur, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: read job %d: %w", ErrRegistryWrite, taskID, err)
	}
	if ok && cur.State != storage.StateSuppressed {
		return nil
	}
	return s.scheduleLocked(ctx, taskID, fireAt)
}

// Remove cancels the timer and deletes the job.
func (s *Service) Remove(ctx context.Context, taskID int64) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	s.disarm(taskID)
	if err := s.reg.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("%w: delete job %d: %w", ErrRegistryWrite, taskID, err)
	}
	s.tmu.Lock()
	delete(s.epochs, taskID)
	s.tmu.Unlock()

	s.publish(eventbus.ReminderRemoved, Event{TaskID: taskID})
	return nil
}

// Job reads the registry row for taskID.
func (s *Service) Job(ctx context.Context, taskID int64) (storage.Job, bool, error) {
	return s.reg.Get(ctx, taskID)
}

// Scheduled lists every job in the scheduled state.
func (s *Service) Scheduled(ctx context.Context) ([]storage.Job, error) {
	return s.reg.ListScheduled(ctx)
}

// Reconcile arms a timer for every scheduled job. Jobs due at or before
// now are dispatched immediately. A registry error is returned unchanged.
func (s *Service) Reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	jobs, err := s.reg.ListScheduled(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list scheduled jobs: %w", err)
	}
	res := ReconcileResult{Loaded: len(jobs)}
	for _, job := range jobs {
		unlock := s.locks.Lock(job.TaskID)
		s.tmu.Lock()
		if job.Epoch > s.epochs[job.TaskID] {
			s.epochs[job.TaskID] = job.Epoch
		}
		s.tmu.Unlock()
		s.arm(job, now)
		unlock()

		if !job.FireAt.After(now) {
			res.Due++
		} else {
			res.Armed++
		}
	}
	s.log.Info("reconciled reminders", logx.Int("loaded", res.Loaded), logx.Int("due", res.Due), logx.Int("armed", res.Armed))
	return res, nil
}

// nextEpoch returns an epoch above both the stored and the in-memory one.
func (s *Service) nextEpoch(taskID int64, stored uint64) uint64 {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	e := s.epochs[taskID]
	if stored > e {
		e = stored
	}
	e++
	s.epochs[taskID] = e
	return e
}

// arm replaces the timer for job.TaskID. Call with the task lock held.
func (s *Service) arm(job storage.Job, now time.Time) {
	delay := job.FireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	id, epoch, fireAt := job.TaskID, job.Epoch, job.FireAt

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev := s.timers[id]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	a := &armed{epoch: epoch, fireAt: fireAt}
	s.timers[id] = a
	a.timer = s.clock.AfterFunc(delay, func() { s.dispatch(id, epoch, fireAt) })
}

// disarm stops and forgets the timer for id. Call with the task lock held.
func (s *Service) disarm(id int64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if a := s.timers[id]; a != nil {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.timers, id)
	}
}
