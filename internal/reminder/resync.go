package reminder

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/tasks"
	logx "remindbot/pkg/logx"
)

// Resync repairs drift between the task store and the job registry, e.g.
// after changes made while the process was down. Listing failures are
// returned; per-task failures are logged and skipped.
func (o *Orchestrator) Resync(ctx context.Context) error {
	all, err := o.store.List(ctx, tasks.Filter{})
	if err != nil {
		return fmt.Errorf("resync: list tasks: %w", err)
	}
	known := make(map[int64]struct{}, len(all))
	for _, t := range all {
		known[t.ID] = struct{}{}
		if err := o.resyncTask(ctx, t); err != nil {
			o.failed.Add(1)
			o.log.Warn("resync task failed", logx.Int64("task_id", t.ID), logx.Err(err))
		}
	}

	jobs, err := o.sched.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("resync: list jobs: %w", err)
	}
	for _, j := range jobs {
		if _, ok := known[j.TaskID]; ok {
			continue
		}
		if err := o.retry(ctx, func(ctx context.Context) error { return o.sched.Remove(ctx, j.TaskID) }); err != nil {
			o.failed.Add(1)
			o.log.Warn("resync remove orphan failed", logx.Int64("task_id", j.TaskID), logx.Err(err))
			continue
		}
		o.repaired.Add(1)
		o.log.Info("removed orphan reminder", logx.Int64("task_id", j.TaskID))
	}
	o.log.Info("resync done", logx.Int("tasks", len(all)), logx.Uint64("repaired", o.repaired.Load()))
	return nil
}

func (o *Orchestrator) resyncTask(ctx context.Context, t tasks.Task) error {
	job, ok, err := o.sched.Job(ctx, t.ID)
	if err != nil {
		return err
	}
	want := o.sched.FireAt(t.Deadline)

	var (
		action func(ctx context.Context) error
		reason string
	)
	switch {
	case t.Finished:
		if !ok || job.State == storage.StateScheduled {
			action = func(ctx context.Context) error { return o.sched.Suppress(ctx, t.ID, want) }
			reason = "finished task without suppressed job"
		}
	case !ok:
		action = func(ctx context.Context) error { return o.sched.Schedule(ctx, t.ID, want) }
		reason = "missing job"
	case job.State == storage.StateSuppressed:
		action = func(ctx context.Context) error { return o.sched.Resume(ctx, t.ID, want) }
		reason = "open task with suppressed job"
	case job.State == storage.StateScheduled && !job.FireAt.Equal(expectedFireAt(job, want)):
		action = func(ctx context.Context) error { return o.sched.Schedule(ctx, t.ID, want) }
		reason = "deadline moved"
	case job.State == storage.StateFired && want.After(job.FireAt):
		action = func(ctx context.Context) error { return o.sched.Schedule(ctx, t.ID, want) }
		reason = "deadline moved after firing"
	}
	if action == nil {
		return nil
	}
	if err := o.retry(ctx, action); err != nil {
		return err
	}
	o.repaired.Add(1)
	o.log.Info("reminder repaired", logx.Int64("task_id", t.ID), logx.String("reason", reason))
	return nil
}

// expectedFireAt accounts for fire times clamped to the moment of scheduling.
func expectedFireAt(job storage.Job, want time.Time) time.Time {
	if !job.UpdatedAt.IsZero() && want.Before(job.UpdatedAt) {
		return job.UpdatedAt
	}
	return want
}
