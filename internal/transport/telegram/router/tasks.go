package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/tasks"
)

// JobReader exposes reminder state for /reminder.
type JobReader interface {
	Job(ctx context.Context, taskID int64) (storage.Job, bool, error)
}

// TaskCommands implements the task bot commands for the sending user.
type TaskCommands struct {
	Store tasks.Store
	Jobs  JobReader
	// Location returns the zone deadlines are typed and shown in.
	Location func() *time.Location
	Now      func() time.Time
}

func (h *TaskCommands) loc() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	if l := h.Location(); l != nil {
		return l
	}
	return time.UTC
}

func (h *TaskCommands) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *TaskCommands) Commands() []Command {
	return []Command{
		{Name: "start", Description: "introduction", Handle: h.start},
		{Name: "addtask", Aliases: []string{"add_task"}, Description: "add a task", Usage: "/addtask <name> <YYYY-MM-DD HH:MM>", Handle: wrap(h.addTask)},
		{Name: "tasks", Description: "list your unfinished tasks", Usage: "/tasks", Handle: wrap(h.listTasks)},
		{Name: "task", Description: "show one task", Usage: "/task <id>", Handle: wrap(h.showTask)},
		{Name: "update_task", Description: "rename or reschedule a task", Usage: "/update_task <id> <name> <YYYY-MM-DD HH:MM>", Handle: wrap(h.updateTask)},
		{Name: "finish_task", Description: "mark a task finished or unfinished", Usage: "/finish_task <id>", Handle: wrap(h.finishTask)},
		{Name: "delete_task", Description: "delete a task", Usage: "/delete_task <id>", Handle: wrap(h.deleteTask)},
		{Name: "reminder", Description: "show the reminder of a task", Usage: "/reminder <id>", Handle: wrap(h.reminder)},
	}
}

// wrap sends a handler's reply text, or the message of a replyError.
func wrap(fn func(ctx context.Context, req *Request) (string, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		text, err := fn(ctx, req)
		var re replyError
		switch {
		case errors.As(err, &re):
			return req.Reply(ctx, re.Error())
		case errors.Is(err, tasks.ErrNotFound), errors.Is(err, tasks.ErrForbidden):
			return req.Reply(ctx, errNoTask.Error())
		case errors.Is(err, tasks.ErrInvalidTask):
			return req.Reply(ctx, "Invalid task: "+strings.TrimPrefix(err.Error(), tasks.ErrInvalidTask.Error()+": "))
		case err != nil:
			return err
		}
		return req.Reply(ctx, text)
	}
}

func (h *TaskCommands) start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, strings.Join([]string{
		"Hi! I keep your tasks and remind you one hour before each deadline.",
		"Add one with /addtask Buy groceries 2023-01-01 15:30",
		"See /help for everything else.",
	}, "\n"))
}

func (h *TaskCommands) addTask(ctx context.Context, req *Request) (string, error) {
	name, deadline, err := parseAddTask(req.Text, h.loc())
	if err != nil {
		return "", err
	}
	t, err := h.Store.Create(ctx, tasks.NewTask{Name: name, Deadline: deadline, Owner: req.FromID})
	if err != nil {
		return "", err
	}
	return "Task added successfully!\n" + FormatTask(t, h.loc(), false), nil
}

func (h *TaskCommands) listTasks(ctx context.Context, req *Request) (string, error) {
	list, err := h.Store.List(ctx, tasks.Filter{Owner: req.FromID, OnlyOpen: true, DueAfter: h.now()})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No tasks found.", nil
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, "Unfinished tasks:")
	for _, t := range list {
		lines = append(lines, FormatTask(t, h.loc(), false))
	}
	return strings.Join(lines, "\n"), nil
}

// owned loads the task named by the first argument and checks the sender owns it.
func (h *TaskCommands) owned(ctx context.Context, req *Request) (tasks.Task, error) {
	if len(req.Args) == 0 {
		return tasks.Task{}, errBadID
	}
	id, err := parseTaskID(req.Args[0])
	if err != nil {
		return tasks.Task{}, err
	}
	return h.ownedID(ctx, req, id)
}

func (h *TaskCommands) ownedID(ctx context.Context, req *Request, id int64) (tasks.Task, error) {
	t, err := h.Store.Get(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !t.OwnedBy(req.FromID) {
		return tasks.Task{}, tasks.ErrForbidden
	}
	return t, nil
}

func (h *TaskCommands) showTask(ctx context.Context, req *Request) (string, error) {
	t, err := h.owned(ctx, req)
	if err != nil {
		return "", err
	}
	return FormatTask(t, h.loc(), true), nil
}

func (h *TaskCommands) updateTask(ctx context.Context, req *Request) (string, error) {
	id, patch, err := parseUpdateTask(req.Text, h.loc())
	if err != nil {
		return "", err
	}
	if _, err := h.ownedID(ctx, req, id); err != nil {
		return "", err
	}
	t, err := h.Store.Update(ctx, id, patch)
	if err != nil {
		return "", err
	}
	return "Task updated successfully!\n" + FormatTask(t, h.loc(), true), nil
}

func (h *TaskCommands) finishTask(ctx context.Context, req *Request) (string, error) {
	t, err := h.owned(ctx, req)
	if err != nil {
		return "", err
	}
	t, err = h.Store.Toggle(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if t.Finished {
		return "Task completed successfully.", nil
	}
	return "Task uncompleted successfully.", nil
}

func (h *TaskCommands) deleteTask(ctx context.Context, req *Request) (string, error) {
	t, err := h.owned(ctx, req)
	if err != nil {
		return "", err
	}
	if err := h.Store.Delete(ctx, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %d deleted.", t.ID), nil
}

func (h *TaskCommands) reminder(ctx context.Context, req *Request) (string, error) {
	t, err := h.owned(ctx, req)
	if err != nil {
		return "", err
	}
	if h.Jobs == nil {
		return "Reminders are disabled.", nil
	}
	job, ok, err := h.Jobs.Job(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "No reminder for this task.", nil
	}
	at := job.FireAt.In(h.loc()).Format(DeadlineLayout)
	switch job.State {
	case storage.StateScheduled:
		return fmt.Sprintf("Reminder for task %d is scheduled at %s.", t.ID, at), nil
	case storage.StateFired:
		s := fmt.Sprintf("Reminder for task %d was sent at %s.", t.ID, job.FiredAt.In(h.loc()).Format(DeadlineLayout))
		if job.LastError != "" {
			s += "\nDelivery failed: " + job.LastError
		}
		return s, nil
	default:
		return fmt.Sprintf("Reminder for task %d is off (%s).", t.ID, job.State), nil
	}
}
