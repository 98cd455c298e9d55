package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func storeDrivers() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		},
	}
}

func drain(t *testing.T, f *Feed, n int) []ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]ChangeEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestStore_FeedOrderAndFields(t *testing.T) {
	deadline := time.Date(2023, 1, 1, 15, 30, 0, 0, time.UTC)
	for name, open := range storeDrivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()
			feed := s.Subscribe()

			task, err := s.Create(ctx, NewTask{Name: "  report  ", Deadline: deadline, Owner: 7})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if task.ID == 0 || task.Name != "report" {
				t.Fatalf("unexpected task: %+v", task)
			}

			newName := "final report"
			later := deadline.Add(2 * time.Hour)
			done := true
			if _, err := s.Update(ctx, task.ID, Patch{Name: &newName, Deadline: &later, Finished: &done}); err != nil {
				t.Fatalf("update: %v", err)
			}
			if _, err := s.Toggle(ctx, task.ID); err != nil {
				t.Fatalf("toggle: %v", err)
			}
			if err := s.Delete(ctx, task.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}

			evs := drain(t, feed, 6)
			want := []Field{FieldCreated, FieldName, FieldDeadline, FieldFinished, FieldFinished, FieldDeleted}
			for i, ev := range evs {
				if ev.Field != want[i] {
					t.Fatalf("event %d field=%s want %s", i, ev.Field, want[i])
				}
				if ev.TaskID != task.ID {
					t.Fatalf("event %d task=%d", i, ev.TaskID)
				}
				if i > 0 && ev.Seq <= evs[i-1].Seq {
					t.Fatalf("seq not increasing: %d after %d", ev.Seq, evs[i-1].Seq)
				}
			}
			if !evs[2].After.Deadline.Equal(later) || !evs[2].Before.Deadline.Equal(deadline) {
				t.Fatalf("deadline snapshots: before=%s after=%s", evs[2].Before.Deadline, evs[2].After.Deadline)
			}
			if !evs[3].After.Finished || evs[4].After.Finished {
				t.Fatalf("finished flags: %+v / %+v", evs[3].After, evs[4].After)
			}
			if feed.Len() != 0 {
				t.Fatalf("unexpected extra events: %d", feed.Len())
			}
		})
	}
}

func TestStore_SetFinishedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()
	task, err := s.Create(ctx, NewTask{Name: "a", Deadline: time.Now().Add(time.Hour), Owner: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	feed := s.Subscribe()
	for i := 0; i < 2; i++ {
		got, err := s.SetFinished(ctx, task.ID, true)
		if err != nil || !got.Finished {
			t.Fatalf("set finished: %+v %v", got, err)
		}
	}
	if feed.Len() != 1 {
		t.Fatalf("expected a single finished event, got %d", feed.Len())
	}
}

func TestStore_NoOpUpdateEmitsNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()
	task, err := s.Create(ctx, NewTask{Name: "a", Deadline: time.Now().Add(time.Hour), Owner: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	feed := s.Subscribe()
	same := task.Name
	if _, err := s.Update(ctx, task.ID, Patch{Name: &same}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if feed.Len() != 0 {
		t.Fatalf("no-op update emitted %d events", feed.Len())
	}
}

func TestStore_Validation(t *testing.T) {
	for name, open := range storeDrivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			cases := []NewTask{
				{Name: "", Deadline: time.Now(), Owner: 1},
				{Name: strings.Repeat("x", maxNameRunes+1), Deadline: time.Now(), Owner: 1},
				{Name: "ok", Owner: 1},
				{Name: "ok", Deadline: time.Now()},
			}
			for i, in := range cases {
				if _, err := s.Create(ctx, in); !errors.Is(err, ErrInvalidTask) {
					t.Fatalf("case %d: expected ErrInvalidTask, got %v", i, err)
				}
			}
			if _, err := s.Get(ctx, 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: %v", err)
			}
			if err := s.Delete(ctx, 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete missing: %v", err)
			}
			if _, err := s.Toggle(ctx, 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("toggle missing: %v", err)
			}
		})
	}
}

func TestStore_ListFilter(t *testing.T) {
	base := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	for name, open := range storeDrivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			mk := func(name string, d time.Duration, owner int64) Task {
				task, err := s.Create(ctx, NewTask{Name: name, Deadline: base.Add(d), Owner: owner})
				if err != nil {
					t.Fatalf("create %s: %v", name, err)
				}
				return task
			}
			late := mk("late", 3*time.Hour, 1)
			early := mk("early", time.Hour, 1)
			mk("other", 2*time.Hour, 2)
			if _, err := s.Toggle(ctx, late.ID); err != nil {
				t.Fatalf("toggle: %v", err)
			}

			all, err := s.List(ctx, Filter{Owner: 1})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 2 || all[0].ID != early.ID || all[1].ID != late.ID {
				t.Fatalf("owner list: %+v", all)
			}
			pending, err := s.List(ctx, Filter{Owner: 1, OnlyOpen: true})
			if err != nil {
				t.Fatalf("list open: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != early.ID {
				t.Fatalf("open list: %+v", pending)
			}
			due, err := s.List(ctx, Filter{DueAfter: base.Add(90 * time.Minute)})
			if err != nil {
				t.Fatalf("list due: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("due list: %+v", due)
			}
		})
	}
}

func TestSQLite_SequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")

	s, err := OpenSQLite(path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	feed := s.Subscribe()
	if _, err := s.Create(ctx, NewTask{Name: "a", Deadline: time.Now().Add(time.Hour), Owner: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := drain(t, feed, 1)[0]
	_ = s.Close()

	s, err = OpenSQLite(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	feed = s.Subscribe()
	if _, err := s.Create(ctx, NewTask{Name: "b", Deadline: time.Now().Add(time.Hour), Owner: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := drain(t, feed, 1)[0]
	if second.Seq <= first.Seq {
		t.Fatalf("sequence went backwards: %d then %d", first.Seq, second.Seq)
	}
}

func TestFeed_CloseDrainsThenErrors(t *testing.T) {
	s := NewMemory()
	feed := s.Subscribe()
	if _, err := s.Create(context.Background(), NewTask{Name: "a", Deadline: time.Now(), Owner: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.Close()

	drain(t, feed, 1)
	if _, err := feed.Next(context.Background()); !errors.Is(err, ErrFeedClosed) {
		t.Fatalf("expected ErrFeedClosed, got %v", err)
	}
}

func TestTask_OwnedBy(t *testing.T) {
	task := Task{Owner: 5}
	if !task.OwnedBy(5) || task.OwnedBy(6) || task.OwnedBy(0) {
		t.Fatalf("OwnedBy mismatch")
	}
}
