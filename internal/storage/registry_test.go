package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func registryDrivers(t *testing.T) map[string]func(t *testing.T) Registry {
	t.Helper()
	return map[string]func(t *testing.T) Registry{
		"memory": func(t *testing.T) Registry { return NewMemory() },
		"file": func(t *testing.T) Registry {
			r, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return r
		},
		"sqlite": func(t *testing.T) Registry {
			r, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return r
		},
	}
}

func TestRegistryContract(t *testing.T) {
	t.Parallel()

	base := time.Date(2023, 1, 1, 14, 30, 0, 0, time.UTC)
	for name, open := range registryDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			r := open(t)
			defer r.Close()

			if _, ok, err := r.Get(ctx, 1); err != nil || ok {
				t.Fatalf("get missing: ok=%v err=%v", ok, err)
			}

			job := Job{TaskID: 1, FireAt: base, State: StateScheduled, Epoch: 1, UpdatedAt: base}
			if err := r.Put(ctx, job); err != nil {
				t.Fatalf("put: %v", err)
			}
			// Replacing keeps a single row per task id.
			job.FireAt = base.Add(30 * time.Minute)
			job.Epoch = 2
			if err := r.Put(ctx, job); err != nil {
				t.Fatalf("put replace: %v", err)
			}
			if err := r.Put(ctx, Job{TaskID: 2, FireAt: base, State: StateSuppressed, Epoch: 1}); err != nil {
				t.Fatalf("put suppressed: %v", err)
			}
			if err := r.Put(ctx, Job{TaskID: 3, FireAt: base.Add(-time.Hour), State: StateScheduled, Epoch: 4}); err != nil {
				t.Fatalf("put 3: %v", err)
			}

			got, ok, err := r.Get(ctx, 1)
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.Epoch != 2 || !got.FireAt.Equal(base.Add(30*time.Minute)) || got.State != StateScheduled {
				t.Fatalf("unexpected job: %+v", got)
			}

			list, err := r.ListScheduled(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].TaskID != 3 || list[1].TaskID != 1 {
				t.Fatalf("list order/content: %+v", list)
			}

			if err := r.Delete(ctx, 1); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := r.Delete(ctx, 1); err != nil {
				t.Fatalf("delete twice: %v", err)
			}
			if _, ok, _ := r.Get(ctx, 1); ok {
				t.Fatalf("expected job 1 gone")
			}
			if err := r.AppendAudit(ctx, AuditEntry{TaskID: 3, Action: "fired", Epoch: 4, FireAt: base}); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestRegistryRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	r := NewMemory()
	cases := []Job{
		{TaskID: 0, FireAt: time.Now(), State: StateScheduled},
		{TaskID: 1, State: StateScheduled},
		{TaskID: 1, FireAt: time.Now(), State: "pending"},
	}
	for _, j := range cases {
		if err := r.Put(context.Background(), j); !errors.Is(err, ErrInvalid) {
			t.Fatalf("job %+v: err=%v, want ErrInvalid", j, err)
		}
	}
}

func TestFileRegistrySurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	fireAt := Normalize(time.Now().Add(time.Hour))

	r, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = r.Put(ctx, Job{TaskID: 7, FireAt: fireAt, State: StateScheduled, Epoch: 3})
	_ = r.Put(ctx, Job{TaskID: 8, FireAt: fireAt, State: StateScheduled, Epoch: 1})
	_ = r.Delete(ctx, 8)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	list, err := r2.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].TaskID != 7 || list[0].Epoch != 3 || !list[0].FireAt.Equal(fireAt) {
		t.Fatalf("unexpected jobs after reopen: %+v", list)
	}
}

func TestFileRegistryCompactionKeepsState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	fireAt := Normalize(time.Now())

	r, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < compactEvery+10; i++ {
		if err := r.Put(ctx, Job{TaskID: int64(i%5 + 1), FireAt: fireAt, State: StateScheduled, Epoch: uint64(i + 1)}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	_ = r.Close()

	r2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	j, ok, err := r2.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	// i%5 == 0 last happens at i = compactEvery+5.
	if j.Epoch != uint64(compactEvery+6) {
		t.Fatalf("epoch=%d", j.Epoch)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"scheduled", " Fired ", "SUPPRESSED"} {
		if _, err := ParseState(in); err != nil {
			t.Fatalf("%q: %v", in, err)
		}
	}
	if _, err := ParseState("done"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
