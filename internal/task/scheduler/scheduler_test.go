package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/scheduler/schedtest"
	logx "remindbot/pkg/logx"
)

var day = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type recNotifier struct {
	mu    sync.Mutex
	calls []int64
	err   error
	block chan struct{}
}

func (n *recNotifier) Notify(ctx context.Context, taskID int64) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, taskID)
	return n.err
}

func (n *recNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	s     *scheduler.Service
	eng   *engine.Service
	reg   *storage.Memory
	clock *schedtest.Clock
	n     *recNotifier
	bus   eventbus.Bus
}

func newFixture(t *testing.T, reg storage.Registry) *fixture {
	t.Helper()
	return newFixtureWithEngine(t, reg, engine.Config{Enabled: true, Workers: 4})
}

func newFixtureWithEngine(t *testing.T, reg storage.Registry, ecfg engine.Config) *fixture {
	t.Helper()
	mem, _ := reg.(*storage.Memory)
	if reg == nil {
		mem = storage.NewMemory()
		reg = mem
	}
	eng := engine.New(ecfg, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	f := &fixture{eng: eng, reg: mem, clock: schedtest.NewClock(day), n: &recNotifier{}, bus: eventbus.New()}
	f.s = scheduler.New(scheduler.Config{Enabled: true}, eng, reg, f.n, logx.Nop(), scheduler.WithClock(f.clock), scheduler.WithBus(f.bus))
	f.s.Start(context.Background())
	t.Cleanup(func() { f.s.Stop(context.Background()) })
	return f
}

func (f *fixture) job(t *testing.T, id int64) storage.Job {
	t.Helper()
	j, ok, err := f.s.Job(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("job %d: ok=%v err=%v", id, ok, err)
	}
	return j
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives asynchronous callbacks a chance to run.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestFireAtUsesLead(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.s.FireAt(at(15, 30)); !got.Equal(at(14, 30)) {
		t.Fatalf("fire_at=%s", got)
	}
}

func TestScheduleInPastFiresImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.clock.Set(at(15, 0))

	if err := f.s.Schedule(ctx, 1, f.s.FireAt(at(15, 30))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "notify", func() bool { return f.n.count() == 1 })
	waitFor(t, "fired state", func() bool { return f.job(t, 1).State == storage.StateFired })
	if j := f.job(t, 1); !j.FireAt.Equal(at(15, 0)) {
		t.Fatalf("fire_at=%s want clamped to now", j.FireAt)
	}
}

func TestScenarioDeadlineMovedFinishedAndReopened(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	const taskA = 1

	if err := f.s.Schedule(ctx, taskA, f.s.FireAt(at(15, 30))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if j := f.job(t, taskA); !j.FireAt.Equal(at(14, 30)) || j.State != storage.StateScheduled {
		t.Fatalf("created job: %+v", j)
	}

	f.clock.Set(at(13, 0))
	if err := f.s.Schedule(ctx, taskA, f.s.FireAt(at(16, 0))); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if j := f.job(t, taskA); !j.FireAt.Equal(at(15, 0)) {
		t.Fatalf("rescheduled fire_at=%s", j.FireAt)
	}

	f.clock.Set(at(14, 0))
	if err := f.s.Suppress(ctx, taskA, f.s.FireAt(at(16, 0))); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if j := f.job(t, taskA); j.State != storage.StateSuppressed {
		t.Fatalf("state=%s want suppressed", j.State)
	}

	f.clock.Set(at(14, 10))
	if err := f.s.Resume(ctx, taskA, f.s.FireAt(at(16, 0))); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if j := f.job(t, taskA); j.State != storage.StateScheduled || !j.FireAt.Equal(at(15, 0)) {
		t.Fatalf("resumed job: %+v", j)
	}

	// The original 14:30 timer must stay silent.
	f.clock.Set(at(14, 45))
	settle()
	if n := f.n.count(); n != 0 {
		t.Fatalf("notified %d times before 15:00", n)
	}

	f.clock.Set(at(15, 0))
	waitFor(t, "notify at 15:00", func() bool { return f.n.count() == 1 })
	waitFor(t, "fired state", func() bool { return f.job(t, taskA).State == storage.StateFired })
	settle()
	if n := f.n.count(); n != 1 {
		t.Fatalf("notified %d times, want 1", n)
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := f.s.Schedule(ctx, 7, at(1, 0).Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}
	jobs, err := f.reg.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if snap := f.s.Snapshot(); snap.Armed != 1 || !snap.NextFireAt.Equal(at(1, 4)) {
		t.Fatalf("snapshot: %+v", snap)
	}

	f.clock.Set(at(1, 3))
	settle()
	if f.n.count() != 0 {
		t.Fatalf("replaced timer fired")
	}
	f.clock.Set(at(1, 4))
	waitFor(t, "notify", func() bool { return f.n.count() == 1 })
}

func TestSuppressBeforeFirePreventsNotify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.s.Schedule(ctx, 3, at(2, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.s.Suppress(ctx, 3, at(2, 0)); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	f.clock.Set(at(3, 0))
	settle()
	if f.n.count() != 0 {
		t.Fatalf("suppressed job notified")
	}
	if snap := f.s.Snapshot(); snap.Armed != 0 {
		t.Fatalf("armed=%d after suppress", snap.Armed)
	}
}

func TestSuppressKeepsFiredAndWritesMissing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.reg.Put(ctx, storage.Job{TaskID: 1, FireAt: at(1, 0), State: storage.StateFired, Epoch: 3, FiredAt: at(1, 0)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.s.Suppress(ctx, 1, at(5, 0)); err != nil {
		t.Fatalf("suppress fired: %v", err)
	}
	if j := f.job(t, 1); j.State != storage.StateFired || j.Epoch != 3 {
		t.Fatalf("fired job changed: %+v", j)
	}
	if err := f.s.Resume(ctx, 1, at(5, 0)); err != nil {
		t.Fatalf("resume fired: %v", err)
	}
	if j := f.job(t, 1); j.State != storage.StateFired {
		t.Fatalf("resume touched fired job: %+v", j)
	}

	if err := f.s.Suppress(ctx, 2, at(6, 0)); err != nil {
		t.Fatalf("suppress missing: %v", err)
	}
	if j := f.job(t, 2); j.State != storage.StateSuppressed || !j.FireAt.Equal(at(6, 0)) {
		t.Fatalf("missing job row: %+v", j)
	}
	if err := f.s.Resume(ctx, 2, at(6, 0)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if j := f.job(t, 2); j.State != storage.StateScheduled || j.Epoch <= 1 {
		t.Fatalf("resumed job: %+v", j)
	}
}

func TestCancelIsIdempotentAndKeepsRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.s.Cancel(ctx, 99); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}
	if err := f.s.Schedule(ctx, 4, at(1, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.s.Cancel(ctx, 4); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	f.clock.Set(at(2, 0))
	settle()
	if f.n.count() != 0 {
		t.Fatalf("cancelled timer fired")
	}
	if j := f.job(t, 4); j.State != storage.StateScheduled {
		t.Fatalf("cancel changed state: %s", j.State)
	}
}

func TestRemoveDeletesRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.s.Schedule(ctx, 5, at(1, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.s.Remove(ctx, 5); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := f.s.Job(ctx, 5); ok {
		t.Fatalf("job still present")
	}
	f.clock.Set(at(2, 0))
	settle()
	if f.n.count() != 0 {
		t.Fatalf("removed job fired")
	}
}

func TestReconcileAfterRestart(t *testing.T) {
	reg := storage.NewMemory()
	ctx := context.Background()
	if err := reg.Put(ctx, storage.Job{TaskID: 1, FireAt: day.Add(-time.Minute), State: storage.StateScheduled, Epoch: 4}); err != nil {
		t.Fatalf("put due: %v", err)
	}
	if err := reg.Put(ctx, storage.Job{TaskID: 2, FireAt: at(3, 0), State: storage.StateScheduled, Epoch: 1}); err != nil {
		t.Fatalf("put future: %v", err)
	}
	if err := reg.Put(ctx, storage.Job{TaskID: 3, FireAt: day.Add(-time.Hour), State: storage.StateSuppressed, Epoch: 2}); err != nil {
		t.Fatalf("put suppressed: %v", err)
	}

	f := newFixture(t, reg)
	res, err := f.s.Reconcile(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Loaded != 2 || res.Due != 1 || res.Armed != 1 {
		t.Fatalf("result: %+v", res)
	}
	waitFor(t, "catch-up notify", func() bool { return f.n.count() == 1 })
	waitFor(t, "fired state", func() bool { return f.job(t, 1).State == storage.StateFired })

	// A later Schedule must move past the stored epoch.
	if err := f.s.Schedule(ctx, 2, at(4, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if j := f.job(t, 2); j.Epoch != 2 {
		t.Fatalf("epoch=%d want 2", j.Epoch)
	}
}

func TestReconcileFromReopenedSQLiteRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()
	open := func() storage.Registry {
		t.Helper()
		reg, err := storage.Open(storage.Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return reg
	}

	reg := open()
	first := newFixture(t, reg)
	if err := first.s.Schedule(ctx, 1, at(14, 30)); err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if err := first.s.Schedule(ctx, 2, at(20, 0)); err != nil {
		t.Fatalf("schedule future: %v", err)
	}
	if err := first.s.Suppress(ctx, 3, at(1, 0)); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	// The process dies here: armed timers vanish, only the file remains.
	first.s.Stop(ctx)
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := open()
	t.Cleanup(func() { _ = reopened.Close() })
	second := newFixture(t, reopened)
	second.clock.Set(at(15, 0))

	res, err := second.s.Reconcile(ctx, second.clock.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Loaded != 2 || res.Due != 1 || res.Armed != 1 {
		t.Fatalf("result: %+v", res)
	}
	waitFor(t, "catch-up notify", func() bool { return second.n.count() == 1 })
	waitFor(t, "fired state", func() bool { return second.job(t, 1).State == storage.StateFired })
	if j := second.job(t, 2); j.State != storage.StateScheduled || !j.FireAt.Equal(at(20, 0)) {
		t.Fatalf("future job: %+v", j)
	}
	if j := second.job(t, 3); j.State != storage.StateSuppressed {
		t.Fatalf("suppressed job: %+v", j)
	}

	// The fired mark is on disk for the next start.
	check := open()
	defer check.Close()
	j, ok, err := check.Get(ctx, 1)
	if err != nil || !ok || j.State != storage.StateFired || j.FiredAt.IsZero() {
		t.Fatalf("persisted job: %+v ok=%v err=%v", j, ok, err)
	}
}

func TestNotifyFailureStillMarksFired(t *testing.T) {
	f := newFixture(t, nil)
	f.n.err = errors.New("chat not found")
	ctx := context.Background()

	if err := f.s.Schedule(ctx, 8, at(0, 10)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.clock.Set(at(0, 10))
	waitFor(t, "fired state", func() bool { return f.job(t, 8).State == storage.StateFired })
	j := f.job(t, 8)
	if j.LastError != "chat not found" || j.FiredAt.IsZero() {
		t.Fatalf("fired job: %+v", j)
	}
	settle()
	if f.n.count() != 1 {
		t.Fatalf("notify retried: %d calls", f.n.count())
	}
	if snap := f.s.Snapshot(); snap.Failed != 1 || snap.Fired != 1 {
		t.Fatalf("counters: %+v", snap)
	}
}

func TestSuppressDuringNotifyKeepsSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	f.n.block = make(chan struct{})
	ctx := context.Background()

	if err := f.s.Schedule(ctx, 9, at(0, 5)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.clock.Set(at(0, 5))
	waitFor(t, "in flight", func() bool { return f.s.Snapshot().InFlight == 1 })

	if err := f.s.Suppress(ctx, 9, at(0, 5)); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	close(f.n.block)
	waitFor(t, "notify returned", func() bool { return f.n.count() == 1 })
	settle()
	if j := f.job(t, 9); j.State != storage.StateSuppressed {
		t.Fatalf("state=%s want suppressed", j.State)
	}
}

type failingRegistry struct {
	*storage.Memory
	failPut bool
}

func (r *failingRegistry) Put(ctx context.Context, job storage.Job) error {
	if r.failPut {
		return errors.New("disk full")
	}
	return r.Memory.Put(ctx, job)
}

func TestRegistryWriteFailureArmsNothing(t *testing.T) {
	reg := &failingRegistry{Memory: storage.NewMemory(), failPut: true}
	f := newFixture(t, reg)

	err := f.s.Schedule(context.Background(), 1, at(1, 0))
	if !errors.Is(err, scheduler.ErrRegistryWrite) {
		t.Fatalf("expected ErrRegistryWrite, got %v", err)
	}
	if snap := f.s.Snapshot(); snap.Armed != 0 {
		t.Fatalf("armed=%d after failed write", snap.Armed)
	}
}

func TestSweepRearmsLostJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.reg.Put(ctx, storage.Job{TaskID: 11, FireAt: day, State: storage.StateScheduled, Epoch: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.reg.Put(ctx, storage.Job{TaskID: 12, FireAt: at(5, 0), State: storage.StateScheduled, Epoch: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := f.s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("re-armed %d, want 1", n)
	}
	waitFor(t, "notify", func() bool { return f.n.count() == 1 })
}

func TestSweepRearmsJobDroppedByEngine(t *testing.T) {
	f := newFixtureWithEngine(t, nil, engine.Config{Enabled: true, Workers: 1, MaxQueueDelay: 20 * time.Millisecond})
	ctx := context.Background()

	busy := make(chan struct{})
	started := make(chan struct{})
	if err := f.eng.Enqueue(engine.Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-busy
		return nil
	}}); err != nil {
		t.Fatalf("enqueue busy: %v", err)
	}
	<-started

	// Due now, so the fire task queues behind the busy worker and goes stale.
	if err := f.s.Schedule(ctx, 1, f.clock.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	close(busy)

	waitFor(t, "stale drop", func() bool { return f.eng.Snapshot().DroppedStale == 1 })
	waitFor(t, "armed entry released", func() bool { return f.s.Snapshot().Armed == 0 })
	if f.n.count() != 0 {
		t.Fatalf("dropped fire notified")
	}
	if j := f.job(t, 1); j.State != storage.StateScheduled {
		t.Fatalf("state=%s want scheduled", j.State)
	}

	n, err := f.s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("re-armed %d, want 1", n)
	}
	waitFor(t, "notify", func() bool { return f.n.count() == 1 })
	waitFor(t, "fired state", func() bool { return f.job(t, 1).State == storage.StateFired })
}

func TestSchedulePublishesEvents(t *testing.T) {
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.s.Schedule(context.Background(), 1, at(1, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.ReminderScheduled {
			t.Fatalf("event type %s", ev.Type)
		}
		if data, ok := ev.Data.(scheduler.Event); !ok || data.TaskID != 1 || !data.FireAt.Equal(at(1, 0)) {
			t.Fatalf("event data %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
}
