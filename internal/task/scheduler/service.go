package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron
	ctx context.Context

	log      logx.Logger
	bus      eventbus.Bus
	clock    Clock
	engine   *engine.Service
	reg      storage.Registry
	notifier Notifier

	locks keyedMutex

	// tmu guards timers and epochs. It is never held while calling the
	// registry or the notifier.
	tmu    sync.Mutex
	timers map[int64]*armed
	epochs map[int64]uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	lastSweep atomic.Int64

	scheduled  atomic.Uint64
	fired      atomic.Uint64
	suppressed atomic.Uint64
	skipped    atomic.Uint64
	failed     atomic.Uint64
}

type Option func(*Service)

// WithClock replaces wall time and timers, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(cfg Config, eng *engine.Service, reg storage.Registry, n Notifier, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "scheduler")),
		clock:    realClock{},
		engine:   eng,
		reg:      reg,
		notifier: n,
		ctx:      context.Background(),
		timers:   map[int64]*armed{},
		epochs:   map[int64]uint64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// FireAt returns the reminder time for deadline.
func (s *Service) FireAt(deadline time.Time) time.Time {
	s.mu.Lock()
	lead := s.cfg.Lead
	s.mu.Unlock()
	return storage.Normalize(deadline.Add(-lead))
}

// Apply swaps the config. Lead changes only affect future Schedule calls;
// a timezone or sweep change restarts the sweep.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) || strings.TrimSpace(prev.Sweep) != strings.TrimSpace(cfg.Sweep) {
		s.restartCronLocked()
	}
}

// Start enables the sweep. Timers are armed by Reconcile and Schedule.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.restartCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("lead", s.cfg.Lead), logx.String("sweep", s.cfg.Sweep))
}

// Stop halts the sweep and disarms every timer. Registry rows are kept so
// the next Reconcile re-arms them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	n := len(s.timers)
	for id, a := range s.timers {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("disarmed", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))

	if spec := strings.TrimSpace(s.cfg.Sweep); spec != "" {
		sched, err := ParseSweep(spec)
		if err != nil {
			s.log.Error("sweep disabled", logx.String("sweep", spec), logx.Err(err))
		} else {
			s.c.Schedule(sched, cron.FuncJob(s.triggerSweep))
		}
	}
	s.c.Start()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.c != nil
	tz := cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:    cfg.Enabled,
		Running:    running,
		Timezone:   tz,
		Lead:       cfg.Lead,
		Sweep:      cfg.Sweep,
		Scheduled:  s.scheduled.Load(),
		Fired:      s.fired.Load(),
		Suppressed: s.suppressed.Load(),
		Skipped:    s.skipped.Load(),
		Failed:     s.failed.Load(),
	}
	if ns := s.lastSweep.Load(); ns != 0 {
		snap.LastSweep = time.Unix(0, ns)
	}

	s.tmu.Lock()
	for id, a := range s.timers {
		if a.running {
			snap.InFlight++
			continue
		}
		snap.Armed++
		if snap.NextFireAt.IsZero() || a.fireAt.Before(snap.NextFireAt) {
			snap.NextFireAt = a.fireAt
			snap.NextTaskID = id
		}
	}
	s.tmu.Unlock()
	return snap
}
