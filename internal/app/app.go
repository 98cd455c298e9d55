package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/api"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/tasks"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

// Transport is a chat adapter that can also carry forwarded log lines.
type Transport interface {
	kit.Adapter
	logx.Sender
}

type Option func(*options)

type options struct {
	transport Transport
	now       func() time.Time
}

// WithTransport replaces the adapter built from telegram config.
func WithTransport(t Transport) Option { return func(o *options) { o.transport = t } }

// WithNow replaces the wall clock used for startup reconciliation.
func WithNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	now  func() time.Time

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg   storage.Registry
	store tasks.Store

	adapter Transport
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	orch    *reminder.Orchestrator
	router  *router.Router
	api     *api.Server

	loc atomic.Pointer[time.Location]

	// remMu guards the reminder pipeline so reloads can toggle it.
	remMu      sync.Mutex
	remRunning bool
	remFeed    *tasks.Feed
	remCancel  context.CancelFunc
	remDone    chan struct{}

	ready   atomic.Bool
	updates chan kit.Update
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return New(cfgm, cfg, opts...)
}

// New builds the app from an already loaded config.
func New(cfgm *config.Manager, cfg *config.Config, opts ...Option) (a *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	a = &App{
		cfgm:    cfgm,
		now:     o.now,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan kit.Update, 256),
	}
	a.loc.Store(loadLocation(cfg.Scheduler.Timezone))
	defer func() {
		if err != nil {
			a.closeStores()
			_ = logSvc.Close()
		}
	}()

	ad := o.transport
	if ad == nil {
		if ad, err = newTransport(cfg, log); err != nil {
			return nil, err
		}
	}
	a.adapter = ad
	logSvc.SetSender(ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.reg, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open job registry: %w", err)
	}
	if a.store, err = tasks.Open(mapTasksConfig(cfg), log.With(logx.String("comp", "tasks"))); err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.store, ad, log.With(logx.String("comp", "notifier")), a.bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scfg, a.engine, a.reg, a.notif, log.With(logx.String("comp", "scheduler")), scheduler.WithBus(a.bus))

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.orch = reminder.New(rcfg, a.store, a.sched, log)

	cmdTimeout, err := config.TelegramCommandTimeout.Parse(cfg.Telegram.CommandTimeout)
	if err != nil {
		return nil, err
	}
	a.router = router.New(log.With(logx.String("comp", "router")), ad, cmdTimeout)

	if hc := mapHTTPConfig(cfg); hc.Enabled {
		a.api = api.New(hc, a.store, a.sched, log.With(logx.String("comp", "http")))
	}
	return a, nil
}

func newTransport(cfg *config.Config, log logx.Logger) (Transport, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		log.Warn("telegram token not set; reminders are logged, not sent")
		return kit.NewLogOnly(log.With(logx.String("comp", "transport"))), nil
	}
	pollTimeout, err := config.TelegramPollTimeout.Parse(cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
}

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Store exposes the task store.
func (a *App) Store() tasks.Store { return a.store }

// Scheduler exposes the scheduler core.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// API returns the HTTP server, or nil when it is disabled.
func (a *App) API() *api.Server { return a.api }

// Ready reports whether startup reconciliation has completed.
func (a *App) Ready() bool { return a.ready.Load() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) location() *time.Location {
	if l := a.loc.Load(); l != nil {
		return l
	}
	return time.Local
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validate(cfg)
		})
	}

	a.engine.Start(a.sup.Context())

	a.sup.Go0("audit", func(c context.Context) {
		runAudit(c, a.bus, a.reg, a.log.With(logx.String("comp", "audit")))
	})

	// /readyz answers 503 until reminders are reconciled.
	if a.api != nil {
		a.sup.Go("http", a.api.Run)
	}

	if a.sched.Enabled() {
		if err := a.startReminders(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; reminders will not fire")
	}

	a.ready.Store(true)
	if a.api != nil {
		a.api.SetReady(true)
	}
	if ok, err := systemd.Ready("reminders reconciled"); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	cmds := (&router.TaskCommands{
		Store:    a.store,
		Jobs:     a.sched,
		Location: a.location,
		Now:      a.now,
	}).Commands()
	a.router.SetCommands(a.sup.Context(), cmds)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})

	if a.cfgm != nil {
		a.startConfigReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// startReminders starts the scheduler, repairs drift against the task store,
// arms every stored job and then follows task changes.
func (a *App) startReminders(ctx context.Context) error {
	a.remMu.Lock()
	defer a.remMu.Unlock()
	if a.remRunning {
		return nil
	}

	a.sched.Start(ctx)
	// Subscribe before resyncing so no change falls between the two.
	feed := a.store.Subscribe()
	if err := a.orch.Resync(ctx); err != nil {
		a.log.Warn("reminder resync failed", logx.Err(err))
	}
	res, err := a.sched.Reconcile(ctx, a.now())
	if err != nil {
		feed.Close()
		a.sched.Stop(context.WithoutCancel(ctx))
		return fmt.Errorf("reconcile reminders: %w", err)
	}
	a.log.Info("reminders ready", logx.Int("loaded", res.Loaded), logx.Int("due", res.Due), logx.Int("armed", res.Armed))

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.remFeed, a.remCancel, a.remDone = feed, cancel, done
	a.remRunning = true
	a.sup.Go("reminder.orchestrator", func(context.Context) error {
		defer close(done)
		return a.orch.Run(rctx, feed)
	})
	return nil
}

func (a *App) stopReminders(ctx context.Context) {
	a.remMu.Lock()
	defer a.remMu.Unlock()
	if !a.remRunning {
		return
	}
	a.remRunning = false
	a.remFeed.Close()
	a.remCancel()
	select {
	case <-a.remDone:
	case <-ctx.Done():
	}
	a.sched.Stop(ctx)
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig applies the sections that can change at runtime.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	scfg, err := mapSchedulerConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.loc.Store(loadLocation(scfg.Timezone))
		a.sched.Apply(scfg)
		switch {
		case wasEnabled && !scfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.stopReminders(stopCtx)
			cancel()
		case !wasEnabled && scfg.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.startReminders(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(string(reason)); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.ready.Store(false)
	if a.api != nil {
		a.api.SetReady(false)
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Bool("failed", err != nil))
			}()
		}
	}

	// Order: triggers first, then the pool they feed, then the transport.
	step("reminders", 3*time.Second, func(c context.Context) error { a.stopReminders(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.reg != nil {
		errs = append(errs, a.reg.Close())
		a.reg = nil
	}
	return errors.Join(errs...)
}
