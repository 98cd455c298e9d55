package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/tasks"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const historyKeep = 300

// Service sends reminders: rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	tasks  TaskSource
	bus    eventbus.Bus
	now    func() time.Time

	cfg     Config
	loc     *time.Location
	limiter *rate.Limiter

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, src TaskSource, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		tasks:  src,
		bus:    bus,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// WithClock replaces the clock used for dedup windows and history.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.TimeFormat) == "" {
		cfg.TimeFormat = DefaultTimeFormat
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid notifier timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.cfg = cfg
	s.loc = loc
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Notify sends the reminder for taskID to the task owner. It returns once
// the message is delivered, every attempt failed or ctx is done.
func (s *Service) Notify(ctx context.Context, taskID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	lim := s.limiter
	sender := s.sender
	src := s.tasks
	now := s.now
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if src == nil || sender == nil {
		return fmt.Errorf("notifier not wired")
	}

	t, err := src.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if t.Owner == 0 {
		return ErrNoRecipient
	}
	if t.Finished {
		s.log.Debug("task finished before delivery; not sending", logx.Int64("task_id", taskID))
		return nil
	}

	text := Render(t, loc, cfg.TimeFormat)
	key := dedupKey(t)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, now(), cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.publish(eventbus.NotifyDeduped, NotificationEvent{TaskID: taskID, ChatID: t.Owner, Key: key, At: now()})
		s.log.Info("reminder not sent: duplicate within dedup window", logx.Int64("task_id", taskID), logx.Duration("window", cfg.DedupWindow))
		return ErrDuplicate
	}

	to := transport.ChatTarget{ChatID: t.Owner}
	opts := &transport.SendOptions{DisablePreview: true}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, to, text, opts)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: now(), TaskID: taskID, ChatID: t.Owner, Text: text})
			s.publish(eventbus.NotifySent, NotificationEvent{TaskID: taskID, ChatID: t.Owner, Key: key, Attempts: attempt, At: now()})
			return nil
		}
		lastErr = err
		s.log.Debug("reminder send failed", logx.Int64("task_id", taskID), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if hint, ok := transport.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		if !sleepCtx(ctx, delay) {
			lastErr = ctx.Err()
			break
		}
	}

	// The send never went out; let a later attempt through the dedup window.
	s.forget(key)
	s.publish(eventbus.NotifyFailed, NotificationEvent{TaskID: taskID, ChatID: t.Owner, Key: key, Attempts: maxAttempts, At: now(), Error: lastErr.Error()})
	return fmt.Errorf("send reminder for task %d: %w", taskID, lastErr)
}

// Render formats the reminder text for t.
func Render(t tasks.Task, loc *time.Location, layout string) string {
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = DefaultTimeFormat
	}
	return fmt.Sprintf("⏰ Reminder: %s\nID: %d - Deadline: %s", t.Name, t.ID, t.Deadline.In(loc).Format(layout))
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyKeep {
		s.history = s.history[len(s.history)-historyKeep:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dedupKey covers the task and its deadline, so a moved deadline is a new reminder.
func dedupKey(t tasks.Task) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%d|%d|%d", t.ID, t.Owner, t.Deadline.UnixMilli())))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, now time.Time, window time.Duration, max int) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
