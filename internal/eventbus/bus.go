package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder pipeline.
const (
	ReminderScheduled  = "reminder.scheduled"
	ReminderFired      = "reminder.fired"
	ReminderSuppressed = "reminder.suppressed"
	ReminderRemoved    = "reminder.removed"
	ReminderSkipped    = "reminder.skipped"

	NotifySent    = "notifier.sent"
	NotifyFailed  = "notifier.failed"
	NotifyDeduped = "notifier.deduped"

	EngineTaskStarted  = "engine.task.started"
	EngineTaskFinished = "engine.task.finished"
	EngineTaskFailed   = "engine.task.failed"
	EngineTaskSkipped  = "engine.task.skipped"
	EngineTaskDropped  = "engine.task.dropped"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; slow subscribers lose events. Anything that must not
// be lost (task change events) travels on its own feed, not on the bus.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Counter is implemented by buses that track dropped deliveries.
type Counter interface {
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel. Unsubscribe closes it; it is safe
// to call more than once.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
