package tasks

import (
	"context"
	"sync"
	"time"
)

// Feed is an unbounded, ordered queue of change events for one subscriber.
// Producers never block; the consumer drains at its own pace.
type Feed struct {
	mu      sync.Mutex
	buf     []ChangeEvent
	signal  chan struct{}
	closed  bool
	onClose func()
}

func newFeed(onClose func()) *Feed {
	return &Feed{signal: make(chan struct{}, 1), onClose: onClose}
}

func (f *Feed) push(evs ...ChangeEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.buf = append(f.buf, evs...)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the feed is closed and drained,
// or ctx is done.
func (f *Feed) Next(ctx context.Context) (ChangeEvent, error) {
	for {
		f.mu.Lock()
		if len(f.buf) > 0 {
			ev := f.buf[0]
			f.buf[0] = ChangeEvent{}
			f.buf = f.buf[1:]
			f.mu.Unlock()
			return ev, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return ChangeEvent{}, ErrFeedClosed
		}

		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case <-f.signal:
		}
	}
}

// Len reports the number of undelivered events.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Close stops intake. Buffered events remain readable.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// hub fans events out to feeds. Stores call publish while holding their
// write lock so subscribers see events in sequence order.
type hub struct {
	mu    sync.Mutex
	feeds map[*Feed]struct{}
}

func (h *hub) subscribe() *Feed {
	var f *Feed
	f = newFeed(func() {
		h.mu.Lock()
		delete(h.feeds, f)
		h.mu.Unlock()
	})
	h.mu.Lock()
	if h.feeds == nil {
		h.feeds = map[*Feed]struct{}{}
	}
	h.feeds[f] = struct{}{}
	h.mu.Unlock()
	return f
}

func (h *hub) publish(evs []ChangeEvent) {
	if len(evs) == 0 {
		return
	}
	h.mu.Lock()
	feeds := make([]*Feed, 0, len(h.feeds))
	for f := range h.feeds {
		feeds = append(feeds, f)
	}
	h.mu.Unlock()
	for _, f := range feeds {
		f.push(evs...)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	feeds := make([]*Feed, 0, len(h.feeds))
	for f := range h.feeds {
		feeds = append(feeds, f)
	}
	h.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
}

// events stamps one event per field with consecutive sequence numbers
// starting after *seq.
func events(seq *uint64, before, after Task, fields []Field, at time.Time) []ChangeEvent {
	out := make([]ChangeEvent, 0, len(fields))
	for _, fl := range fields {
		*seq++
		out = append(out, ChangeEvent{Seq: *seq, TaskID: after.ID, Field: fl, Before: before, After: after, At: at})
	}
	return out
}
