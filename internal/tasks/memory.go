package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	tasks  map[int64]Task
	nextID int64
	seq    uint64
	closed bool
	hub    hub
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, tasks: map[int64]Task{}}
}

// WithClock replaces the clock used for created/modified timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Subscribe() *Feed { return m.hub.subscribe() }

func (m *Memory) Create(ctx context.Context, in NewTask) (Task, error) {
	in, err := validateNew(in)
	if err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	now := m.now().UTC()
	m.nextID++
	t := Task{ID: m.nextID, Name: in.Name, Deadline: in.Deadline, Owner: in.Owner, CreatedAt: now, ModifiedAt: now}
	m.tasks[t.ID] = t
	m.hub.publish(events(&m.seq, Task{}, t, []Field{FieldCreated}, now))
	return t, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if matches(t, f) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].Deadline.Equal(out[k].Deadline) {
			return out[i].Deadline.Before(out[k].Deadline)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (m *Memory) Update(ctx context.Context, id int64, p Patch) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, p)
}

func (m *Memory) SetFinished(ctx context.Context, id int64, finished bool) (Task, error) {
	return m.Update(ctx, id, Patch{Finished: &finished})
}

func (m *Memory) Toggle(ctx context.Context, id int64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	flipped := !cur.Finished
	return m.updateLocked(id, Patch{Finished: &flipped})
}

func (m *Memory) updateLocked(id int64, p Patch) (Task, error) {
	if m.closed {
		return Task{}, ErrClosed
	}
	cur, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	next, fields, err := apply(cur, p)
	if err != nil {
		return Task{}, err
	}
	if len(fields) == 0 {
		return cur, nil
	}
	now := m.now().UTC()
	next.ModifiedAt = now
	m.tasks[id] = next
	m.hub.publish(events(&m.seq, cur, next, fields, now))
	return next, nil
}

func (m *Memory) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	m.hub.publish(events(&m.seq, cur, cur, []Field{FieldDeleted}, m.now().UTC()))
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.closeAll()
	return nil
}
