package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local registry. It is not durable.
type Memory struct {
	mu     sync.Mutex
	jobs   map[int64]Job
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory {
	return &Memory{jobs: map[int64]Job{}}
}

func (m *Memory) Put(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.jobs[job.TaskID] = job
	return nil
}

func (m *Memory) Get(ctx context.Context, taskID int64) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Job{}, false, ErrClosed
	}
	j, ok := m.jobs[taskID]
	return j, ok, nil
}

func (m *Memory) Delete(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.jobs, taskID)
	return nil
}

func (m *Memory) ListScheduled(ctx context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State == StateScheduled {
			out = append(out, j)
		}
	}
	sortByFireAt(out)
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > 1000 {
		m.audit = m.audit[len(m.audit)-1000:]
	}
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortByFireAt(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].FireAt.Equal(jobs[k].FireAt) {
			return jobs[i].FireAt.Before(jobs[k].FireAt)
		}
		return jobs[i].TaskID < jobs[k].TaskID
	})
}
