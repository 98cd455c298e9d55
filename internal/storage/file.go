package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "remindbot/pkg/logx"
)

const compactEvery = 500

// fileRegistry keeps jobs in memory, backed by a JSON snapshot plus an
// append-only journal. Each journal record is fsynced before the write returns.
type fileRegistry struct {
	mu  sync.Mutex
	log logx.Logger

	snapshotPath string
	journal      *os.File
	audit        *os.File

	jobs   map[int64]Job
	writes int
}

type journalRecord struct {
	Op  string `json:"op"` // "put" | "del"
	Job Job    `json:"job"`
}

func openFile(cfg Config, log logx.Logger) (Registry, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./data/registry"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	r := &fileRegistry{
		log:          log,
		snapshotPath: filepath.Join(dir, "jobs.snapshot.json"),
		jobs:         map[int64]Job{},
	}
	journalPath := filepath.Join(dir, "jobs.journal.jsonl")

	if err := loadSnapshot(r.snapshotPath, r.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, r.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	r.journal = jf
	r.audit = af
	log.Debug("file registry opened", logx.String("dir", dir), logx.Int("jobs", len(r.jobs)))
	return r, nil
}

func (r *fileRegistry) Put(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(journalRecord{Op: "put", Job: job}); err != nil {
		return err
	}
	r.jobs[job.TaskID] = job
	r.maybeCompactLocked()
	return nil
}

func (r *fileRegistry) Get(ctx context.Context, taskID int64) (Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.journal == nil {
		return Job{}, false, ErrClosed
	}
	j, ok := r.jobs[taskID]
	return j, ok, nil
}

func (r *fileRegistry) Delete(ctx context.Context, taskID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[taskID]; !ok {
		return nil
	}
	if err := r.appendLocked(journalRecord{Op: "del", Job: Job{TaskID: taskID}}); err != nil {
		return err
	}
	delete(r.jobs, taskID)
	r.maybeCompactLocked()
	return nil
}

func (r *fileRegistry) ListScheduled(ctx context.Context) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.journal == nil {
		return nil, ErrClosed
	}
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j.State == StateScheduled {
			out = append(out, j)
		}
	}
	sortByFireAt(out)
	return out, nil
}

func (r *fileRegistry) AppendAudit(ctx context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(r.audit).Encode(e)
}

func (r *fileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.journal != nil {
		errs = append(errs, r.journal.Close())
		r.journal = nil
	}
	if r.audit != nil {
		errs = append(errs, r.audit.Close())
		r.audit = nil
	}
	return errors.Join(errs...)
}

func (r *fileRegistry) appendLocked(rec journalRecord) error {
	if r.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := r.journal.Write(b); err != nil {
		return err
	}
	return r.journal.Sync()
}

func (r *fileRegistry) maybeCompactLocked() {
	r.writes++
	if r.writes%compactEvery != 0 {
		return
	}
	if err := r.compactLocked(); err != nil {
		r.log.Warn("registry compaction failed", logx.Err(err))
	}
}

// compactLocked writes a fresh snapshot and truncates the journal.
// The snapshot is renamed into place before truncation, so a crash in
// between only replays records that are already in the snapshot.
func (r *fileRegistry) compactLocked() error {
	tmp := r.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		list = append(list, j)
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		return err
	}
	if err := r.journal.Truncate(0); err != nil {
		return err
	}
	_, err = r.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[int64]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Job
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, j := range list {
		out[j.TaskID] = j
	}
	return nil
}

func replayJournal(path string, out map[int64]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec journalRecord
		// A torn final line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "put":
			out[rec.Job.TaskID] = rec.Job
		case "del":
			delete(out, rec.Job.TaskID)
		}
	}
	return sc.Err()
}
