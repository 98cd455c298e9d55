package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "remindbot/pkg/logx"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_name   TEXT    NOT NULL,
	deadline    INTEGER NOT NULL,
	owner       INTEGER NOT NULL,
	finished    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	modified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_owner_deadline ON tasks(owner, deadline);
CREATE TABLE IF NOT EXISTS task_seq (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO task_seq(id, value) VALUES (1, 0);
`

// SQLite is a Store backed by a SQLite file. Mutations are serialized by mu
// and each one commits the new change sequence in the same transaction.
type SQLite struct {
	mu     sync.Mutex
	db     *sql.DB
	log    logx.Logger
	now    func() time.Time
	seq    uint64
	closed bool
	hub    hub
}

func OpenSQLite(path string, log logx.Logger) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tasks: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, p := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("tasks: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: migrate: %w", err)
	}
	s := &SQLite{db: db, log: log, now: time.Now}
	var seq int64
	if err := db.QueryRow(`SELECT value FROM task_seq WHERE id = 1`).Scan(&seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: read sequence: %w", err)
	}
	s.seq = uint64(seq)
	return s, nil
}

func (s *SQLite) Subscribe() *Feed { return s.hub.subscribe() }

func (s *SQLite) Create(ctx context.Context, in NewTask) (Task, error) {
	in, err := validateNew(in)
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrClosed
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	t := Task{Name: in.Name, Deadline: in.Deadline, Owner: in.Owner, CreatedAt: now, ModifiedAt: now}
	seq := s.seq

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(task_name, deadline, owner, finished, created_at, modified_at) VALUES(?,?,?,0,?,?)`,
			t.Name, t.Deadline.UnixMilli(), t.Owner, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return writeSeq(ctx, tx, seq+1)
	})
	if err != nil {
		return Task{}, err
	}
	s.hub.publish(events(&s.seq, Task{}, t, []Field{FieldCreated}, now))
	return t, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_name, deadline, owner, finished, created_at, modified_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != 0 {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.OnlyOpen {
		where = append(where, "finished = 0")
	}
	if !f.DueAfter.IsZero() {
		where = append(where, "deadline > ?")
		args = append(args, f.DueAfter.UnixMilli())
	}
	q := `SELECT id, task_name, deadline, owner, finished, created_at, modified_at FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY deadline, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, id int64, p Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, id, func(Task) Patch { return p })
}

func (s *SQLite) SetFinished(ctx context.Context, id int64, finished bool) (Task, error) {
	return s.Update(ctx, id, Patch{Finished: &finished})
}

func (s *SQLite) Toggle(ctx context.Context, id int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, id, func(cur Task) Patch {
		flipped := !cur.Finished
		return Patch{Finished: &flipped}
	})
}

func (s *SQLite) updateLocked(ctx context.Context, id int64, patchFor func(Task) Patch) (Task, error) {
	if s.closed {
		return Task{}, ErrClosed
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	next, fields, err := apply(cur, patchFor(cur))
	if err != nil {
		return Task{}, err
	}
	if len(fields) == 0 {
		return cur, nil
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	next.ModifiedAt = now
	seq := s.seq + uint64(len(fields))

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET task_name = ?, deadline = ?, finished = ?, modified_at = ? WHERE id = ?`,
			next.Name, next.Deadline.UnixMilli(), boolInt(next.Finished), now.UnixMilli(), id)
		if err != nil {
			return err
		}
		return writeSeq(ctx, tx, seq)
	})
	if err != nil {
		return Task{}, err
	}
	s.hub.publish(events(&s.seq, cur, next, fields, now))
	return next, nil
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	seq := s.seq
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return err
		}
		return writeSeq(ctx, tx, seq+1)
	})
	if err != nil {
		return err
	}
	s.hub.publish(events(&s.seq, cur, cur, []Field{FieldDeleted}, s.now().UTC()))
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func writeSeq(ctx context.Context, tx *sql.Tx, v uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE task_seq SET value = ? WHERE id = 1`, int64(v))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                               Task
		deadline, createdAt, modifiedAt int64
		finished                        int
	)
	if err := r.Scan(&t.ID, &t.Name, &deadline, &t.Owner, &finished, &createdAt, &modifiedAt); err != nil {
		return Task{}, err
	}
	t.Deadline = time.UnixMilli(deadline).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.ModifiedAt = time.UnixMilli(modifiedAt).UTC()
	t.Finished = finished != 0
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
