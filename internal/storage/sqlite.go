package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "remindbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteRegistry struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Registry, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps per-row writes strictly ordered.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// FULL: a committed job must survive power loss, not only a process crash.
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}

	r := &sqliteRegistry{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite registry opened", logx.String("path", path))
	return r, nil
}

func (r *sqliteRegistry) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRegistry) Put(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reminder_jobs(task_id, fire_at, state, epoch, updated_at, fired_at, last_error)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   fire_at=excluded.fire_at, state=excluded.state, epoch=excluded.epoch,
		   updated_at=excluded.updated_at, fired_at=excluded.fired_at, last_error=excluded.last_error`,
		job.TaskID, job.FireAt.UnixMilli(), string(job.State), int64(job.Epoch),
		job.UpdatedAt.UnixMilli(), msOrNull(job.FiredAt), nullStr(job.LastError),
	)
	return err
}

func (r *sqliteRegistry) Get(ctx context.Context, taskID int64) (Job, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT task_id, fire_at, state, epoch, updated_at, fired_at, last_error
		 FROM reminder_jobs WHERE task_id = ?`, taskID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (r *sqliteRegistry) Delete(ctx context.Context, taskID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminder_jobs WHERE task_id = ?`, taskID)
	return err
}

func (r *sqliteRegistry) ListScheduled(ctx context.Context) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_id, fire_at, state, epoch, updated_at, fired_at, last_error
		 FROM reminder_jobs WHERE state = ? ORDER BY fire_at, task_id`, string(StateScheduled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var fireAt any
	if !e.FireAt.IsZero() {
		fireAt = e.FireAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reminder_audit(at, task_id, action, epoch, fire_at, err) VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TaskID, e.Action, int64(e.Epoch), fireAt, nullStr(e.Error),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (Job, error) {
	var (
		j         Job
		fireAt    int64
		state     string
		epoch     int64
		updatedAt int64
		firedAt   sql.NullInt64
		lastErr   sql.NullString
	)
	if err := s.Scan(&j.TaskID, &fireAt, &state, &epoch, &updatedAt, &firedAt, &lastErr); err != nil {
		return Job{}, err
	}
	st, err := ParseState(state)
	if err != nil {
		return Job{}, err
	}
	j.State = st
	j.FireAt = fromMS(fireAt)
	j.Epoch = uint64(epoch)
	j.UpdatedAt = fromMS(updatedAt)
	if firedAt.Valid {
		j.FiredAt = fromMS(firedAt.Int64)
	}
	j.LastError = lastErr.String
	return j, nil
}
