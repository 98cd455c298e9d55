package storage

import (
	"context"
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

// Registry is the durable task id -> Job mapping.
type Registry interface {
	Put(ctx context.Context, job Job) error
	Get(ctx context.Context, taskID int64) (job Job, ok bool, err error)
	Delete(ctx context.Context, taskID int64) error
	// ListScheduled returns every job in StateScheduled ordered by fire time.
	ListScheduled(ctx context.Context) ([]Job, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured driver. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Registry, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
