package tasks

import (
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

type Config struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// Open returns the configured Store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, log.With(logx.String("store", "tasks")))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown task store driver: " + driver)
	}
}
