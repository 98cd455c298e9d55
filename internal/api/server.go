// Package api serves the task HTTP API.
//
// Every task route acts for the user named by the X-User-ID header; a task
// owned by someone else is reported as missing. When a token is configured
// requests must carry it as a bearer token.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"remindbot/internal/storage"
	"remindbot/internal/tasks"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	Addr           string
	Token          string
	AllowedOrigins []string
	// Pprof mounts net/http/pprof under /debug behind the bearer token.
	Pprof bool
}

// JobReader exposes reminder state.
type JobReader interface {
	Job(ctx context.Context, taskID int64) (storage.Job, bool, error)
}

type Server struct {
	cfg   Config
	log   logx.Logger
	tasks tasks.Store
	jobs  JobReader
	now   func() time.Time

	ready atomic.Bool
	srv   *http.Server
}

func New(cfg Config, store tasks.Store, jobs JobReader, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	return &Server{cfg: cfg, log: log, tasks: store, jobs: jobs, now: time.Now}
}

// SetReady flips /readyz. The app marks ready once reminders are reconciled.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	if s.cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Use(requireUser)
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Patch("/", s.updateTask)
			r.Delete("/", s.deleteTask)
			r.Post("/toggle", s.toggleTask)
			r.Get("/reminder", s.getReminder)
		})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown", logx.Err(err))
		}
		<-errCh
		return nil
	}
}
