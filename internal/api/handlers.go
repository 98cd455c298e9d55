package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"remindbot/internal/storage"
	"remindbot/internal/tasks"
	logx "remindbot/pkg/logx"
)

const maxBody = 64 << 10

type createTaskRequest struct {
	Name     string    `json:"task_name"`
	Deadline time.Time `json:"deadline"`
}

type updateTaskRequest struct {
	Name     *string    `json:"task_name"`
	Deadline *time.Time `json:"deadline"`
	Finished *bool      `json:"finished"`
}

type reminderResponse struct {
	TaskID    int64         `json:"task_id"`
	State     storage.State `json:"state"`
	FireAt    time.Time     `json:"fire_at"`
	Epoch     uint64        `json:"epoch"`
	UpdatedAt time.Time     `json:"updated_at"`
	FiredAt   *time.Time    `json:"fired_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestIDFrom(r.Context())})
}

func decodeJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	return sonic.Unmarshal(b, v)
}

// taskError maps store errors to responses. Foreign tasks look missing.
func (s *Server) taskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, tasks.ErrForbidden):
		writeError(w, r, http.StatusNotFound, tasks.ErrNotFound.Error())
	case errors.Is(err, tasks.ErrInvalidTask):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("task request failed", logx.String("rid", requestIDFrom(r.Context())), logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// ownedTask loads {id} and checks it belongs to the caller.
func (s *Server) ownedTask(r *http.Request) (tasks.Task, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return tasks.Task{}, tasks.ErrNotFound
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !t.OwnedBy(userFrom(r.Context())) {
		return tasks.Task{}, tasks.ErrForbidden
	}
	return t, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := tasks.Filter{Owner: userFrom(r.Context())}
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); !all {
		f.OnlyOpen = true
		f.DueAfter = s.now()
	}
	list, err := s.tasks.List(r.Context(), f)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := s.tasks.Create(r.Context(), tasks.NewTask{Name: req.Name, Deadline: req.Deadline, Owner: userFrom(r.Context())})
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err = s.tasks.Update(r.Context(), t.ID, tasks.Patch{Name: req.Name, Deadline: req.Deadline, Finished: req.Finished})
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) toggleTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	t, err = s.tasks.Toggle(r.Context(), t.ID)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	if err := s.tasks.Delete(r.Context(), t.ID); err != nil {
		s.taskError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		s.taskError(w, r, err)
		return
	}
	if s.jobs == nil {
		writeError(w, r, http.StatusNotFound, "reminders disabled")
		return
	}
	job, ok, err := s.jobs.Job(r.Context(), t.ID)
	if err != nil {
		s.log.Error("reminder lookup failed", logx.Int64("task_id", t.ID), logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "no reminder for task")
		return
	}
	resp := reminderResponse{
		TaskID:    job.TaskID,
		State:     job.State,
		FireAt:    job.FireAt,
		Epoch:     job.Epoch,
		UpdatedAt: job.UpdatedAt,
		LastError: job.LastError,
	}
	if !job.FiredAt.IsZero() {
		fa := job.FiredAt
		resp.FiredAt = &fa
	}
	writeJSON(w, http.StatusOK, resp)
}
