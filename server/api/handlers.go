// Package api implements the REST handlers for the task lifecycle.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tempusd/tempus/remind"
	"github.com/tempusd/tempus/task"
	"github.com/tempusd/tempus/timeauth"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks     *task.Service
	Scheduler *remind.Scheduler
	Clock     timeauth.Clock
	Logger    *slog.Logger
	Version   string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)

	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/giveup", h.giveUpTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", h.pauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", h.resumeTask)
	mux.HandleFunc("POST /api/tasks/{id}/snooze", h.snoozeTask)
	mux.HandleFunc("POST /api/tasks/{id}/reopen", h.reopenTask)
	mux.HandleFunc("POST /api/tasks/{id}/pomodoro", h.startPomodoro)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps the transition error taxonomy onto HTTP status
// codes so callers can tell retryable conflicts from permanent failures.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case task.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrForbidden):
		writeError(w, http.StatusForbidden, "task owned by another user")
	case errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, task.ErrConflict):
		writeError(w, http.StatusConflict, "task changed concurrently, re-fetch and retry")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// taskView is a Task plus its derived read-time fields.
type taskView struct {
	*task.Task
	RemainingSeconds int64 `json:"remaining_seconds"`
	TimeSpent        int64 `json:"time_spent"`
	IsOverdue        bool  `json:"is_overdue"`
}

func (h *Handlers) view(t *task.Task) taskView {
	now := h.Clock.Now()
	return taskView{
		Task:             t,
		RemainingSeconds: t.RemainingSeconds(now),
		TimeSpent:        t.TimeSpent(now),
		IsOverdue:        t.IsOverdue(now),
	}
}

func (h *Handlers) views(tasks []*task.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.view(t))
	}
	return out
}

// --- Task CRUD ---

type createTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Tags         []string `json:"tags"`
	ProjectID    string   `json:"project_id"`
	DeadlineSpec string   `json:"deadline_spec"`
	CanPause     *bool    `json:"can_pause"`
	CanSnooze    *bool    `json:"can_snooze"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Capability flags default to on.
	canPause, canSnooze := true, true
	if req.CanPause != nil {
		canPause = *req.CanPause
	}
	if req.CanSnooze != nil {
		canSnooze = *req.CanSnooze
	}

	t, err := h.Tasks.Create(r.Context(), UserID(r.Context()), task.CreateRequest{
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Tags:         req.Tags,
		ProjectID:    req.ProjectID,
		DeadlineSpec: req.DeadlineSpec,
		CanPause:     canPause,
		CanSnooze:    canSnooze,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(t))
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	var status *task.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := task.Status(s)
		status = &st
	}
	tasks, err := h.Tasks.List(UserID(r.Context()), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.views(tasks))
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

type updateTaskRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Priority    *int     `json:"priority"`
	Tags        []string `json:"tags"`
	ProjectID   *string  `json:"project_id"`
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.UpdateFields(r.Context(), r.PathValue("id"), UserID(r.Context()), task.UpdateFieldsRequest{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Tags:        req.Tags,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Delete(r.Context(), r.PathValue("id"), UserID(r.Context())); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Lifecycle transitions ---

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Complete(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

type giveUpRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) giveUpTask(w http.ResponseWriter, r *http.Request) {
	var req giveUpRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	t, err := h.Tasks.GiveUp(r.Context(), r.PathValue("id"), UserID(r.Context()), req.Reason)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) pauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Pause(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) resumeTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Resume(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handlers) snoozeTask(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.Snooze(r.Context(), r.PathValue("id"), UserID(r.Context()), req.Minutes)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) reopenTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Reopen(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(t))
}

// --- Focus sessions ---

type pomodoroRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func (h *Handlers) startPomodoro(w http.ResponseWriter, r *http.Request) {
	var req pomodoroRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 25 * 60
	}

	// Ownership check before touching the queue.
	t, err := h.Tasks.Get(r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if t.Status != task.StatusOngoing {
		writeError(w, http.StatusUnprocessableEntity, "focus sessions require an ongoing task")
		return
	}

	if err := h.Scheduler.SchedulePomodoro(t.ID, t.UserID, req.DurationSeconds); err != nil {
		// Best-effort: scheduling failure never blocks the caller's flow.
		h.Logger.Error("schedule pomodoro", slog.String("task_id", t.ID), slog.Any("err", err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":          t.ID,
		"duration_seconds": req.DurationSeconds,
	})
}

// --- Version ---

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
