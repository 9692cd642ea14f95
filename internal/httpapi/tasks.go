package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/companion/internal/backend"
)

var validPriorities = map[string]bool{"": true, "low": true, "medium": true, "high": true}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Backend.ListTasks(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if tasks == nil {
		tasks = []backend.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req backend.NewTask
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))
	if req.Task == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "task is required")
		return
	}
	if !validPriorities[req.Priority] {
		respondError(w, http.StatusBadRequest, "invalid_request", "priority must be low, medium or high")
		return
	}
	res, err := s.deps.Backend.CreateTask(r.Context(), req)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Backend.CompleteTask(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Backend.DeleteTask(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req backend.TaskSchedule
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.DueDate) == "" && strings.TrimSpace(req.ReminderTime) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "due_date or reminder_time is required")
		return
	}
	res, err := s.deps.Backend.ScheduleTask(r.Context(), id, req)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil || !backend.ValidTaskID(id) {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "invalid task id")
		return "", false
	}
	return strings.TrimSpace(id), true
}
