// Package handler contains the HTTP handlers for the task queue API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zkwaredao/gradeflow/internal/api/response"
	"github.com/zkwaredao/gradeflow/internal/store"
	"github.com/zkwaredao/gradeflow/internal/tasks"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// taskService aliases the concrete service; the handlers use a small slice
// of its surface and tests construct a real Service over fakes.
type taskService = *tasks.Service

func parsePriority(s string) (models.TaskPriority, error) {
	switch s {
	case "", "normal":
		return models.PriorityNormal, nil
	case "low":
		return models.PriorityLow, nil
	case "high":
		return models.PriorityHigh, nil
	case "urgent":
		return models.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// NewCreateTaskHandler returns the handler for POST /api/v1/tasks.
func NewCreateTaskHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name        string             `json:"name"`
			TaskType    string             `json:"task_type"`
			Description string             `json:"description"`
			InputData   map[string]any     `json:"input_data"`
			Priority    string             `json:"priority"`
			Config      *models.TaskConfig `json:"config"`
			CreatedBy   string             `json:"created_by"`
			DependsOn   []string           `json:"depends_on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.TaskType == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "task_type is required", nil)
			return
		}
		priority, err := parsePriority(req.Priority)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		task, err := svc.CreateTask(r.Context(), tasks.CreateTaskParams{
			Name:        req.Name,
			Type:        models.TaskType(req.TaskType),
			Description: req.Description,
			Input:       req.InputData,
			Priority:    priority,
			Config:      req.Config,
			CreatedBy:   req.CreatedBy,
			DependsOn:   req.DependsOn,
		})
		if err != nil {
			if errors.Is(err, tasks.ErrUnknownDependency) || errors.Is(err, tasks.ErrDependencyNotCompleted) {
				response.Error(w, http.StatusBadRequest, "INVALID_DEPENDENCY", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create task", nil)
			return
		}
		response.Created(w, task)
	}
}

// NewGetTaskHandler returns the handler for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load task", nil)
			return
		}
		response.JSON(w, task)
	}
}

// NewTaskProgressHandler returns the handler for GET /api/v1/tasks/{taskID}/progress.
func NewTaskProgressHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		progress, err := svc.GetTaskProgress(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load progress", nil)
			return
		}
		response.JSON(w, progress)
	}
}

// NewLifecycleHandler returns a handler for the pause/resume/cancel/retry
// actions. apply returns false when the task is unknown or the transition
// is invalid; both surface as 409 to the caller.
func NewLifecycleHandler(action string, apply func(taskID string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if !apply(taskID) {
			response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
				fmt.Sprintf("Cannot %s task in its current state", action), nil)
			return
		}
		response.JSON(w, map[string]any{"task_id": taskID, "action": action})
	}
}

// NewListTasksHandler returns the handler for GET /api/v1/tasks with
// optional status= and user= filters.
func NewListTasksHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var list []*models.Task
		switch {
		case r.URL.Query().Get("status") != "":
			list = svc.GetTasksByStatus(models.TaskStatus(r.URL.Query().Get("status")))
		case r.URL.Query().Get("user") != "":
			list = svc.GetTasksByUser(r.URL.Query().Get("user"))
		default:
			list = svc.GetAllTasks()
		}
		if list == nil {
			list = []*models.Task{}
		}
		response.Collection(w, list, len(list))
	}
}

// NewTaskHistoryHandler returns the handler for GET /api/v1/tasks/{taskID}/history.
func NewTaskHistoryHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := svc.ListTaskHistory(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load history", nil)
			return
		}
		if history == nil {
			history = []models.TaskHistory{}
		}
		response.Collection(w, history, len(history))
	}
}

// NewQueueStatusHandler returns the handler for GET /api/v1/queue/status.
func NewQueueStatusHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.QueueStatus())
	}
}

// NewStatsHandler returns the handler for GET /api/v1/stats.
func NewStatsHandler(svc taskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.GetSystemStats())
	}
}
