// Package api assembles the HTTP surface for collaborator and ops clients.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/zkwaredao/gradeflow/internal/api/middleware"
	"github.com/zkwaredao/gradeflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateTaskHandler   http.HandlerFunc
	GetTaskHandler      http.HandlerFunc
	TaskProgressHandler http.HandlerFunc
	TaskHistoryHandler  http.HandlerFunc
	ListTasksHandler    http.HandlerFunc
	PauseTaskHandler    http.HandlerFunc
	ResumeTaskHandler   http.HandlerFunc
	CancelTaskHandler   http.HandlerFunc
	RetryTaskHandler    http.HandlerFunc

	QueueStatusHandler     http.HandlerFunc
	StatsHandler           http.HandlerFunc
	ModelMetricsHandler    http.HandlerFunc
	MonitorOverviewHandler http.HandlerFunc
	CostAnalysisHandler    http.HandlerFunc
	AlertsHandler          http.HandlerFunc
	ResolveAlertHandler    http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/tasks", orNotImplemented(deps.CreateTaskHandler))
		r.Get("/api/v1/tasks", orNotImplemented(deps.ListTasksHandler))
		r.Get("/api/v1/tasks/{taskID}", orNotImplemented(deps.GetTaskHandler))
		r.Get("/api/v1/tasks/{taskID}/progress", orNotImplemented(deps.TaskProgressHandler))
		r.Get("/api/v1/tasks/{taskID}/history", orNotImplemented(deps.TaskHistoryHandler))
		r.Post("/api/v1/tasks/{taskID}/pause", orNotImplemented(deps.PauseTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/resume", orNotImplemented(deps.ResumeTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/cancel", orNotImplemented(deps.CancelTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/retry", orNotImplemented(deps.RetryTaskHandler))

		r.Get("/api/v1/queue/status", orNotImplemented(deps.QueueStatusHandler))
		r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))
		r.Get("/api/v1/models/metrics", orNotImplemented(deps.ModelMetricsHandler))

		r.Get("/api/v1/monitor/overview", orNotImplemented(deps.MonitorOverviewHandler))
		r.Get("/api/v1/monitor/costs", orNotImplemented(deps.CostAnalysisHandler))
		r.Get("/api/v1/monitor/alerts", orNotImplemented(deps.AlertsHandler))
		r.Post("/api/v1/monitor/alerts/{alertID}/resolve", orNotImplemented(deps.ResolveAlertHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
