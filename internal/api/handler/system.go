package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zkwaredao/gradeflow/internal/api/response"
	"github.com/zkwaredao/gradeflow/internal/llm"
	"github.com/zkwaredao/gradeflow/internal/monitor"
	"github.com/zkwaredao/gradeflow/internal/retry"
)

// Pinger is anything with a connectivity check; the store and cache both
// qualify.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health. Degraded
// dependencies turn the overall status to "degraded" with a 503.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		components := map[string]string{"database": "ok", "cache": "ok"}
		healthy := true
		if err := db.Ping(ctx); err != nil {
			components["database"] = err.Error()
			healthy = false
		}
		if err := cache.Ping(ctx); err != nil {
			components["cache"] = err.Error()
			healthy = false
		}

		body := map[string]any{
			"status":     "ok",
			"components": components,
		}
		if !healthy {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more dependencies are unhealthy", components)
			return
		}
		response.JSON(w, body)
	}
}

// NewModelMetricsHandler returns the handler for GET /api/v1/models/metrics:
// the registry summary, rolling per-model metrics, and retry statistics.
func NewModelMetricsHandler(manager *llm.Manager, retrier *retry.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string]any{
			"registry":    manager.Summary(),
			"performance": manager.AllMetrics(),
			"retries":     retrier.AllStats(),
		})
	}
}

// NewMonitorOverviewHandler returns the handler for GET /api/v1/monitor/overview.
func NewMonitorOverviewHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, mon.GetSystemOverview())
	}
}

// NewCostAnalysisHandler returns the handler for GET /api/v1/monitor/costs.
func NewCostAnalysisHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, mon.GetCostAnalysis())
	}
}

// NewAlertsHandler returns the handler for GET /api/v1/monitor/alerts with
// an optional active=true filter.
func NewAlertsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alerts := mon.GetAlerts(r.URL.Query().Get("active") == "true")
		response.Collection(w, alerts, len(alerts))
	}
}

// NewResolveAlertHandler returns the handler for POST /api/v1/monitor/alerts/{alertID}/resolve.
func NewResolveAlertHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID := chi.URLParam(r, "alertID")
		if !mon.ResolveAlert(alertID) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
			return
		}
		response.JSON(w, map[string]any{"alert_id": alertID, "resolved": true})
	}
}
