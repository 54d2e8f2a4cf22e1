// Package monitor records per-call metrics for model backends, raises
// threshold alerts, and periodically snapshots its state to disk.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the severity of a raised alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// CallRecord is one observed model call.
type CallRecord struct {
	RequestID    string        `json:"request_id"`
	ModelID      string        `json:"model_id"`
	TaskID       string        `json:"task_id,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorType    string        `json:"error_type,omitempty"`
	PromptTokens int           `json:"prompt_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Cost         float64       `json:"cost"`
	QualityScore float64       `json:"quality_score,omitempty"`
}

// Alert is a raised threshold violation.
type Alert struct {
	ID         string         `json:"id"`
	Level      AlertLevel     `json:"level"`
	Metric     string         `json:"metric"`
	ModelID    string         `json:"model_id,omitempty"`
	Message    string         `json:"message"`
	Value      float64        `json:"value"`
	Threshold  float64        `json:"threshold"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AlertCallback receives every raised alert. Callbacks are best-effort;
// panics are recovered and logged, never propagated to the recording caller.
type AlertCallback func(Alert)

// modelStats is maintained incrementally on Record, never recomputed from
// the ring buffer.
type modelStats struct {
	TotalCalls    int           `json:"total_calls"`
	FailedCalls   int           `json:"failed_calls"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalTokens   int           `json:"total_tokens"`
	TotalCost     float64       `json:"total_cost"`
	LastCall      time.Time     `json:"last_call"`
}

// Config bounds the monitor's buffers and sets alert thresholds.
type Config struct {
	MaxRecords            int
	MaxAlerts             int
	ResponseTimeThreshold time.Duration
	ErrorRateThreshold    float64
	HourlyCostThreshold   float64
	SnapshotFile          string
}

// Monitor is the in-process metrics collector. Safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	records   []CallRecord
	alerts    []Alert
	stats     map[string]*modelStats
	callbacks []AlertCallback
	startedAt time.Time
}

// New creates a Monitor with the given config. Zero-valued limits fall back
// to sensible defaults.
func New(cfg Config) *Monitor {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 500
	}
	if cfg.ResponseTimeThreshold <= 0 {
		cfg.ResponseTimeThreshold = 30 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.1
	}
	if cfg.HourlyCostThreshold <= 0 {
		cfg.HourlyCostThreshold = 10.0
	}
	return &Monitor{
		cfg:       cfg,
		stats:     make(map[string]*modelStats),
		startedAt: time.Now().UTC(),
	}
}

// OnAlert registers a callback invoked for every raised alert.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Record folds one call into the buffers and aggregates, then checks alert
// thresholds synchronously.
func (m *Monitor) Record(rec CallRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()

	m.records = append(m.records, rec)
	if len(m.records) > m.cfg.MaxRecords {
		m.records = m.records[len(m.records)-m.cfg.MaxRecords:]
	}

	s, ok := m.stats[rec.ModelID]
	if !ok {
		s = &modelStats{}
		m.stats[rec.ModelID] = s
	}
	s.TotalCalls++
	if !rec.Success {
		s.FailedCalls++
	}
	s.TotalDuration += rec.Duration
	s.TotalTokens += rec.TotalTokens
	s.TotalCost += rec.Cost
	s.LastCall = rec.Timestamp

	raised := m.checkThresholdsLocked(rec, s)
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, alert := range raised {
		for _, cb := range callbacks {
			m.invoke(cb, alert)
		}
	}
}

func (m *Monitor) invoke(cb AlertCallback, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alert callback panicked", "alert_id", alert.ID, "panic", r)
		}
	}()
	cb(alert)
}

func (m *Monitor) checkThresholdsLocked(rec CallRecord, s *modelStats) []Alert {
	var raised []Alert

	if rec.Duration > m.cfg.ResponseTimeThreshold {
		raised = append(raised, m.raiseLocked(Alert{
			Level:     AlertWarning,
			Metric:    "response_time",
			ModelID:   rec.ModelID,
			Message:   "model response time above threshold",
			Value:     rec.Duration.Seconds(),
			Threshold: m.cfg.ResponseTimeThreshold.Seconds(),
		}))
	}

	// Error rate only meaningful once a model has some history.
	if s.TotalCalls >= 10 {
		errorRate := float64(s.FailedCalls) / float64(s.TotalCalls)
		if errorRate > m.cfg.ErrorRateThreshold {
			raised = append(raised, m.raiseLocked(Alert{
				Level:     AlertCritical,
				Metric:    "error_rate",
				ModelID:   rec.ModelID,
				Message:   "model error rate above threshold",
				Value:     errorRate,
				Threshold: m.cfg.ErrorRateThreshold,
			}))
		}
	}

	if hourCost := m.costSinceLocked(time.Now().Add(-time.Hour)); hourCost > m.cfg.HourlyCostThreshold {
		raised = append(raised, m.raiseLocked(Alert{
			Level:     AlertWarning,
			Metric:    "hourly_cost",
			Message:   "hourly spend above threshold",
			Value:     hourCost,
			Threshold: m.cfg.HourlyCostThreshold,
		}))
	}

	return raised
}

func (m *Monitor) raiseLocked(alert Alert) Alert {
	alert.ID = uuid.New().String()
	alert.Timestamp = time.Now().UTC()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}
	slog.Warn("alert raised", "metric", alert.Metric, "model_id", alert.ModelID, "value", alert.Value, "threshold", alert.Threshold)
	return alert
}

func (m *Monitor) costSinceLocked(since time.Time) float64 {
	total := 0.0
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Timestamp.Before(since) {
			break
		}
		total += m.records[i].Cost
	}
	return total
}

// ModelMetrics is a windowed view of one model's calls.
type ModelMetrics struct {
	ModelID             string        `json:"model_id"`
	Window              time.Duration `json:"window"`
	Calls               int           `json:"calls"`
	Failures            int           `json:"failures"`
	ErrorRate           float64       `json:"error_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	TotalTokens         int           `json:"total_tokens"`
	TotalCost           float64       `json:"total_cost"`
}

// GetModelMetrics aggregates the calls of one model inside the window.
func (m *Monitor) GetModelMetrics(modelID string, window time.Duration) ModelMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := ModelMetrics{ModelID: modelID, Window: window}
	since := time.Now().Add(-window)
	var totalDur time.Duration
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.Timestamp.Before(since) {
			break
		}
		if rec.ModelID != modelID {
			continue
		}
		out.Calls++
		if !rec.Success {
			out.Failures++
		}
		totalDur += rec.Duration
		out.TotalTokens += rec.TotalTokens
		out.TotalCost += rec.Cost
	}
	if out.Calls > 0 {
		out.ErrorRate = float64(out.Failures) / float64(out.Calls)
		out.AverageResponseTime = totalDur / time.Duration(out.Calls)
	}
	return out
}

// GetSystemOverview returns rollups over the last hour and day plus lifetime
// per-model aggregates.
func (m *Monitor) GetSystemOverview() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rollup := func(since time.Time) map[string]any {
		calls, failures, tokens := 0, 0, 0
		cost := 0.0
		var dur time.Duration
		for i := len(m.records) - 1; i >= 0; i-- {
			rec := m.records[i]
			if rec.Timestamp.Before(since) {
				break
			}
			calls++
			if !rec.Success {
				failures++
			}
			tokens += rec.TotalTokens
			cost += rec.Cost
			dur += rec.Duration
		}
		out := map[string]any{
			"calls":      calls,
			"failures":   failures,
			"tokens":     tokens,
			"total_cost": cost,
		}
		if calls > 0 {
			out["error_rate"] = float64(failures) / float64(calls)
			out["average_response_time_seconds"] = (dur / time.Duration(calls)).Seconds()
		}
		return out
	}

	perModel := make(map[string]any, len(m.stats))
	for id, s := range m.stats {
		avg := time.Duration(0)
		if s.TotalCalls > 0 {
			avg = s.TotalDuration / time.Duration(s.TotalCalls)
		}
		perModel[id] = map[string]any{
			"total_calls":                   s.TotalCalls,
			"failed_calls":                  s.FailedCalls,
			"average_response_time_seconds": avg.Seconds(),
			"total_tokens":                  s.TotalTokens,
			"total_cost":                    s.TotalCost,
			"last_call":                     s.LastCall,
		}
	}

	active := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			active++
		}
	}

	return map[string]any{
		"uptime_seconds": time.Since(m.startedAt).Seconds(),
		"last_hour":      rollup(now.Add(-time.Hour)),
		"last_day":       rollup(now.Add(-24 * time.Hour)),
		"models":         perModel,
		"active_alerts":  active,
		"record_count":   len(m.records),
	}
}

// CostAnalysis summarizes spend per model plus a naive monthly projection
// from the last day's run rate.
type CostAnalysis struct {
	TotalCost        float64                   `json:"total_cost"`
	LastDayCost      float64                   `json:"last_day_cost"`
	ProjectedMonthly float64                   `json:"projected_monthly_cost"`
	PerModel         map[string]ModelCostEntry `json:"per_model"`
}

// ModelCostEntry is one model's cost rollup.
type ModelCostEntry struct {
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int     `json:"total_tokens"`
	CostPerCall  float64 `json:"cost_per_call"`
	CostPerToken float64 `json:"cost_per_token"`
}

// GetCostAnalysis computes per-model cost efficiency and projects monthly
// spend from the last 24 hours.
func (m *Monitor) GetCostAnalysis() CostAnalysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := CostAnalysis{PerModel: make(map[string]ModelCostEntry, len(m.stats))}
	for id, s := range m.stats {
		entry := ModelCostEntry{TotalCost: s.TotalCost, TotalTokens: s.TotalTokens}
		if s.TotalCalls > 0 {
			entry.CostPerCall = s.TotalCost / float64(s.TotalCalls)
		}
		if s.TotalTokens > 0 {
			entry.CostPerToken = s.TotalCost / float64(s.TotalTokens)
		}
		out.PerModel[id] = entry
		out.TotalCost += s.TotalCost
	}
	out.LastDayCost = m.costSinceLocked(time.Now().Add(-24 * time.Hour))
	out.ProjectedMonthly = out.LastDayCost * 30
	return out
}

// GetAlerts returns alerts, newest first. When activeOnly is set, resolved
// alerts are filtered out.
func (m *Monitor) GetAlerts(activeOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if activeOnly && m.alerts[i].Resolved {
			continue
		}
		out = append(out, m.alerts[i])
	}
	return out
}

// ResolveAlert marks an alert resolved. Returns false if the id is unknown.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			if !m.alerts[i].Resolved {
				now := time.Now().UTC()
				m.alerts[i].Resolved = true
				m.alerts[i].ResolvedAt = &now
			}
			return true
		}
	}
	return false
}

// RecordCount returns how many call records are currently buffered.
func (m *Monitor) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type snapshot struct {
	TakenAt time.Time             `json:"taken_at"`
	Records []CallRecord          `json:"records"`
	Alerts  []Alert               `json:"alerts"`
	Stats   map[string]modelStats `json:"stats"`
}

// Snapshot writes the recent records, alerts, and aggregates to the
// configured snapshot file. No-op when no file is configured.
func (m *Monitor) Snapshot() error {
	if m.cfg.SnapshotFile == "" {
		return nil
	}

	m.mu.Lock()
	snap := snapshot{
		TakenAt: time.Now().UTC(),
		Records: append([]CallRecord{}, m.records...),
		Alerts:  append([]Alert{}, m.alerts...),
		Stats:   make(map[string]modelStats, len(m.stats)),
	}
	for id, s := range m.stats {
		snap.Stats[id] = *s
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SnapshotFile, data, 0o644)
}

// Run snapshots on the given interval until ctx is cancelled. Snapshot
// failures are logged, never fatal.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Snapshot(); err != nil {
				slog.Error("monitor snapshot failed", "error", err)
			}
		}
	}
}
