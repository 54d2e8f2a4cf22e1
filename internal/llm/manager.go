// Package llm maintains the registry of model backends, tracks rolling
// per-model performance, and selects a model per request under a
// configurable load-balancing strategy.
package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Strategy is the load-balancing policy used to reduce the candidate set
// to one model.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeightedRandom   Strategy = "weighted_random"
	StrategyLeastLoaded      Strategy = "least_loaded"
	StrategyPerformanceBased Strategy = "performance_based"
	StrategyCostOptimized    Strategy = "cost_optimized"
)

// SelectPriority is the per-request hint used by the performance_based strategy.
type SelectPriority string

const (
	PrioritySpeed    SelectPriority = "speed"
	PriorityQuality  SelectPriority = "quality"
	PriorityCost     SelectPriority = "cost"
	PriorityBalanced SelectPriority = "balanced"
)

const (
	emaAlpha             = 0.1
	quarantineMinCalls   = 10
	quarantineFloor      = 0.3
	recoveryThreshold    = 0.7
	idleDemotionAge      = time.Hour
	idleDemotionFloor    = 0.5
	costQualityFloor     = 0.6
	defaultMaxConcurrent = 5
)

// PerformanceMetrics holds rolling per-model statistics. Created lazily on
// registration, updated after every completed call, never deleted.
type PerformanceMetrics struct {
	ModelID             string        `json:"model_id"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	AverageQualityScore float64       `json:"average_quality_score"`
	TotalRequests       int           `json:"total_requests"`
	FailedRequests      int           `json:"failed_requests"`
	TotalCost           float64       `json:"total_cost"`
	LastUpdated         time.Time     `json:"last_updated"`
}

func (pm *PerformanceMetrics) update(responseTime time.Duration, qualityScore, cost float64, success bool) {
	pm.TotalRequests++
	if !success {
		pm.FailedRequests++
	}

	// Success rate is an exact lifetime ratio, not an EMA.
	pm.SuccessRate = float64(pm.TotalRequests-pm.FailedRequests) / float64(pm.TotalRequests)

	if pm.AverageResponseTime == 0 {
		pm.AverageResponseTime = responseTime
	} else {
		pm.AverageResponseTime = time.Duration((1-emaAlpha)*float64(pm.AverageResponseTime) + emaAlpha*float64(responseTime))
	}

	if success && qualityScore > 0 {
		if pm.AverageQualityScore == 0 {
			pm.AverageQualityScore = qualityScore
		} else {
			pm.AverageQualityScore = (1-emaAlpha)*pm.AverageQualityScore + emaAlpha*qualityScore
		}
	}

	pm.TotalCost += cost
	pm.LastUpdated = time.Now().UTC()
}

// EfficiencyScore combines quality, speed, cost, and reliability into one
// [0,1] value: quality*0.3 + speed*0.2 + cost*0.2 + success*0.3.
func (pm *PerformanceMetrics) EfficiencyScore() float64 {
	if pm.TotalCost == 0 || pm.AverageResponseTime == 0 {
		return 0
	}

	quality := clamp01(pm.AverageQualityScore)
	respSecs := pm.AverageResponseTime.Seconds()
	speed := clampRange(10.0/respSecs, 0.1, 1.0)
	avgCost := pm.TotalCost / float64(max(pm.TotalRequests, 1))
	cost := clampRange(0.01/avgCost, 0.1, 1.0)

	return quality*0.3 + speed*0.2 + cost*0.2 + pm.SuccessRate*0.3
}

// Manager is the model registry and selector. Safe for concurrent use;
// metrics updates and selection share one coarse lock, while per-model
// semaphores bound actual in-flight calls independently.
type Manager struct {
	mu       sync.Mutex
	models   map[string]*models.ModelConfig
	metrics  map[string]*PerformanceMetrics
	sems     map[string]*semaphore.Weighted
	inflight map[string]int64
	order    []string // registration order, for deterministic iteration
	strategy Strategy
	rrIndex  int
	rng      *rand.Rand
}

// NewManager creates an empty Manager with the given strategy.
func NewManager(strategy Strategy) *Manager {
	if strategy == "" {
		strategy = StrategyPerformanceBased
	}
	return &Manager{
		models:   make(map[string]*models.ModelConfig),
		metrics:  make(map[string]*PerformanceMetrics),
		sems:     make(map[string]*semaphore.Weighted),
		inflight: make(map[string]int64),
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a model to the registry and marks it available. Registering
// an existing id replaces its config but keeps accumulated metrics.
func (m *Manager) Register(model *models.ModelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model.MaxConcurrent <= 0 {
		model.MaxConcurrent = defaultMaxConcurrent
	}
	model.Status = models.ModelAvailable
	model.IsAvailable = true

	if _, seen := m.models[model.ID]; !seen {
		m.order = append(m.order, model.ID)
		m.metrics[model.ID] = &PerformanceMetrics{ModelID: model.ID}
		m.sems[model.ID] = semaphore.NewWeighted(model.MaxConcurrent)
	}
	m.models[model.ID] = model

	slog.Info("model registered", "model_id", model.ID, "provider", model.Provider, "max_concurrent", model.MaxConcurrent)
}

// SetStrategy switches the active load-balancing strategy.
func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = s
}

// AvailableModels returns models that are available and, when taskType is
// non-empty, support it. Returned in registration order.
func (m *Manager) AvailableModels(taskType models.TaskType) []*models.ModelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(taskType)
}

func (m *Manager) availableLocked(taskType models.TaskType) []*models.ModelConfig {
	var out []*models.ModelConfig
	for _, id := range m.order {
		model := m.models[id]
		if model.Status != models.ModelAvailable {
			continue
		}
		if taskType != "" && !model.SupportsTask(taskType) {
			continue
		}
		out = append(out, model)
	}
	return out
}

// SelectOptimalModel filters the registry to models that are available,
// support the task type, can handle the content size, and are not excluded,
// then applies the active strategy. Returns nil when no candidate remains;
// callers must handle nil.
func (m *Manager) SelectOptimalModel(taskType models.TaskType, contentSize int, priority SelectPriority, exclude []string) *models.ModelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var candidates []*models.ModelConfig
	for _, model := range m.availableLocked(taskType) {
		if excluded[model.ID] || !model.CanHandleContentSize(contentSize) {
			continue
		}
		candidates = append(candidates, model)
	}

	if len(candidates) == 0 {
		slog.Warn("no available model", "task_type", taskType, "content_size", contentSize)
		return nil
	}

	switch m.strategy {
	case StrategyRoundRobin:
		return m.selectRoundRobin(candidates)
	case StrategyWeightedRandom:
		return m.selectWeightedRandom(candidates)
	case StrategyLeastLoaded:
		return m.selectLeastLoaded(candidates)
	case StrategyCostOptimized:
		return m.selectCostOptimized(candidates)
	case StrategyPerformanceBased:
		return m.selectPerformanceBased(candidates, priority)
	default:
		return candidates[0]
	}
}

func (m *Manager) selectRoundRobin(candidates []*models.ModelConfig) *models.ModelConfig {
	selected := candidates[m.rrIndex%len(candidates)]
	m.rrIndex++
	return selected
}

func (m *Manager) selectWeightedRandom(candidates []*models.ModelConfig) *models.ModelConfig {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, model := range candidates {
		w := 0.5 // neutral default for models with no history
		if pm := m.metrics[model.ID]; pm != nil && pm.TotalRequests > 0 {
			w = pm.EfficiencyScore()
			if w < 0.1 {
				w = 0.1
			}
		} else if model.PerformanceHint > 0 {
			w = model.PerformanceHint
		}
		weights[i] = w
		total += w
	}

	if total == 0 {
		return candidates[m.rng.Intn(len(candidates))]
	}

	r := m.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func (m *Manager) selectLeastLoaded(candidates []*models.ModelConfig) *models.ModelConfig {
	selected := candidates[0]
	minLoad := m.inflight[selected.ID]
	for _, model := range candidates[1:] {
		if load := m.inflight[model.ID]; load < minLoad {
			minLoad = load
			selected = model
		}
	}
	return selected
}

func (m *Manager) selectCostOptimized(candidates []*models.ModelConfig) *models.ModelConfig {
	var passing []*models.ModelConfig
	for _, model := range candidates {
		if pm := m.metrics[model.ID]; pm != nil && pm.AverageQualityScore < costQualityFloor {
			continue
		}
		passing = append(passing, model)
	}
	if len(passing) == 0 {
		// Nothing clears the quality floor; still never return empty.
		return candidates[0]
	}

	sort.SliceStable(passing, func(i, j int) bool {
		return passing[i].CostPerToken < passing[j].CostPerToken
	})
	return passing[0]
}

func (m *Manager) selectPerformanceBased(candidates []*models.ModelConfig, priority SelectPriority) *models.ModelConfig {
	best := candidates[0]
	bestScore := -1.0
	for _, model := range candidates {
		score := m.scoreLocked(model, priority)
		if score > bestScore {
			bestScore = score
			best = model
		}
	}
	return best
}

func (m *Manager) scoreLocked(model *models.ModelConfig, priority SelectPriority) float64 {
	pm := m.metrics[model.ID]

	fallback := model.PerformanceHint
	if fallback == 0 {
		fallback = 0.5
	}

	switch priority {
	case PrioritySpeed:
		if pm == nil || pm.AverageResponseTime == 0 {
			return fallback
		}
		const maxAcceptable = 60.0
		speed := (maxAcceptable - pm.AverageResponseTime.Seconds()) / maxAcceptable
		if speed < 0 {
			speed = 0
		}
		return clamp01(speed + pm.SuccessRate*0.3)

	case PriorityQuality:
		if pm == nil || pm.TotalRequests == 0 {
			return fallback
		}
		return clamp01(pm.AverageQualityScore*0.7 + pm.SuccessRate*0.3)

	case PriorityCost:
		const maxAcceptable = 0.01
		score := (maxAcceptable - model.CostPerToken) / maxAcceptable
		if score < 0 {
			score = 0
		}
		if pm != nil && pm.TotalRequests > 0 {
			score += pm.SuccessRate * 0.2
		}
		return clamp01(score)

	default: // balanced
		if pm == nil || pm.TotalRequests == 0 {
			return fallback
		}
		return pm.EfficiencyScore()
	}
}

// UpdatePerformance folds one completed call into the model's rolling
// metrics. A model that accumulates at least 10 requests with a success
// rate below 0.3 is auto-quarantined to status error.
func (m *Manager) UpdatePerformance(modelID string, responseTime time.Duration, qualityScore, cost float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.metrics[modelID]
	if !ok {
		return
	}
	pm.update(responseTime, qualityScore, cost, success)

	if pm.TotalRequests >= quarantineMinCalls && pm.SuccessRate < quarantineFloor {
		m.setStatusLocked(modelID, models.ModelError, "success rate below quarantine floor")
	}
}

// SetStatus transitions a model's status; Status and IsAvailable move together.
func (m *Manager) SetStatus(modelID string, status models.ModelStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStatusLocked(modelID, status, reason)
}

func (m *Manager) setStatusLocked(modelID string, status models.ModelStatus, reason string) {
	model, ok := m.models[modelID]
	if !ok || model.Status == status {
		return
	}
	model.UpdateStatus(status, reason)
	slog.Info("model status changed", "model_id", modelID, "status", status, "reason", reason)
}

// GetModel returns the registered model, or nil.
func (m *Manager) GetModel(modelID string) *models.ModelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models[modelID]
}

// Metrics returns a copy of the model's rolling metrics, or nil if unknown.
func (m *Manager) Metrics(modelID string) *PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.metrics[modelID]
	if !ok {
		return nil
	}
	cp := *pm
	return &cp
}

// AllMetrics returns a copy of every model's rolling metrics.
func (m *Manager) AllMetrics() map[string]PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PerformanceMetrics, len(m.metrics))
	for id, pm := range m.metrics {
		out[id] = *pm
	}
	return out
}

// Acquire blocks until the model has a free slot or ctx is done. Bounds
// per-model parallelism independently of the queue's worker pool.
func (m *Manager) Acquire(ctx context.Context, modelID string) error {
	m.mu.Lock()
	sem, ok := m.sems[modelID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.mu.Lock()
	m.inflight[modelID]++
	m.mu.Unlock()
	return nil
}

// Release frees a slot taken by Acquire.
func (m *Manager) Release(modelID string) {
	m.mu.Lock()
	sem, ok := m.sems[modelID]
	if ok && m.inflight[modelID] > 0 {
		m.inflight[modelID]--
	}
	m.mu.Unlock()
	if ok {
		sem.Release(1)
	}
}

// HealthCheck re-examines quarantined and idle models: a quarantined model
// whose success rate recovered above 0.7 is restored to available, and a
// model idle beyond an hour with a low success rate is demoted to
// unavailable.
func (m *Manager) HealthCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range m.order {
		model := m.models[id]
		pm := m.metrics[id]
		if pm == nil || pm.TotalRequests == 0 {
			continue
		}

		idle := now.Sub(pm.LastUpdated)
		switch {
		case model.Status == models.ModelError && pm.SuccessRate > recoveryThreshold:
			m.setStatusLocked(id, models.ModelAvailable, "success rate recovered")
		case model.Status == models.ModelAvailable && idle > idleDemotionAge && pm.SuccessRate < idleDemotionFloor:
			m.setStatusLocked(id, models.ModelUnavailable, "idle with low success rate")
		}
	}
}

// Run performs periodic health checks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheck()
		}
	}
}

// Summary returns a snapshot of the registry for ops endpoints.
func (m *Manager) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	modelInfo := make(map[string]any, len(m.models))
	available := 0
	for _, id := range m.order {
		model := m.models[id]
		if model.Status == models.ModelAvailable {
			available++
		}
		var pm PerformanceMetrics
		if p := m.metrics[id]; p != nil {
			pm = *p
		}
		modelInfo[id] = map[string]any{
			"name":         model.Name,
			"provider":     model.Provider,
			"status":       model.Status,
			"is_available": model.IsAvailable,
			"in_flight":    m.inflight[id],
			"performance":  pm,
		}
	}

	return map[string]any{
		"total_models":            len(m.models),
		"available_models":        available,
		"load_balancing_strategy": string(m.strategy),
		"models":                  modelInfo,
	}
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
