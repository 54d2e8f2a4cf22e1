// Package retry classifies LLM call failures, applies per-error-kind backoff
// policies, and drives the retry/failover loop around model calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zkwaredao/gradeflow/internal/llm"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// ErrorType is the closed set of failure kinds a model call can produce.
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network_error"
	ErrorTimeout    ErrorType = "timeout_error"
	ErrorRateLimit  ErrorType = "rate_limit_error"
	ErrorServer     ErrorType = "server_error"
	ErrorAuth       ErrorType = "auth_error"
	ErrorValidation ErrorType = "validation_error"
	ErrorModel      ErrorType = "model_error"
	ErrorUnknown    ErrorType = "unknown_error"
)

// StrategyType selects the delay formula for a policy.
type StrategyType string

const (
	StrategyImmediate   StrategyType = "immediate"
	StrategyLinear      StrategyType = "linear"
	StrategyExponential StrategyType = "exponential"
)

// Policy is the retry behavior bound to one error kind.
type Policy struct {
	Strategy   StrategyType
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Multiplier float64
	Jitter     bool
}

// Delay computes the backoff before retry number attempt (0-based). When the
// policy enables jitter and rng is non-nil, the result is scaled by a uniform
// factor in [0.5, 1.0).
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case StrategyExponential:
		mult := 1.0
		for i := 0; i < attempt; i++ {
			mult *= p.Multiplier
		}
		d = time.Duration(float64(p.BaseDelay) * mult)
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && rng != nil {
		d = time.Duration(float64(d) * (0.5 + rng.Float64()*0.5))
	}
	return d
}

// DefaultPolicies returns the per-error-kind policy table.
func DefaultPolicies() map[ErrorType]Policy {
	return map[ErrorType]Policy{
		ErrorNetwork:    {Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 3, Multiplier: 2.0, Jitter: true},
		ErrorTimeout:    {Strategy: StrategyLinear, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, MaxRetries: 2},
		ErrorRateLimit:  {Strategy: StrategyExponential, BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second, MaxRetries: 5, Multiplier: 2.0, Jitter: true},
		ErrorServer:     {Strategy: StrategyExponential, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 3, Multiplier: 1.5, Jitter: true},
		ErrorAuth:       {Strategy: StrategyImmediate},
		ErrorValidation: {Strategy: StrategyImmediate},
		ErrorModel:      {Strategy: StrategyImmediate},
		ErrorUnknown:    {Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 2, Multiplier: 2.0, Jitter: true},
	}
}

var httpStatusRe = regexp.MustCompile(`\b([45]\d{2})\b`)

// ClassifyError maps an error to its kind. Three classifiers run in order —
// typed errors, message substrings, embedded HTTP status codes — and the
// first match wins.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	if t, ok := classifyTyped(err); ok {
		return t
	}
	if t, ok := classifyMessage(err.Error()); ok {
		return t
	}
	if m := httpStatusRe.FindStringSubmatch(err.Error()); m != nil {
		if t, ok := classifyStatus(m[1]); ok {
			return t
		}
	}
	return ErrorUnknown
}

func classifyTyped(err error) (ErrorType, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout, true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return ErrorRateLimit, true
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return ErrorAuth, true
		case apiErr.HTTPStatusCode == 404:
			return ErrorModel, true
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 422:
			return ErrorValidation, true
		case apiErr.HTTPStatusCode >= 500:
			return ErrorServer, true
		}
		return ErrorUnknown, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTimeout, true
		}
		return ErrorNetwork, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorNetwork, true
	}

	return ErrorUnknown, false
}

func classifyMessage(msg string) (ErrorType, bool) {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return ErrorRateLimit, true
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrorTimeout, true
	case containsAny(msg, "connection", "network", "unreachable", "refused", "broken pipe"):
		return ErrorNetwork, true
	case containsAny(msg, "unauthorized", "authentication", "api key", "401", "403"):
		return ErrorAuth, true
	case containsAny(msg, "internal server error", "bad gateway", "service unavailable", "500", "502", "503"):
		return ErrorServer, true
	case containsAny(msg, "validation", "invalid request", "bad request"):
		return ErrorValidation, true
	case containsAny(msg, "model not found", "model unavailable", "unknown model"):
		return ErrorModel, true
	}
	return ErrorUnknown, false
}

func classifyStatus(code string) (ErrorType, bool) {
	switch code {
	case "429":
		return ErrorRateLimit, true
	case "401", "403":
		return ErrorAuth, true
	case "404":
		return ErrorModel, true
	case "400", "422":
		return ErrorValidation, true
	case "408":
		return ErrorTimeout, true
	}
	if code[0] == '5' {
		return ErrorServer, true
	}
	return ErrorUnknown, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating one failed attempt.
type Decision int

const (
	RetrySameModel Decision = iota
	SwitchModel
	Abort
)

func (d Decision) String() string {
	switch d {
	case RetrySameModel:
		return "retry_same_model"
	case SwitchModel:
		return "switch_model"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Attempt is one entry in the audit log returned from ExecuteWithRetry.
// The full log is returned regardless of final success.
type Attempt struct {
	Attempt   int           `json:"attempt"`
	ModelID   string        `json:"model_id"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	ErrorType ErrorType     `json:"error_type,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ModelRetryStats accumulates retry outcomes per model.
type ModelRetryStats struct {
	ModelID           string            `json:"model_id"`
	TotalRetries      int               `json:"total_retries"`
	SuccessAfterRetry int               `json:"success_after_retry"`
	Aborted           int               `json:"aborted"`
	ByErrorType       map[ErrorType]int `json:"by_error_type"`
}

// ModelSelector is the slice of the model manager the retry loop needs.
type ModelSelector interface {
	SelectOptimalModel(taskType models.TaskType, contentSize int, priority llm.SelectPriority, exclude []string) *models.ModelConfig
	Acquire(ctx context.Context, modelID string) error
	Release(modelID string)
}

// CallFunc performs one attempt against one model.
type CallFunc func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error)

// Manager owns the policy table and per-model retry statistics.
type Manager struct {
	mu          sync.Mutex
	policies    map[ErrorType]Policy
	stats       map[string]*ModelRetryStats
	maxAttempts int
	budget      time.Duration
	rng         *rand.Rand
}

// NewManager creates a Manager with the default policy table. budget is the
// wall-clock ceiling for one whole retry sequence.
func NewManager(maxAttempts int, budget time.Duration) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if budget <= 0 {
		budget = 300 * time.Second
	}
	return &Manager{
		policies:    DefaultPolicies(),
		stats:       make(map[string]*ModelRetryStats),
		maxAttempts: maxAttempts,
		budget:      budget,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPolicy overrides the policy for one error kind.
func (m *Manager) SetPolicy(t ErrorType, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[t] = p
}

func (m *Manager) policy(t ErrorType) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[t]
}

// Delay returns the backoff before retry number attempt for the error kind.
func (m *Manager) Delay(t ErrorType, attempt int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[t].Delay(attempt, m.rng)
}

// MakeRetryDecision evaluates one failed attempt. sameModelRetries counts
// retries already spent on the current model; otherModels reports whether an
// untried model remains.
func (m *Manager) MakeRetryDecision(t ErrorType, sameModelRetries int, otherModels bool) Decision {
	// Model and auth failures never succeed on the same backend.
	if t == ErrorModel || t == ErrorAuth {
		if otherModels {
			return SwitchModel
		}
		return Abort
	}

	p := m.policy(t)
	if sameModelRetries >= p.MaxRetries {
		if otherModels {
			return SwitchModel
		}
		return Abort
	}
	if sameModelRetries >= 2 && otherModels {
		return SwitchModel
	}
	if t == ErrorRateLimit && otherModels {
		return SwitchModel
	}
	return RetrySameModel
}

// Stats returns a copy of the retry statistics for one model, or nil.
func (m *Manager) Stats(modelID string) *ModelRetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[modelID]
	if !ok {
		return nil
	}
	cp := *s
	cp.ByErrorType = make(map[ErrorType]int, len(s.ByErrorType))
	for k, v := range s.ByErrorType {
		cp.ByErrorType[k] = v
	}
	return &cp
}

// AllStats returns a copy of every model's retry statistics.
func (m *Manager) AllStats() map[string]ModelRetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ModelRetryStats, len(m.stats))
	for id, s := range m.stats {
		cp := *s
		cp.ByErrorType = make(map[ErrorType]int, len(s.ByErrorType))
		for k, v := range s.ByErrorType {
			cp.ByErrorType[k] = v
		}
		out[id] = cp
	}
	return out
}

func (m *Manager) recordRetry(modelID string, t ErrorType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[modelID]
	if !ok {
		s = &ModelRetryStats{ModelID: modelID, ByErrorType: make(map[ErrorType]int)}
		m.stats[modelID] = s
	}
	s.TotalRetries++
	s.ByErrorType[t]++
}

func (m *Manager) recordOutcome(modelID string, success bool, retried bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[modelID]
	if !ok {
		return
	}
	if success && retried {
		s.SuccessAfterRetry++
	} else if !success {
		s.Aborted++
	}
}

// ExecuteWithRetry runs call against models chosen by sel until it succeeds,
// the attempt or wall-clock budget is exhausted, or no model remains. Failed
// models are excluded from subsequent selection. The attempt log is returned
// in every case so callers can audit the whole sequence.
func (m *Manager) ExecuteWithRetry(
	ctx context.Context,
	sel ModelSelector,
	taskType models.TaskType,
	contentSize int,
	priority llm.SelectPriority,
	call CallFunc,
) (*models.CompletionResponse, []Attempt, error) {
	var (
		log     []Attempt
		failed  []string
		lastErr error
	)

	current := sel.SelectOptimalModel(taskType, contentSize, priority, nil)
	if current == nil {
		return nil, log, fmt.Errorf("no model available for task type %s", taskType)
	}

	deadline := time.Now().Add(m.budget)
	sameModelRetries := 0

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			return nil, log, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, lastErr)
		}

		start := time.Now()
		resp, err := m.attempt(ctx, sel, current, call)
		rec := Attempt{
			Attempt:   attempt + 1,
			ModelID:   current.ID,
			Duration:  time.Since(start),
			Success:   err == nil,
			Timestamp: start.UTC(),
		}

		if err == nil {
			log = append(log, rec)
			m.recordOutcome(current.ID, true, attempt > 0)
			return resp, log, nil
		}

		lastErr = err
		errType := ClassifyError(err)
		rec.ErrorType = errType
		rec.Error = err.Error()
		log = append(log, rec)
		m.recordRetry(current.ID, errType)

		if ctx.Err() != nil {
			return nil, log, ctx.Err()
		}

		excluded := append(append([]string{}, failed...), current.ID)
		otherModels := sel.SelectOptimalModel(taskType, contentSize, priority, excluded) != nil

		decision := m.MakeRetryDecision(errType, sameModelRetries, otherModels)
		slog.Warn("model call failed",
			"model_id", current.ID,
			"attempt", attempt+1,
			"error_type", errType,
			"decision", decision.String(),
			"error", err)

		switch decision {
		case Abort:
			m.recordOutcome(current.ID, false, attempt > 0)
			return nil, log, fmt.Errorf("aborting after %d attempts: %w", attempt+1, err)

		case SwitchModel:
			failed = append(failed, current.ID)
			next := sel.SelectOptimalModel(taskType, contentSize, priority, failed)
			if next == nil {
				m.recordOutcome(current.ID, false, attempt > 0)
				return nil, log, fmt.Errorf("no fallback model remains: %w", err)
			}
			current = next
			sameModelRetries = 0

		case RetrySameModel:
			sameModelRetries++
			delay := m.Delay(errType, sameModelRetries-1)
			select {
			case <-ctx.Done():
				return nil, log, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, log, fmt.Errorf("all %d attempts failed: %w", m.maxAttempts, lastErr)
}

func (m *Manager) attempt(ctx context.Context, sel ModelSelector, model *models.ModelConfig, call CallFunc) (*models.CompletionResponse, error) {
	if err := sel.Acquire(ctx, model.ID); err != nil {
		return nil, fmt.Errorf("acquire slot on %s: %w", model.ID, err)
	}
	defer sel.Release(model.ID)
	return call(ctx, model)
}
