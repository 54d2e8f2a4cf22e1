package retry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkwaredao/gradeflow/internal/llm"
	"github.com/zkwaredao/gradeflow/internal/retry"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.ErrorType
	}{
		{"rate limit from message", errors.New("upstream said 429, slow down"), retry.ErrorRateLimit},
		{"rate limit phrase", errors.New("Rate limit exceeded for requests"), retry.ErrorRateLimit},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), retry.ErrorNetwork},
		{"deadline exceeded", fmt.Errorf("call failed: %w", context.DeadlineExceeded), retry.ErrorTimeout},
		{"timeout phrase", errors.New("request timed out after 120s"), retry.ErrorTimeout},
		{"auth phrase", errors.New("invalid api key provided"), retry.ErrorAuth},
		{"server phrase", errors.New("upstream returned bad gateway"), retry.ErrorServer},
		{"validation phrase", errors.New("bad request: missing field"), retry.ErrorValidation},
		{"model phrase", errors.New("model not found: gpt-99"), retry.ErrorModel},
		{"status code only", errors.New("unexpected status 503 from host"), retry.ErrorServer},
		{"typed api error 429", &openai.APIError{HTTPStatusCode: 429}, retry.ErrorRateLimit},
		{"typed api error 401", &openai.APIError{HTTPStatusCode: 401}, retry.ErrorAuth},
		{"typed api error 404", &openai.APIError{HTTPStatusCode: 404}, retry.ErrorModel},
		{"typed api error 500", &openai.APIError{HTTPStatusCode: 500}, retry.ErrorServer},
		{"unknown", errors.New("something odd happened"), retry.ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.ClassifyError(tt.err))
		})
	}
}

func TestPolicyDelay_ExponentialExact(t *testing.T) {
	p := retry.Policy{
		Strategy:   retry.StrategyExponential,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, // clamped at max
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, p.Delay(attempt, nil), "attempt %d", attempt)
	}
}

func TestPolicyDelay_LinearAndImmediate(t *testing.T) {
	linear := retry.Policy{Strategy: retry.StrategyLinear, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, linear.Delay(0, nil))
	assert.Equal(t, 4*time.Second, linear.Delay(1, nil))
	assert.Equal(t, 10*time.Second, linear.Delay(5, nil), "clamped at max")

	immediate := retry.Policy{Strategy: retry.StrategyImmediate}
	assert.Equal(t, time.Duration(0), immediate.Delay(3, nil))
}

func TestDefaultPolicies_Table(t *testing.T) {
	policies := retry.DefaultPolicies()

	rl := policies[retry.ErrorRateLimit]
	assert.Equal(t, retry.StrategyExponential, rl.Strategy)
	assert.Equal(t, 5*time.Second, rl.BaseDelay)
	assert.Equal(t, 120*time.Second, rl.MaxDelay)
	assert.Equal(t, 5, rl.MaxRetries)
	assert.True(t, rl.Jitter)

	to := policies[retry.ErrorTimeout]
	assert.Equal(t, retry.StrategyLinear, to.Strategy)
	assert.Equal(t, 2, to.MaxRetries)
	assert.False(t, to.Jitter)

	for _, kind := range []retry.ErrorType{retry.ErrorAuth, retry.ErrorValidation, retry.ErrorModel} {
		assert.Equal(t, retry.StrategyImmediate, policies[kind].Strategy, "%s", kind)
		assert.Equal(t, 0, policies[kind].MaxRetries, "%s", kind)
	}
}

func TestMakeRetryDecision(t *testing.T) {
	m := retry.NewManager(5, time.Minute)

	// Model and auth failures switch immediately, abort when nothing is left.
	assert.Equal(t, retry.SwitchModel, m.MakeRetryDecision(retry.ErrorModel, 0, true))
	assert.Equal(t, retry.Abort, m.MakeRetryDecision(retry.ErrorModel, 0, false))
	assert.Equal(t, retry.SwitchModel, m.MakeRetryDecision(retry.ErrorAuth, 0, true))
	assert.Equal(t, retry.Abort, m.MakeRetryDecision(retry.ErrorAuth, 0, false))

	// Rate limits prefer an untried model over waiting out the backoff.
	assert.Equal(t, retry.SwitchModel, m.MakeRetryDecision(retry.ErrorRateLimit, 0, true))
	assert.Equal(t, retry.RetrySameModel, m.MakeRetryDecision(retry.ErrorRateLimit, 0, false))

	// Network errors retry in place until the same-model budget runs out.
	assert.Equal(t, retry.RetrySameModel, m.MakeRetryDecision(retry.ErrorNetwork, 0, true))
	assert.Equal(t, retry.RetrySameModel, m.MakeRetryDecision(retry.ErrorNetwork, 1, true))
	assert.Equal(t, retry.SwitchModel, m.MakeRetryDecision(retry.ErrorNetwork, 2, true))
	assert.Equal(t, retry.Abort, m.MakeRetryDecision(retry.ErrorNetwork, 3, false))
}

// fakeSelector hands out models in order and tracks semaphore traffic.
type fakeSelector struct {
	mu     sync.Mutex
	models []*models.ModelConfig
}

func (f *fakeSelector) SelectOptimalModel(taskType models.TaskType, contentSize int, priority llm.SelectPriority, exclude []string) *models.ModelConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	for _, m := range f.models {
		if !excluded[m.ID] {
			return m
		}
	}
	return nil
}

func (f *fakeSelector) Acquire(ctx context.Context, modelID string) error { return nil }
func (f *fakeSelector) Release(modelID string)                            {}

func testModels(ids ...string) []*models.ModelConfig {
	out := make([]*models.ModelConfig, len(ids))
	for i, id := range ids {
		out[i] = &models.ModelConfig{ID: id}
	}
	return out
}

func TestExecuteWithRetry_SucceedsFirstAttempt(t *testing.T) {
	m := retry.NewManager(3, time.Minute)
	sel := &fakeSelector{models: testModels("m1")}

	resp, log, err := m.ExecuteWithRetry(context.Background(), sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			return &models.CompletionResponse{ModelID: model.ID, Content: "ok"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.ModelID)
	require.Len(t, log, 1)
	assert.True(t, log[0].Success)
}

func TestExecuteWithRetry_FailsOverToNextModel(t *testing.T) {
	m := retry.NewManager(5, time.Minute)
	sel := &fakeSelector{models: testModels("primary", "fallback")}

	resp, log, err := m.ExecuteWithRetry(context.Background(), sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			if model.ID == "primary" {
				return nil, &openai.APIError{HTTPStatusCode: 401}
			}
			return &models.CompletionResponse{ModelID: model.ID, Content: "ok"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.ModelID)

	require.Len(t, log, 2)
	assert.Equal(t, "primary", log[0].ModelID)
	assert.False(t, log[0].Success)
	assert.Equal(t, retry.ErrorAuth, log[0].ErrorType)
	assert.Equal(t, "fallback", log[1].ModelID)
	assert.True(t, log[1].Success)
}

func TestExecuteWithRetry_AbortsWhenNoFallbackRemains(t *testing.T) {
	m := retry.NewManager(5, time.Minute)
	sel := &fakeSelector{models: testModels("only")}

	_, log, err := m.ExecuteWithRetry(context.Background(), sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			return nil, errors.New("model not found: only")
		})
	require.Error(t, err)
	require.Len(t, log, 1, "model errors abort without same-model retries")
	assert.Equal(t, retry.ErrorModel, log[0].ErrorType)
}

func TestExecuteWithRetry_NoModelAvailable(t *testing.T) {
	m := retry.NewManager(3, time.Minute)
	sel := &fakeSelector{}

	_, log, err := m.ExecuteWithRetry(context.Background(), sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			t.Fatal("call must not run without a model")
			return nil, nil
		})
	require.Error(t, err)
	assert.Empty(t, log)
}

func TestExecuteWithRetry_AttemptLogAlwaysReturned(t *testing.T) {
	m := retry.NewManager(3, time.Minute)
	m.SetPolicy(retry.ErrorUnknown, retry.Policy{
		Strategy: retry.StrategyExponential, BaseDelay: time.Millisecond,
		MaxDelay: time.Millisecond, MaxRetries: 5, Multiplier: 1.0,
	})
	sel := &fakeSelector{models: testModels("m1")}

	calls := 0
	_, log, err := m.ExecuteWithRetry(context.Background(), sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			calls++
			return nil, errors.New("opaque failure")
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "bounded by max attempts")
	require.Len(t, log, 3, "every attempt is auditable")
	for i, att := range log {
		assert.Equal(t, i+1, att.Attempt)
		assert.False(t, att.Success)
	}

	stats := m.Stats("m1")
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.TotalRetries)
	assert.Equal(t, 3, stats.ByErrorType[retry.ErrorUnknown])
}

func TestExecuteWithRetry_ContextCancellation(t *testing.T) {
	m := retry.NewManager(5, time.Minute)
	sel := &fakeSelector{models: testModels("m1")}

	ctx, cancel := context.WithCancel(context.Background())
	_, log, err := m.ExecuteWithRetry(ctx, sel, models.TaskTypeGrading, 10, llm.PriorityBalanced,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			cancel()
			return nil, errors.New("connection reset")
		})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, log, 1)
}
