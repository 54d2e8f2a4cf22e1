package models

import (
	"context"
	"time"
)

// ModelProvider identifies the upstream vendor of a model endpoint.
type ModelProvider string

const (
	ProviderOpenAI     ModelProvider = "openai"
	ProviderAnthropic  ModelProvider = "anthropic"
	ProviderGoogle     ModelProvider = "google"
	ProviderOpenRouter ModelProvider = "openrouter"
	ProviderOllama     ModelProvider = "ollama"
	ProviderMock       ModelProvider = "mock"
)

// ModelStatus is the runtime availability state of a model endpoint.
type ModelStatus string

const (
	ModelAvailable   ModelStatus = "available"
	ModelUnavailable ModelStatus = "unavailable"
	ModelRateLimited ModelStatus = "rate_limited"
	ModelMaintenance ModelStatus = "maintenance"
	ModelError       ModelStatus = "error"
)

// StatusChange is one entry in a model's status history.
type StatusChange struct {
	From      ModelStatus `json:"from"`
	To        ModelStatus `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ModelConfig describes one LLM backend registered with the model manager.
//
// IsAvailable is derived from Status; the two are always updated together
// through UpdateStatus.
type ModelConfig struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Provider ModelProvider `yaml:"provider" json:"provider"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	// APIKeyEnv names the environment variable holding the key; the key
	// itself is never written to the registry file.
	APIKeyEnv string `yaml:"api_key_env" json:"-"`
	APIKey    string `yaml:"-" json:"-"`

	SupportedTasks  []TaskType `yaml:"supported_tasks" json:"supported_tasks"`
	MaxContentSize  int        `yaml:"max_content_size" json:"max_content_size"`
	MaxTokens       int        `yaml:"max_tokens" json:"max_tokens"`
	CostPerToken    float64    `yaml:"cost_per_token" json:"cost_per_token"`
	MaxConcurrent   int64      `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	PerformanceHint float64    `yaml:"performance_rating" json:"performance_rating"`

	Status        ModelStatus    `yaml:"-" json:"status"`
	IsAvailable   bool           `yaml:"-" json:"is_available"`
	StatusHistory []StatusChange `yaml:"-" json:"status_history,omitempty"`
}

// UpdateStatus moves the model to a new status and keeps IsAvailable in sync.
func (m *ModelConfig) UpdateStatus(status ModelStatus, reason string) {
	if m.Status == status {
		return
	}
	m.StatusHistory = append(m.StatusHistory, StatusChange{
		From:      m.Status,
		To:        status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	m.Status = status
	m.IsAvailable = status == ModelAvailable
}

// SupportsTask reports whether the model declares support for the task type.
func (m *ModelConfig) SupportsTask(t TaskType) bool {
	for _, s := range m.SupportedTasks {
		if s == t {
			return true
		}
	}
	return false
}

// CanHandleContentSize reports whether content of the given byte size fits.
// MaxContentSize == 0 means unlimited.
func (m *ModelConfig) CanHandleContentSize(size int) bool {
	return m.MaxContentSize == 0 || size <= m.MaxContentSize
}

// CompletionRequest is the input to one LLM call.
type CompletionRequest struct {
	TaskType     TaskType
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
}

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// CompletionResponse is the output of one LLM call.
type CompletionResponse struct {
	RequestID string
	ModelID   string
	Content   string
	Usage     Usage
	Duration  time.Duration
}

// LLMClient is the interface every model backend implements.
// Never call vendor SDKs directly from handlers — always go through this.
type LLMClient interface {
	// Complete performs one chat completion against the given model.
	Complete(ctx context.Context, model *ModelConfig, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the client identifier (e.g. "openai", "mock").
	Name() string
}
