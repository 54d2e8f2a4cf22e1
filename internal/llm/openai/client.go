// Package openai implements the LLM client against OpenAI-compatible chat
// completion endpoints. OpenRouter, Ollama, and vLLM all speak this API, so
// one client covers every HTTP-backed provider in the registry.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Client calls OpenAI-compatible chat completion APIs. One Client serves
// every registered model; per-model endpoint and key come from the
// ModelConfig at call time.
type Client struct {
	timeout time.Duration
}

// NewClient creates a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{timeout: timeout}
}

func (c *Client) Name() string {
	return "openai"
}

// Complete performs one chat completion. The returned Usage includes cost
// computed from the model's per-token rate.
func (c *Client) Complete(ctx context.Context, model *models.ModelConfig, req models.CompletionRequest) (*models.CompletionResponse, error) {
	cfg := openai.DefaultConfig(model.APIKey)
	if model.Endpoint != "" {
		cfg.BaseURL = model.Endpoint
	}
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 || (model.MaxTokens > 0 && maxTokens > model.MaxTokens) {
		maxTokens = model.MaxTokens
	}

	messages := []openai.ChatCompletionMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model.Name,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("chat completion against %s: %w", model.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion against %s: empty choices", model.ID)
	}

	return &models.CompletionResponse{
		RequestID: uuid.New().String(),
		ModelID:   model.ID,
		Content:   resp.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             float64(resp.Usage.TotalTokens) * model.CostPerToken,
		},
		Duration: elapsed,
	}, nil
}

var _ models.LLMClient = (*Client)(nil)
