// Package mock provides a fake LLM client for tests and local development.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Client is a configurable fake. Override CompleteFunc to control responses
// per test; the default returns a canned grading response after Latency.
type Client struct {
	Latency      time.Duration
	CompleteFunc func(ctx context.Context, model *models.ModelConfig, req models.CompletionRequest) (*models.CompletionResponse, error)

	calls atomic.Int64
}

func NewClient() *Client {
	return &Client{Latency: 10 * time.Millisecond}
}

func (c *Client) Name() string {
	return "mock"
}

// Calls returns how many times Complete has been invoked.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

func (c *Client) Complete(ctx context.Context, model *models.ModelConfig, req models.CompletionRequest) (*models.CompletionResponse, error) {
	c.calls.Add(1)
	if c.CompleteFunc != nil {
		return c.CompleteFunc(ctx, model, req)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.Latency):
	}

	content := fmt.Sprintf("mock response for %s task", req.TaskType)
	tokens := len(req.UserPrompt)/4 + len(content)/4
	return &models.CompletionResponse{
		RequestID: uuid.New().String(),
		ModelID:   model.ID,
		Content:   content,
		Usage: models.Usage{
			PromptTokens:     len(req.UserPrompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      tokens,
			Cost:             float64(tokens) * model.CostPerToken,
		},
		Duration: c.Latency,
	}, nil
}

// FailingClient always returns Err. Useful for retry and failover tests.
type FailingClient struct {
	Err   error
	calls atomic.Int64
}

func NewFailingClient(err error) *FailingClient {
	if err == nil {
		err = errors.New("mock failure")
	}
	return &FailingClient{Err: err}
}

func (c *FailingClient) Name() string { return "mock-failing" }

func (c *FailingClient) Calls() int64 { return c.calls.Load() }

func (c *FailingClient) Complete(ctx context.Context, model *models.ModelConfig, req models.CompletionRequest) (*models.CompletionResponse, error) {
	c.calls.Add(1)
	return nil, c.Err
}

var (
	_ models.LLMClient = (*Client)(nil)
	_ models.LLMClient = (*FailingClient)(nil)
)
