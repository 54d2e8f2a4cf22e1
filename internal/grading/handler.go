// Package grading provides the default task handlers: AI-assisted grading,
// file processing, report generation, data export, and system maintenance.
package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zkwaredao/gradeflow/internal/llm"
	"github.com/zkwaredao/gradeflow/internal/monitor"
	"github.com/zkwaredao/gradeflow/internal/retry"
	"github.com/zkwaredao/gradeflow/internal/tasks"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Handlers bundles the model stack every handler needs.
type Handlers struct {
	manager *llm.Manager
	retrier *retry.Manager
	monitor *monitor.Monitor
	client  models.LLMClient

	// cleanup is invoked by the system_maintenance handler.
	cleanup func(ctx context.Context) (int, error)
}

// New builds the handler set around one LLM client.
func New(manager *llm.Manager, retrier *retry.Manager, mon *monitor.Monitor, client models.LLMClient, cleanup func(ctx context.Context) (int, error)) *Handlers {
	return &Handlers{
		manager: manager,
		retrier: retrier,
		monitor: mon,
		client:  client,
		cleanup: cleanup,
	}
}

// RegisterAll binds every handler to its task type.
func (h *Handlers) RegisterAll(svc *tasks.Service) {
	svc.RegisterTaskHandler(models.TaskTypeGrading, tasks.HandlerFunc(h.Grade))
	svc.RegisterTaskHandler(models.TaskTypeFileProcessing, tasks.HandlerFunc(h.ProcessFiles))
	svc.RegisterTaskHandler(models.TaskTypeReportGeneration, tasks.HandlerFunc(h.GenerateReport))
	svc.RegisterTaskHandler(models.TaskTypeDataExport, tasks.HandlerFunc(h.ExportData))
	svc.RegisterTaskHandler(models.TaskTypeSystemMaintenance, tasks.HandlerFunc(h.Maintain))
}

// submission is one student's work inside a grading task's input.
type submission struct {
	StudentID string `json:"student_id"`
	Content   string `json:"content"`
}

func decodeSubmissions(input map[string]any) ([]submission, error) {
	raw, ok := input["submissions"]
	if !ok {
		return nil, fmt.Errorf("input missing submissions")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode submissions: %w", err)
	}
	var subs []submission
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no submissions to grade")
	}
	return subs, nil
}

// Grade runs one model call per submission through the retry/failover loop,
// recording every attempt in the monitor and folding outcomes back into the
// model manager's metrics.
func (h *Handlers) Grade(ctx context.Context, task *models.Task) (map[string]any, error) {
	subs, err := decodeSubmissions(task.InputData)
	if err != nil {
		return nil, err
	}
	rubric, _ := task.InputData["rubric"].(string)

	results := make([]map[string]any, 0, len(subs))
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks.ReportProgress(ctx, "grading", i, len(subs), fmt.Sprintf("grading submission %s", sub.StudentID))

		req := models.CompletionRequest{
			TaskType:     models.TaskTypeGrading,
			SystemPrompt: "You are a grading assistant. Grade the submission against the rubric and respond with a score and feedback.",
			UserPrompt:   fmt.Sprintf("Rubric:\n%s\n\nSubmission:\n%s", rubric, sub.Content),
			Temperature:  0.2,
		}

		resp, err := h.complete(ctx, task.ID, models.TaskTypeGrading, len(sub.Content), llm.PriorityQuality, req)
		if err != nil {
			return nil, fmt.Errorf("grade submission %s: %w", sub.StudentID, err)
		}

		results = append(results, map[string]any{
			"student_id": sub.StudentID,
			"feedback":   resp.Content,
			"model_id":   resp.ModelID,
			"tokens":     resp.Usage.TotalTokens,
			"cost":       resp.Usage.Cost,
		})
	}

	tasks.ReportProgress(ctx, "done", len(subs), len(subs), "grading complete")
	return map[string]any{
		"graded":  len(results),
		"results": results,
	}, nil
}

// complete is the shared LLM call path: retry loop with failover, monitor
// records for every attempt, and a metrics update per outcome.
func (h *Handlers) complete(ctx context.Context, taskID string, taskType models.TaskType, contentSize int, priority llm.SelectPriority, req models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, attempts, err := h.retrier.ExecuteWithRetry(ctx, h.manager, taskType, contentSize, priority,
		func(ctx context.Context, model *models.ModelConfig) (*models.CompletionResponse, error) {
			return h.client.Complete(ctx, model, req)
		})

	for _, att := range attempts {
		rec := monitor.CallRecord{
			ModelID:   att.ModelID,
			TaskID:    taskID,
			Timestamp: att.Timestamp,
			Duration:  att.Duration,
			Success:   att.Success,
			ErrorType: string(att.ErrorType),
		}
		quality := 0.0
		if att.Success && resp != nil {
			rec.RequestID = resp.RequestID
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.TotalTokens = resp.Usage.TotalTokens
			rec.Cost = resp.Usage.Cost
			quality = scoreQuality(resp.Content)
			rec.QualityScore = quality
		}
		h.monitor.Record(rec)
		h.manager.UpdatePerformance(att.ModelID, att.Duration, quality, rec.Cost, att.Success)
	}

	return resp, err
}

// scoreQuality is a coarse proxy until human review scores are fed back.
func scoreQuality(content string) float64 {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "":
		return 0.1
	case len(trimmed) < 50:
		return 0.5
	default:
		return 0.9
	}
}

// ProcessFiles normalizes uploaded files stepwise: validate, extract text
// stats, and produce per-file summaries.
func (h *Handlers) ProcessFiles(ctx context.Context, task *models.Task) (map[string]any, error) {
	raw, ok := task.InputData["files"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("input missing files")
	}

	processed := make([]map[string]any, 0, len(raw))
	for i, entry := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("file entry %d is not an object", i)
		}
		name, _ := file["name"].(string)
		content, _ := file["content"].(string)
		if name == "" {
			return nil, fmt.Errorf("file entry %d has no name", i)
		}

		tasks.ReportProgress(ctx, "processing", i, len(raw), fmt.Sprintf("processing %s", name))
		processed = append(processed, map[string]any{
			"name":  name,
			"bytes": len(content),
			"words": len(strings.Fields(content)),
			"lines": strings.Count(content, "\n") + 1,
		})
	}

	tasks.ReportProgress(ctx, "done", len(raw), len(raw), "file processing complete")
	return map[string]any{
		"processed": len(processed),
		"files":     processed,
	}, nil
}

// GenerateReport summarizes grading results with one model call.
func (h *Handlers) GenerateReport(ctx context.Context, task *models.Task) (map[string]any, error) {
	results, ok := task.InputData["results"]
	if !ok {
		return nil, fmt.Errorf("input missing results")
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	tasks.ReportProgress(ctx, "summarizing", 0, 2, "generating report summary")
	req := models.CompletionRequest{
		TaskType:     models.TaskTypeReportGeneration,
		SystemPrompt: "You summarize grading outcomes for instructors. Be concise and highlight common issues.",
		UserPrompt:   fmt.Sprintf("Summarize these grading results:\n%s", encoded),
		Temperature:  0.3,
	}

	resp, err := h.complete(ctx, task.ID, models.TaskTypeReportGeneration, len(encoded), llm.PriorityBalanced, req)
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}

	tasks.ReportProgress(ctx, "done", 2, 2, "report complete")
	return map[string]any{
		"report":       resp.Content,
		"model_id":     resp.ModelID,
		"tokens":       resp.Usage.TotalTokens,
		"cost":         resp.Usage.Cost,
		"generated_at": time.Now().UTC(),
	}, nil
}

// ExportData serializes the requested records to JSON for download by a
// collaborator service.
func (h *Handlers) ExportData(ctx context.Context, task *models.Task) (map[string]any, error) {
	records, ok := task.InputData["records"]
	if !ok {
		return nil, fmt.Errorf("input missing records")
	}

	tasks.ReportProgress(ctx, "exporting", 0, 1, "serializing records")
	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	tasks.ReportProgress(ctx, "done", 1, 1, "export complete")
	return map[string]any{
		"format": "json",
		"bytes":  len(encoded),
		"data":   string(encoded),
	}, nil
}

// Maintain runs the periodic housekeeping bundle: expired-task cleanup and
// a monitor snapshot.
func (h *Handlers) Maintain(ctx context.Context, task *models.Task) (map[string]any, error) {
	tasks.ReportProgress(ctx, "cleanup", 0, 2, "removing expired tasks")
	removed := 0
	if h.cleanup != nil {
		n, err := h.cleanup(ctx)
		if err != nil {
			return nil, fmt.Errorf("cleanup expired tasks: %w", err)
		}
		removed = n
	}

	tasks.ReportProgress(ctx, "snapshot", 1, 2, "persisting monitor snapshot")
	if err := h.monitor.Snapshot(); err != nil {
		return nil, fmt.Errorf("persist monitor snapshot: %w", err)
	}

	tasks.ReportProgress(ctx, "done", 2, 2, "maintenance complete")
	return map[string]any{"expired_removed": removed}, nil
}
