package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zkwaredao/gradeflow/internal/cache"
	"github.com/zkwaredao/gradeflow/internal/store"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// cacheTTL bounds how long mirrored status/progress live in redis. Tasks
// that stop being touched fall out on their own.
const cacheTTL = 30 * time.Minute

// persistTimeout bounds each write-through triggered by a queue transition.
const persistTimeout = 10 * time.Second

// Service makes the in-memory queue durable: every transition is written
// through to the store and mirrored in the cache, and startup reloads the
// store's state back into the queue.
type Service struct {
	store     store.Store
	cache     cache.Cache
	queue     *Queue
	startedAt time.Time
}

// NewService wires the queue's transition hook to write-through persistence.
func NewService(st store.Store, c cache.Cache, q *Queue) *Service {
	s := &Service{store: st, cache: c, queue: q}
	q.SetUpdateHook(s.onTaskUpdate)
	return s
}

// Queue exposes the underlying queue for handler registration.
func (s *Service) Queue() *Queue {
	return s.queue
}

// RegisterTaskHandler binds a handler to a task type.
func (s *Service) RegisterTaskHandler(t models.TaskType, h Handler) {
	s.queue.RegisterHandler(t, h)
}

// onTaskUpdate is the queue's transition hook: persist the task snapshot,
// append an audit row, and mirror status/progress into the cache. The queue
// delivers transitions synchronously and in order, so the durable blob
// never lags behind a later transition. Cache failures are logged, never
// fatal — the store is the source of truth.
func (s *Service) onTaskUpdate(task models.Task, action string, details map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// Progress reports only refresh the cache mirror; a store write and
	// audit row per report would swamp the tasks table.
	if action == "progress" {
		if err := s.cache.SetTaskProgress(ctx, task.ID, task.Progress, cacheTTL); err != nil {
			slog.Warn("cache task progress failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := s.store.SaveTask(ctx, &task); err != nil {
		slog.Error("persist task failed", "task_id", task.ID, "action", action, "error", err)
	}

	entry := models.NewHistory(task.ID, action, details)
	entry.UserID = task.CreatedBy
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		slog.Error("append task history failed", "task_id", task.ID, "action", action, "error", err)
	}

	if err := s.cache.SetTaskStatus(ctx, task.ID, task.Status, cacheTTL); err != nil {
		slog.Warn("cache task status failed", "task_id", task.ID, "error", err)
	}
	if err := s.cache.SetTaskProgress(ctx, task.ID, task.Progress, cacheTTL); err != nil {
		slog.Warn("cache task progress failed", "task_id", task.ID, "error", err)
	}
}

// Start reloads persisted tasks into the queue and begins dispatching.
//
// Tasks persisted as running were interrupted by a crash or restart: they
// are settled as failed with a system_restart error. Pending and retrying
// tasks rejoin the dispatch queue; everything else is loaded for queries
// and cleanup.
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = time.Now().UTC()

	persisted, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load persisted tasks: %w", err)
	}

	recovered := 0
	for _, task := range persisted {
		if task.Status == models.TaskStatusRunning {
			now := time.Now().UTC()
			task.Status = models.TaskStatusFailed
			task.CompletedAt = &now
			task.LastUpdated = now
			task.AddError(models.ErrKindSystemRestart, "task was running during system restart")
			if err := s.store.SaveTask(ctx, task); err != nil {
				slog.Error("persist recovered task failed", "task_id", task.ID, "error", err)
			}
			entry := models.NewHistory(task.ID, "failed", map[string]any{"reason": models.ErrKindSystemRestart})
			if err := s.store.AppendHistory(ctx, entry); err != nil {
				slog.Error("append recovery history failed", "task_id", task.ID, "error", err)
			}
			recovered++
		}
		s.queue.Load(task)
	}
	if recovered > 0 {
		slog.Warn("interrupted tasks settled as failed", "count", recovered)
	}
	slog.Info("task state reloaded", "tasks", len(persisted))

	s.queue.Start(ctx)
	return nil
}

// Stop halts the queue and waits for in-flight handlers.
func (s *Service) Stop() {
	s.queue.Stop()
}

// CreateTaskParams is the input to CreateTask. Zero values fall back to
// normal priority and the default config.
type CreateTaskParams struct {
	Name        string
	Type        models.TaskType
	Description string
	Input       map[string]any
	Priority    models.TaskPriority
	Config      *models.TaskConfig
	CreatedBy   string
	DependsOn   []string
}

// CreateTask persists a new task and submits it to the queue. The durable
// write happens before submission so a crash between the two leaves a
// pending task that startup recovery re-enqueues.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*models.Task, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if p.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}

	task := models.NewTask(p.Name, p.Type, p.Input)
	task.Description = p.Description
	task.CreatedBy = p.CreatedBy
	task.DependsOn = p.DependsOn
	if p.Priority != 0 {
		task.Priority = p.Priority
	}
	if p.Config != nil {
		task.Config = *p.Config
	}

	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}
	if err := s.queue.Submit(task); err != nil {
		// The durable row stays; the caller sees the validation error.
		return nil, err
	}

	entry := models.NewHistory(task.ID, "created", map[string]any{"task_type": task.Type})
	entry.UserID = p.CreatedBy
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		slog.Error("append creation history failed", "task_id", task.ID, "error", err)
	}
	return task, nil
}

// GetTask returns the live task if the queue knows it, else the persisted
// copy. Returns store.ErrNotFound when neither has it.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if task := s.queue.GetTask(id); task != nil {
		return task, nil
	}
	return s.store.GetTask(ctx, id)
}

// GetTaskProgress serves progress from the cache mirror when present so UI
// pollers skip the queue lock, falling back to the live task.
func (s *Service) GetTaskProgress(ctx context.Context, id string) (*models.TaskProgress, error) {
	progress, ok, err := s.cache.GetTaskProgress(ctx, id)
	if err != nil {
		slog.Warn("read cached progress failed", "task_id", id, "error", err)
	} else if ok {
		return &progress, nil
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &task.Progress, nil
}

func (s *Service) PauseTask(id string) bool  { return s.queue.Pause(id) }
func (s *Service) ResumeTask(id string) bool { return s.queue.Resume(id) }
func (s *Service) CancelTask(id string) bool { return s.queue.Cancel(id) }
func (s *Service) RetryTask(id string) bool  { return s.queue.Retry(id) }

// GetTasksByStatus returns live tasks in the given status.
func (s *Service) GetTasksByStatus(status models.TaskStatus) []*models.Task {
	return s.queue.TasksByStatus(status)
}

// GetAllTasks returns every live task.
func (s *Service) GetAllTasks() []*models.Task {
	return s.queue.AllTasks()
}

// GetTasksByUser returns live tasks created by the given user.
func (s *Service) GetTasksByUser(userID string) []*models.Task {
	return s.queue.TasksByUser(userID)
}

// QueueStatus returns a snapshot of queue occupancy.
func (s *Service) QueueStatus() QueueStatus {
	return s.queue.Status()
}

// ListTaskHistory returns the audit trail for one task.
func (s *Service) ListTaskHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error) {
	return s.store.ListHistory(ctx, taskID)
}

// CleanupExpiredTasks drops expired tasks from the queue, the store, and
// the cache. Returns how many were removed.
func (s *Service) CleanupExpiredTasks(ctx context.Context) (int, error) {
	expired := s.queue.CleanupExpired()
	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.store.DeleteTasks(ctx, expired); err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	for _, id := range expired {
		if err := s.cache.Delete(ctx, cache.TaskStatusKey(id)); err != nil {
			slog.Warn("drop cached status failed", "task_id", id, "error", err)
		}
		if err := s.cache.Delete(ctx, cache.TaskProgressKey(id)); err != nil {
			slog.Warn("drop cached progress failed", "task_id", id, "error", err)
		}
	}
	return len(expired), nil
}

// SystemStats is the service-level rollup for ops endpoints.
type SystemStats struct {
	UptimeSeconds          float64                   `json:"uptime_seconds"`
	TotalTasks             int                       `json:"total_tasks"`
	ByStatus               map[models.TaskStatus]int `json:"by_status"`
	SuccessRate            float64                   `json:"success_rate"`
	AverageDurationSeconds float64                   `json:"average_duration_seconds"`
	Queue                  QueueStatus               `json:"queue"`
}

// GetSystemStats aggregates task outcomes across every live task.
func (s *Service) GetSystemStats() SystemStats {
	all := s.queue.AllTasks()

	stats := SystemStats{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		TotalTasks:    len(all),
		ByStatus:      make(map[models.TaskStatus]int),
		Queue:         s.queue.Status(),
	}

	completed := 0
	settled := 0
	var totalDuration time.Duration
	for _, task := range all {
		stats.ByStatus[task.Status]++
		switch task.Status {
		case models.TaskStatusCompleted:
			completed++
			settled++
			totalDuration += task.Duration()
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			settled++
		}
	}
	if settled > 0 {
		stats.SuccessRate = float64(completed) / float64(settled)
	}
	if completed > 0 {
		stats.AverageDurationSeconds = (totalDuration / time.Duration(completed)).Seconds()
	}
	return stats
}
