// Package models contains shared data models used across the GradeFlow codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
//
// Transitions: pending → running → {completed | failed | cancelled};
// running → paused → pending on resume; failed → retrying → pending when the
// retry policy allows; any non-terminal state → cancelled on explicit cancel.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// IsTerminal reports whether no further transitions are possible from s.
// A failed task with retries left is not terminal; callers that need that
// distinction should check Task.CanRetry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// TaskPriority orders tasks for dispatch. Higher values dispatch first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityHigh   TaskPriority = 3
	PriorityUrgent TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// TaskType identifies which registered handler executes a task.
type TaskType string

const (
	TaskTypeGrading           TaskType = "grading"
	TaskTypeFileProcessing    TaskType = "file_processing"
	TaskTypeReportGeneration  TaskType = "report_generation"
	TaskTypeDataExport        TaskType = "data_export"
	TaskTypeSystemMaintenance TaskType = "system_maintenance"
)

// TaskError is one entry in a task's append-only error list.
type TaskError struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
}

// TaskProgress is mutated by the handler during execution for UI polling.
type TaskProgress struct {
	CurrentStep        string        `json:"current_step"`
	TotalSteps         int           `json:"total_steps"`
	CompletedSteps     int           `json:"completed_steps"`
	Percentage         float64       `json:"percentage"`
	EstimatedRemaining time.Duration `json:"estimated_remaining,omitempty"`
	CurrentOperation   string        `json:"current_operation"`
}

// TaskConfig is the per-task retry and cleanup policy.
type TaskConfig struct {
	MaxRetries   int           `json:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	AutoCleanup  bool          `json:"auto_cleanup"`
	CleanupAfter time.Duration `json:"cleanup_after"`
}

// DefaultTaskConfig returns the policy applied when a caller passes none.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		MaxRetries:   3,
		RetryDelay:   30 * time.Second,
		AutoCleanup:  true,
		CleanupAfter: 7 * 24 * time.Hour,
	}
}

// Task is one unit of background work with priority, dependencies, and a
// lifecycle status. The queue owns all status transitions; handlers only
// touch Progress and OutputData.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        TaskType     `json:"task_type"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	InputData  map[string]any `json:"input_data"`
	OutputData map[string]any `json:"output_data,omitempty"`

	Progress TaskProgress `json:"progress"`
	Errors   []TaskError  `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`

	Config TaskConfig `json:"config"`

	CreatedBy string   `json:"created_by,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// NewTask builds a pending task with a fresh id and the default config.
func NewTask(name string, taskType TaskType, input map[string]any) *Task {
	now := time.Now().UTC()
	if input == nil {
		input = map[string]any{}
	}
	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        taskType,
		Status:      TaskStatusPending,
		Priority:    PriorityNormal,
		InputData:   input,
		CreatedAt:   now,
		LastUpdated: now,
		Config:      DefaultTaskConfig(),
	}
}

// UpdateProgress overwrites the progress fields. Percentage is derived from
// the step counts; totalSteps == 0 yields 0.
func (t *Task) UpdateProgress(currentStep string, completedSteps, totalSteps int, currentOperation string) {
	t.Progress.CurrentStep = currentStep
	t.Progress.CompletedSteps = completedSteps
	t.Progress.TotalSteps = totalSteps
	if totalSteps > 0 {
		t.Progress.Percentage = float64(completedSteps) / float64(totalSteps) * 100
	} else {
		t.Progress.Percentage = 0
	}
	t.Progress.CurrentOperation = currentOperation
	t.LastUpdated = time.Now().UTC()
}

// AddError appends to the error list. It never changes Status.
func (t *Task) AddError(kind, message string) {
	count := 0
	for _, e := range t.Errors {
		if e.Kind == kind {
			count++
		}
	}
	t.Errors = append(t.Errors, TaskError{
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Message:    message,
		RetryCount: count,
	})
	t.LastUpdated = time.Now().UTC()
}

// ExecutionFailures counts errors that count against the retry budget.
// User cancellations and restart markers do not.
func (t *Task) ExecutionFailures() int {
	n := 0
	for _, e := range t.Errors {
		if e.Kind == ErrKindExecution || e.Kind == ErrKindStart {
			n++
		}
	}
	return n
}

// CanRetry reports whether the task is eligible for another attempt.
// MaxRetries counts retries, not attempts: max_retries=2 permits three
// executions in total, so the task stays retryable until the failure count
// exceeds the budget.
func (t *Task) CanRetry() bool {
	if t.Status != TaskStatusFailed && t.Status != TaskStatusCancelled {
		return false
	}
	return t.ExecutionFailures() <= t.Config.MaxRetries
}

// Duration returns the elapsed execution time, or 0 if the task never started.
// For running tasks the duration is measured up to now.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

// IsExpired reports whether the task is eligible for cleanup. Only settled
// tasks expire; active ones never do regardless of age.
func (t *Task) IsExpired() bool {
	if !t.Config.AutoCleanup {
		return false
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused, TaskStatusRetrying:
		return false
	}
	end := t.LastUpdated
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return time.Since(end) > t.Config.CleanupAfter
}

// Error kinds recorded on Task.Errors (task-lifecycle taxonomy).
const (
	ErrKindNoHandler     = "no_handler"
	ErrKindExecution     = "execution_error"
	ErrKindStart         = "start_error"
	ErrKindSystemRestart = "system_restart"
	ErrKindUserCancelled = "user_cancelled"
)

// TaskHistory is one immutable audit entry for a task state transition.
type TaskHistory struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// NewHistory builds a history entry stamped with the current time.
func NewHistory(taskID, action string, details map[string]any) TaskHistory {
	return TaskHistory{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}
