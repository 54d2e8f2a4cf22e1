package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

func TestNewTask_Defaults(t *testing.T) {
	task := models.NewTask("grade homework", models.TaskTypeGrading, map[string]any{"k": "v"})

	require.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.PriorityNormal, task.Priority)
	assert.Equal(t, 3, task.Config.MaxRetries)
	assert.Equal(t, 30*time.Second, task.Config.RetryDelay)
	assert.True(t, task.Config.AutoCleanup)
	assert.Equal(t, 7*24*time.Hour, task.Config.CleanupAfter)
}

func TestUpdateProgress_Percentage(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)

	task.UpdateProgress("grading", 3, 4, "submission 3")
	assert.Equal(t, 75.0, task.Progress.Percentage)
	assert.Equal(t, "grading", task.Progress.CurrentStep)

	task.UpdateProgress("idle", 0, 0, "")
	assert.Equal(t, 0.0, task.Progress.Percentage)
}

func TestAddError_CountsPerKind(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)

	task.AddError(models.ErrKindExecution, "boom 1")
	task.AddError(models.ErrKindExecution, "boom 2")
	task.AddError(models.ErrKindUserCancelled, "stop")

	require.Len(t, task.Errors, 3)
	assert.Equal(t, 0, task.Errors[0].RetryCount)
	assert.Equal(t, 1, task.Errors[1].RetryCount)
	assert.Equal(t, 0, task.Errors[2].RetryCount)
}

func TestExecutionFailures_IgnoresNonExecutionKinds(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)
	task.AddError(models.ErrKindExecution, "e")
	task.AddError(models.ErrKindStart, "s")
	task.AddError(models.ErrKindSystemRestart, "r")
	task.AddError(models.ErrKindUserCancelled, "c")
	task.AddError(models.ErrKindNoHandler, "n")

	assert.Equal(t, 2, task.ExecutionFailures())
}

func TestCanRetry(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)
	task.Config.MaxRetries = 2

	task.Status = models.TaskStatusFailed
	assert.True(t, task.CanRetry())

	task.AddError(models.ErrKindExecution, "1")
	task.AddError(models.ErrKindExecution, "2")
	assert.True(t, task.CanRetry(), "two failures leave one retry with max_retries=2")

	task.AddError(models.ErrKindExecution, "3")
	assert.False(t, task.CanRetry(), "retry budget exhausted after three failures")

	task.Errors = nil
	task.Status = models.TaskStatusCancelled
	assert.True(t, task.CanRetry(), "cancelled tasks can be retried")

	task.Status = models.TaskStatusCompleted
	assert.False(t, task.CanRetry())

	task.Status = models.TaskStatusRunning
	assert.False(t, task.CanRetry())
}

func TestIsExpired(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)
	task.Config.CleanupAfter = time.Hour

	// Active tasks never expire regardless of age.
	for _, s := range []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusRunning,
		models.TaskStatusPaused, models.TaskStatusRetrying,
	} {
		task.Status = s
		task.LastUpdated = time.Now().Add(-48 * time.Hour)
		assert.False(t, task.IsExpired(), "status %s", s)
	}

	task.Status = models.TaskStatusCompleted
	old := time.Now().UTC().Add(-2 * time.Hour)
	task.CompletedAt = &old
	assert.True(t, task.IsExpired())

	task.Config.AutoCleanup = false
	assert.False(t, task.IsExpired(), "auto_cleanup off blocks expiry")

	task.Config.AutoCleanup = true
	recent := time.Now().UTC().Add(-time.Minute)
	task.CompletedAt = &recent
	assert.False(t, task.IsExpired())
}

func TestDuration(t *testing.T) {
	task := models.NewTask("t", models.TaskTypeGrading, nil)
	assert.Equal(t, time.Duration(0), task.Duration(), "never started")

	start := time.Now().UTC().Add(-10 * time.Second)
	end := start.Add(4 * time.Second)
	task.StartedAt = &start
	task.CompletedAt = &end
	assert.Equal(t, 4*time.Second, task.Duration())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, models.TaskStatusCompleted.IsTerminal())
	assert.True(t, models.TaskStatusCancelled.IsTerminal())
	assert.False(t, models.TaskStatusFailed.IsTerminal(), "failed may still retry")
	assert.False(t, models.TaskStatusPending.IsTerminal())
	assert.False(t, models.TaskStatusRetrying.IsTerminal())
}

func TestModelConfig_UpdateStatus(t *testing.T) {
	m := &models.ModelConfig{ID: "m1", Status: models.ModelAvailable, IsAvailable: true}

	m.UpdateStatus(models.ModelError, "quarantined")
	assert.Equal(t, models.ModelError, m.Status)
	assert.False(t, m.IsAvailable)
	require.Len(t, m.StatusHistory, 1)
	assert.Equal(t, models.ModelAvailable, m.StatusHistory[0].From)
	assert.Equal(t, models.ModelError, m.StatusHistory[0].To)

	// Same-status update is a no-op.
	m.UpdateStatus(models.ModelError, "again")
	assert.Len(t, m.StatusHistory, 1)
}

func TestModelConfig_ContentSize(t *testing.T) {
	m := &models.ModelConfig{MaxContentSize: 100}
	assert.True(t, m.CanHandleContentSize(100))
	assert.False(t, m.CanHandleContentSize(101))

	unlimited := &models.ModelConfig{}
	assert.True(t, unlimited.CanHandleContentSize(1<<30))
}
