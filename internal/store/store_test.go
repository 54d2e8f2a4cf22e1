package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zkwaredao/gradeflow/internal/store"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gradeflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestSaveAndGetTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	task := models.NewTask("grade batch 7", models.TaskTypeGrading, map[string]any{"class": "algebra"})
	task.Priority = models.PriorityHigh
	task.CreatedBy = "teacher-1"
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, "algebra", got.InputData["class"])
	assert.Equal(t, "teacher-1", got.CreatedBy)
}

func TestSaveTask_Upsert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	task := models.NewTask("t", models.TaskTypeGrading, nil)
	require.NoError(t, s.SaveTask(ctx, task))

	task.Status = models.TaskStatusCompleted
	task.OutputData = map[string]any{"graded": float64(12)}
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, float64(12), got.OutputData["graded"])

	all, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not duplicate rows")
}

func TestGetTask_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetTask(context.Background(), "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTasks_RemovesHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	task := models.NewTask("t", models.TaskTypeGrading, nil)
	require.NoError(t, s.SaveTask(ctx, task))
	require.NoError(t, s.AppendHistory(ctx, models.NewHistory(task.ID, "created", nil)))
	require.NoError(t, s.AppendHistory(ctx, models.NewHistory(task.ID, "started", nil)))

	keep := models.NewTask("keep", models.TaskTypeGrading, nil)
	require.NoError(t, s.SaveTask(ctx, keep))
	require.NoError(t, s.AppendHistory(ctx, models.NewHistory(keep.ID, "created", nil)))

	require.NoError(t, s.DeleteTasks(ctx, []string{task.ID}))

	_, err := s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	history, err := s.ListHistory(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	kept, err := s.ListHistory(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestHistoryOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	task := models.NewTask("t", models.TaskTypeGrading, nil)
	require.NoError(t, s.SaveTask(ctx, task))

	actions := []string{"created", "started", "completed"}
	for i, action := range actions {
		entry := models.NewHistory(task.ID, action, map[string]any{"seq": i})
		entry.Timestamp = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendHistory(ctx, entry))
	}

	history, err := s.ListHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, action := range actions {
		assert.Equal(t, action, history[i].Action)
	}

	all, err := s.ListAllHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
