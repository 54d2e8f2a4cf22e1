package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zkwaredao/gradeflow/internal/cache"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rc.Close()) })

	return rc
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestSetGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k", []byte("v"), time.Minute))

	val, ok, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, rc.Delete(ctx, "k"))
	_, ok, err = rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "deleted key is a clean miss")
}

func TestTaskStatusMirror(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	_, ok, err := rc.GetTaskStatus(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok, "missing status is a miss, not an error")

	require.NoError(t, rc.SetTaskStatus(ctx, "task-1", models.TaskStatusRunning, time.Minute))

	status, ok, err := rc.GetTaskStatus(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusRunning, status)
}

func TestTaskProgressMirror(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	progress := models.TaskProgress{
		CurrentStep:      "grading",
		TotalSteps:       10,
		CompletedSteps:   4,
		Percentage:       40,
		CurrentOperation: "submission 4",
	}
	require.NoError(t, rc.SetTaskProgress(ctx, "task-1", progress, time.Minute))

	got, ok, err := rc.GetTaskProgress(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, progress, got)
}

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	key := cache.RateLimitKey("ops")
	for want := int64(1); want <= 3; want++ {
		count, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
}
