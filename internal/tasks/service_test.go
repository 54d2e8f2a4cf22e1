package tasks_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkwaredao/gradeflow/internal/cache"
	"github.com/zkwaredao/gradeflow/internal/store"
	"github.com/zkwaredao/gradeflow/internal/tasks"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]models.Task
	history []models.TaskHistory
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]models.Task)}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) SaveTask(ctx context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = *task
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := task
	return &cp, nil
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Task, 0, len(f.tasks))
	for _, task := range f.tasks {
		cp := task
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) DeleteTasks(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.tasks, id)
	}
	return nil
}

func (f *fakeStore) AppendHistory(ctx context.Context, entry models.TaskHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TaskHistory
	for _, h := range f.history {
		if h.TaskID == taskID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllHistory(ctx context.Context) ([]models.TaskHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TaskHistory{}, f.history...), nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeCache is an in-memory Cache for service tests.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	status   map[string]models.TaskStatus
	progress map[string]models.TaskProgress
	counters map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:   make(map[string][]byte),
		status:   make(map[string]models.TaskStatus),
		progress: make(map[string]models.TaskProgress),
		counters: make(map[string]int64),
	}
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.status, key)
	delete(f.progress, key)
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }

func (f *fakeCache) SetTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[taskID] = status
	return nil
}

func (f *fakeCache) GetTaskStatus(ctx context.Context, taskID string) (models.TaskStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[taskID]
	return s, ok, nil
}

func (f *fakeCache) SetTaskProgress(ctx context.Context, taskID string, progress models.TaskProgress, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[taskID] = progress
	return nil
}

func (f *fakeCache) GetTaskProgress(ctx context.Context, taskID string) (models.TaskProgress, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[taskID]
	return p, ok, nil
}

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

var _ cache.Cache = (*fakeCache)(nil)

// newTestService uses a poll interval long enough that no dispatch sweep
// runs during a test; these tests exercise the durable layer, not dispatch.
func newTestService(st *fakeStore) (*tasks.Service, *tasks.Queue) {
	q := tasks.NewQueue(2, time.Hour, time.Hour)
	return tasks.NewService(st, newFakeCache(), q), q
}

func TestStart_CrashRecovery(t *testing.T) {
	st := newFakeStore()

	interrupted := models.NewTask("interrupted", models.TaskTypeGrading, nil)
	interrupted.Status = models.TaskStatusRunning
	require.NoError(t, st.SaveTask(context.Background(), interrupted))

	queued := models.NewTask("queued", models.TaskTypeGrading, nil)
	require.NoError(t, st.SaveTask(context.Background(), queued))

	retrying := models.NewTask("retrying", models.TaskTypeGrading, nil)
	retrying.Status = models.TaskStatusRetrying
	require.NoError(t, st.SaveTask(context.Background(), retrying))

	svc, q := newTestService(st)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	recovered := q.GetTask(interrupted.ID)
	require.NotNil(t, recovered)
	assert.Equal(t, models.TaskStatusFailed, recovered.Status)
	require.NotEmpty(t, recovered.Errors)
	assert.Equal(t, models.ErrKindSystemRestart, recovered.Errors[0].Kind)

	persisted, err := st.GetTask(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, persisted.Status)

	// Pending and retrying tasks rejoin the dispatch queue.
	assert.Equal(t, models.TaskStatusPending, q.GetTask(queued.ID).Status)
	assert.Equal(t, models.TaskStatusPending, q.GetTask(retrying.ID).Status)
	assert.Equal(t, 2, q.Status().Pending)
}

func TestCreateTask_PersistsBeforeSubmit(t *testing.T) {
	st := newFakeStore()
	svc, q := newTestService(st)

	task, err := svc.CreateTask(context.Background(), tasks.CreateTaskParams{
		Name:      "grade batch",
		Type:      models.TaskTypeGrading,
		Input:     map[string]any{"n": 1},
		Priority:  models.PriorityHigh,
		CreatedBy: "teacher-1",
	})
	require.NoError(t, err)

	persisted, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, persisted.Status)
	assert.Equal(t, models.PriorityHigh, persisted.Priority)
	assert.NotNil(t, q.GetTask(task.ID))
}

func TestCreateTask_Validation(t *testing.T) {
	svc, _ := newTestService(newFakeStore())

	_, err := svc.CreateTask(context.Background(), tasks.CreateTaskParams{Type: models.TaskTypeGrading})
	require.Error(t, err)

	_, err = svc.CreateTask(context.Background(), tasks.CreateTaskParams{Name: "x"})
	require.Error(t, err)

	_, err = svc.CreateTask(context.Background(), tasks.CreateTaskParams{
		Name:      "x",
		Type:      models.TaskTypeGrading,
		DependsOn: []string{"missing"},
	})
	require.ErrorIs(t, err, tasks.ErrUnknownDependency)
}

func TestLifecycle_WriteThrough(t *testing.T) {
	st := newFakeStore()
	svc, _ := newTestService(st)

	task, err := svc.CreateTask(context.Background(), tasks.CreateTaskParams{
		Name: "t", Type: models.TaskTypeGrading,
	})
	require.NoError(t, err)

	// The hook runs synchronously: the durable copy is updated by the time
	// the lifecycle call returns.
	require.True(t, svc.CancelTask(task.ID))
	persisted, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, persisted.Status)

	history, err := svc.ListTaskHistory(context.Background(), task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestCleanupExpiredTasks(t *testing.T) {
	st := newFakeStore()

	expired := models.NewTask("old", models.TaskTypeGrading, nil)
	expired.Status = models.TaskStatusCompleted
	expired.Config.CleanupAfter = time.Minute
	done := time.Now().UTC().Add(-time.Hour)
	expired.CompletedAt = &done
	require.NoError(t, st.SaveTask(context.Background(), expired))

	svc, _ := newTestService(st)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	removed, err := svc.CleanupExpiredTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = st.GetTask(context.Background(), expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetTask_FallsBackToStore(t *testing.T) {
	st := newFakeStore()
	archived := models.NewTask("archived", models.TaskTypeGrading, nil)
	archived.Status = models.TaskStatusCompleted
	require.NoError(t, st.SaveTask(context.Background(), archived))

	svc, _ := newTestService(st)

	got, err := svc.GetTask(context.Background(), archived.ID)
	require.NoError(t, err)
	assert.Equal(t, archived.ID, got.ID)

	_, err = svc.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetSystemStats(t *testing.T) {
	st := newFakeStore()

	completed := models.NewTask("done", models.TaskTypeGrading, nil)
	completed.Status = models.TaskStatusCompleted
	start := time.Now().UTC().Add(-10 * time.Second)
	end := start.Add(2 * time.Second)
	completed.StartedAt = &start
	completed.CompletedAt = &end
	require.NoError(t, st.SaveTask(context.Background(), completed))

	failed := models.NewTask("broken", models.TaskTypeGrading, nil)
	failed.Status = models.TaskStatusFailed
	require.NoError(t, st.SaveTask(context.Background(), failed))

	svc, _ := newTestService(st)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	stats := svc.GetSystemStats()
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 2.0, stats.AverageDurationSeconds)
	assert.Equal(t, 1, stats.ByStatus[models.TaskStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[models.TaskStatusFailed])
}
