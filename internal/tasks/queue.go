// Package tasks implements the in-memory priority task queue and the
// service layer that makes it durable.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Handler executes one task type. The returned map becomes the task's
// output data. Handlers must watch ctx: cancellation is cooperative, and a
// handler that ignores ctx runs to completion even after the task is
// marked cancelled. Handlers must not mutate the task; progress is
// reported through ReportProgress so updates happen under the queue lock.
type Handler interface {
	Execute(ctx context.Context, task *models.Task) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *models.Task) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, task *models.Task) (map[string]any, error) {
	return f(ctx, task)
}

// UpdateHook observes task transitions. The queue calls it synchronously
// with a snapshot of the task after each status change, in the order the
// transitions happened; the service layer relies on that ordering for
// write-through persistence.
type UpdateHook func(task models.Task, action string, details map[string]any)

var (
	// ErrUnknownDependency is returned by Submit when depends_on references
	// a task the queue has never seen.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyNotCompleted is returned by Submit when a dependency
	// exists but has not completed.
	ErrDependencyNotCompleted = errors.New("dependency not completed")
)

// progressKey carries the queue-bound progress reporter through the
// context handed to a running handler.
type progressKey struct{}

// ReportProgress records handler progress for the task bound to ctx. The
// update is applied under the queue lock, so handlers may call it from any
// goroutine. Outside a queue-run handler it is a no-op.
func ReportProgress(ctx context.Context, currentStep string, completedSteps, totalSteps int, currentOperation string) {
	if report, ok := ctx.Value(progressKey{}).(func(string, int, int, string)); ok {
		report(currentStep, completedSteps, totalSteps, currentOperation)
	}
}

// QueueStatus is a point-in-time snapshot for ops endpoints.
type QueueStatus struct {
	Pending    int                       `json:"pending"`
	Running    int                       `json:"running"`
	Total      int                       `json:"total"`
	MaxWorkers int                       `json:"max_workers"`
	Started    bool                      `json:"started"`
	ByStatus   map[models.TaskStatus]int `json:"by_status"`
}

// Queue schedules tasks onto a bounded worker pool. All mutations to the
// task map, pending list, and running set go through one coarse lock;
// correctness over fine-grained throughput. Workers block only inside
// handler execution.
type Queue struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task
	pending  []string
	running  map[string]context.CancelFunc
	handlers map[models.TaskType]Handler

	maxWorkers      int
	pollInterval    time.Duration
	cleanupInterval time.Duration

	hook    UpdateHook
	started bool
	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a stopped queue. Call Start to begin dispatching.
func NewQueue(maxWorkers int, pollInterval, cleanupInterval time.Duration) *Queue {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &Queue{
		tasks:           make(map[string]*models.Task),
		running:         make(map[string]context.CancelFunc),
		handlers:        make(map[models.TaskType]Handler),
		maxWorkers:      maxWorkers,
		pollInterval:    pollInterval,
		cleanupInterval: cleanupInterval,
	}
}

// SetUpdateHook installs the transition observer. Must be called before Start.
func (q *Queue) SetUpdateHook(hook UpdateHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hook = hook
}

// RegisterHandler binds a handler to a task type, replacing any previous one.
func (q *Queue) RegisterHandler(t models.TaskType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// noteLocked snapshots the task for the update hook. The returned func must
// be invoked after the lock is released: hooks run synchronously so
// transitions reach the store in the order they happened.
func (q *Queue) noteLocked(task *models.Task, action string, details map[string]any) func() {
	hook := q.hook
	if hook == nil {
		return func() {}
	}
	snapshot := *task
	return func() { hook(snapshot, action, details) }
}

// Submit validates dependencies and enqueues the task. Every depends_on id
// must name a task the queue knows and that has completed; anything else is
// rejected, so a submitted task never sits waiting on work that may never
// finish.
func (q *Queue) Submit(task *models.Task) error {
	q.mu.Lock()

	for _, dep := range task.DependsOn {
		depTask, ok := q.tasks[dep]
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, task.ID, dep)
		}
		if depTask.Status != models.TaskStatusCompleted {
			q.mu.Unlock()
			return fmt.Errorf("%w: task %s depends on %s which is %s",
				ErrDependencyNotCompleted, task.ID, dep, depTask.Status)
		}
	}

	task.Status = models.TaskStatusPending
	task.LastUpdated = time.Now().UTC()
	q.tasks[task.ID] = task
	q.pending = append(q.pending, task.ID)
	note := q.noteLocked(task, "submitted", map[string]any{"priority": task.Priority.String()})
	q.mu.Unlock()

	note()
	slog.Info("task submitted", "task_id", task.ID, "task_type", task.Type, "priority", task.Priority.String())
	return nil
}

// Load inserts a previously-persisted task without treating it as a new
// submission: no validation, no hook. Pending and retrying tasks rejoin the
// dispatch queue. Used by the service during startup recovery.
func (q *Queue) Load(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks[task.ID] = task
	if task.Status == models.TaskStatusPending || task.Status == models.TaskStatusRetrying {
		task.Status = models.TaskStatusPending
		q.pending = append(q.pending, task.ID)
	}
}

// Start launches the dispatch loop. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	q.loopCtx = loopCtx
	q.cancel = cancel
	q.wg.Add(1)
	go q.monitorLoop(loopCtx)
	slog.Info("task queue started", "max_workers", q.maxWorkers, "poll_interval", q.pollInterval)
}

// Stop halts dispatch and cancels every running task's context, then waits
// for workers to return. Pending retry delays are interrupted, not waited
// out. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	for _, cancelTask := range q.running {
		cancelTask()
	}
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	slog.Info("task queue stopped")
}

// monitorLoop is the single dispatcher. It never blocks on task execution;
// it only inspects, dispatches, and sleeps between sweeps.
func (q *Queue) monitorLoop(ctx context.Context) {
	defer q.wg.Done()

	dispatch := time.NewTicker(q.pollInterval)
	cleanup := time.NewTicker(q.cleanupInterval)
	defer dispatch.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatch.C:
			q.dispatchSweep(ctx)
		case <-cleanup.C:
			q.CleanupExpired()
		}
	}
}

// dispatchSweep starts as many pending tasks as free workers allow. Pending
// tasks are stably sorted by priority each sweep, so within one tier the
// submission order is preserved. No preemption: a running task is never
// interrupted for a newer high-priority one. Dependencies were settled at
// Submit time, so the sweep never re-checks them.
func (q *Queue) dispatchSweep(ctx context.Context) {
	q.mu.Lock()

	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.tasks[q.pending[i]].Priority > q.tasks[q.pending[j]].Priority
	})

	var notes []func()
	var remaining []string
	for _, id := range q.pending {
		task := q.tasks[id]
		if task == nil || task.Status != models.TaskStatusPending {
			continue
		}
		if len(q.running) >= q.maxWorkers {
			remaining = append(remaining, id)
			continue
		}

		handler, ok := q.handlers[task.Type]
		if !ok {
			task.Status = models.TaskStatusFailed
			task.AddError(models.ErrKindNoHandler, fmt.Sprintf("no handler registered for task type %s", task.Type))
			notes = append(notes, q.noteLocked(task, "failed", map[string]any{"reason": models.ErrKindNoHandler}))
			slog.Error("no handler for task", "task_id", task.ID, "task_type", task.Type)
			continue
		}

		notes = append(notes, q.startTaskLocked(ctx, task, handler))
	}
	q.pending = remaining
	q.mu.Unlock()

	for _, note := range notes {
		note()
	}
}

// startTaskLocked marks the task running and returns a func that delivers
// the "started" hook and then launches the worker, so the hook fires before
// any later transition from the worker can.
func (q *Queue) startTaskLocked(ctx context.Context, task *models.Task, handler Handler) func() {
	now := time.Now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	task.LastUpdated = now

	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.Config.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Config.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	q.running[task.ID] = cancel

	taskCtx = context.WithValue(taskCtx, progressKey{}, q.progressFunc(task.ID))

	note := q.noteLocked(task, "started", nil)
	q.wg.Add(1)
	return func() {
		note()
		go q.execute(taskCtx, cancel, task, handler)
	}
}

func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, task *models.Task, handler Handler) {
	defer q.wg.Done()
	defer cancel()

	output, err := q.runHandler(ctx, task, handler)

	q.mu.Lock()
	delete(q.running, task.ID)

	// Pause or Cancel already settled the task; the handler just returned
	// late and its outcome is irrelevant.
	if task.Status == models.TaskStatusPaused || task.Status == models.TaskStatusCancelled {
		q.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	task.LastUpdated = now

	var note func()
	switch {
	case err == nil:
		task.Status = models.TaskStatusCompleted
		task.OutputData = output
		note = q.noteLocked(task, "completed", map[string]any{"duration_seconds": task.Duration().Seconds()})
		slog.Info("task completed", "task_id", task.ID, "duration", task.Duration())

	case errors.Is(err, context.Canceled):
		task.Status = models.TaskStatusCancelled
		task.AddError(models.ErrKindUserCancelled, "execution cancelled")
		note = q.noteLocked(task, "cancelled", nil)

	default:
		task.Status = models.TaskStatusFailed
		task.AddError(models.ErrKindExecution, err.Error())
		slog.Error("task failed", "task_id", task.ID, "error", err, "failures", task.ExecutionFailures())

		if task.CanRetry() {
			task.Status = models.TaskStatusRetrying
			task.CompletedAt = nil
			note = q.noteLocked(task, "retry_scheduled", map[string]any{
				"delay_seconds": task.Config.RetryDelay.Seconds(),
				"failures":      task.ExecutionFailures(),
			})
			q.wg.Add(1)
			go q.requeueAfter(q.loopCtx, task.ID, task.Config.RetryDelay)
		} else {
			note = q.noteLocked(task, "failed", map[string]any{"failures": task.ExecutionFailures()})
		}
	}
	q.mu.Unlock()
	note()
}

// runHandler isolates handler panics: they never escape the worker, they
// become ordinary execution errors.
func (q *Queue) runHandler(ctx context.Context, task *models.Task, handler Handler) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, task)
}

// requeueAfter moves a retrying task back to pending once the retry delay
// elapses. Stop interrupts the wait; the task stays retrying and startup
// recovery re-enqueues it.
func (q *Queue) requeueAfter(ctx context.Context, taskID string, delay time.Duration) {
	defer q.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusRetrying {
		q.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusPending
	task.StartedAt = nil
	task.LastUpdated = time.Now().UTC()
	q.pending = append(q.pending, taskID)
	note := q.noteLocked(task, "requeued", nil)
	q.mu.Unlock()
	note()
}

// progressFunc returns the reporter bound into a running task's context.
func (q *Queue) progressFunc(taskID string) func(string, int, int, string) {
	return func(currentStep string, completedSteps, totalSteps int, currentOperation string) {
		q.UpdateProgress(taskID, currentStep, completedSteps, totalSteps, currentOperation)
	}
}

// UpdateProgress applies a handler progress report under the queue lock and
// mirrors it through the hook. Only running tasks accept progress.
func (q *Queue) UpdateProgress(taskID, currentStep string, completedSteps, totalSteps int, currentOperation string) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusRunning {
		q.mu.Unlock()
		return
	}
	task.UpdateProgress(currentStep, completedSteps, totalSteps, currentOperation)
	note := q.noteLocked(task, "progress", nil)
	q.mu.Unlock()
	note()
}

// Pause moves a pending or running task to paused. A running task's context
// is cancelled; interruption is cooperative. Returns false on any other state.
func (q *Queue) Pause(taskID string) bool {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	switch task.Status {
	case models.TaskStatusPending:
		q.removePendingLocked(taskID)
	case models.TaskStatusRunning:
		if cancel, running := q.running[taskID]; running {
			cancel()
			delete(q.running, taskID)
		}
	default:
		q.mu.Unlock()
		return false
	}

	task.Status = models.TaskStatusPaused
	task.StartedAt = nil
	task.LastUpdated = time.Now().UTC()
	note := q.noteLocked(task, "paused", nil)
	q.mu.Unlock()
	note()
	return true
}

// Resume moves a paused task back to pending. Returns false otherwise.
func (q *Queue) Resume(taskID string) bool {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status != models.TaskStatusPaused {
		q.mu.Unlock()
		return false
	}
	task.Status = models.TaskStatusPending
	task.LastUpdated = time.Now().UTC()
	q.pending = append(q.pending, taskID)
	note := q.noteLocked(task, "resumed", nil)
	q.mu.Unlock()
	note()
	return true
}

// Cancel settles a non-terminal task as cancelled. Pending and paused tasks
// cancel immediately; a running task's context is cancelled and the handler
// may still run to completion. A failed task is cancellable while it still
// has retry budget; once the budget is spent it is terminal. Returns false
// on terminal tasks.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}
	if task.Status == models.TaskStatusFailed && !task.CanRetry() {
		q.mu.Unlock()
		return false
	}

	switch task.Status {
	case models.TaskStatusPending:
		q.removePendingLocked(taskID)
	case models.TaskStatusRunning:
		if cancel, running := q.running[taskID]; running {
			cancel()
			delete(q.running, taskID)
		}
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	task.LastUpdated = now
	task.AddError(models.ErrKindUserCancelled, "cancelled by user")
	note := q.noteLocked(task, "cancelled", nil)
	q.mu.Unlock()

	note()
	slog.Info("task cancelled", "task_id", taskID)
	return true
}

// Retry re-enqueues a failed or cancelled task that still has retry budget.
// Returns false when the task is unknown or not eligible.
func (q *Queue) Retry(taskID string) bool {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok || !task.CanRetry() {
		q.mu.Unlock()
		return false
	}

	task.Status = models.TaskStatusPending
	task.StartedAt = nil
	task.CompletedAt = nil
	task.LastUpdated = time.Now().UTC()
	q.pending = append(q.pending, taskID)
	note := q.noteLocked(task, "retried", map[string]any{"failures": task.ExecutionFailures()})
	q.mu.Unlock()
	note()
	return true
}

func (q *Queue) removePendingLocked(taskID string) {
	for i, id := range q.pending {
		if id == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// GetTask returns a snapshot of the task, or nil when unknown. Callers get
// a copy so reads (JSON marshalling included) never race queue mutations.
func (q *Queue) GetTask(taskID string) *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *task
	return &cp
}

// TasksByStatus returns snapshots of tasks currently in the given status.
func (q *Queue) TasksByStatus(status models.TaskStatus) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Task
	for _, task := range q.tasks {
		if task.Status == status {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out
}

// TasksByUser returns snapshots of tasks created by the given user.
func (q *Queue) TasksByUser(userID string) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Task
	for _, task := range q.tasks {
		if task.CreatedBy == userID {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out
}

// AllTasks returns snapshots of every known task.
func (q *Queue) AllTasks() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		cp := *task
		out = append(out, &cp)
	}
	return out
}

// Status returns a snapshot of queue occupancy.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	byStatus := make(map[models.TaskStatus]int)
	for _, task := range q.tasks {
		byStatus[task.Status]++
	}
	return QueueStatus{
		Pending:    len(q.pending),
		Running:    len(q.running),
		Total:      len(q.tasks),
		MaxWorkers: q.maxWorkers,
		Started:    q.started,
		ByStatus:   byStatus,
	}
}

// CleanupExpired drops settled tasks past their cleanup window from memory
// and returns their ids so the caller can delete them durably.
func (q *Queue) CleanupExpired() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for id, task := range q.tasks {
		if task.IsExpired() {
			expired = append(expired, id)
			delete(q.tasks, id)
		}
	}
	if len(expired) > 0 {
		slog.Info("expired tasks cleaned up", "count", len(expired))
	}
	return expired
}
