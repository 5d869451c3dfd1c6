// Package queue implements the task lifecycle controller. It drives the
// store -> worker pool pipeline: accepting tasks, claiming the next runnable
// set by weighted priority, applying the retry policy, and emitting
// lifecycle events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/common/tracing"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
	"github.com/taskmill/taskmill/internal/orchestrator/executor"
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// Common errors
var (
	ErrQueueAlreadyRunning = errors.New("task queue is already running")
	ErrQueueNotRunning     = errors.New("task queue is not running")
	ErrNoExecutor          = errors.New("task queue has no executor configured")
)

// settleTimeout bounds the store writes that record an attempt's outcome.
// Settlement runs on a fresh context because the task's own context is
// usually expired by the time the attempt finishes.
const settleTimeout = 10 * time.Second

// Executor runs one task attempt. Implemented by the AI executor wrapper.
type Executor interface {
	Execute(ctx context.Context, req *executor.Request) (*executor.Result, error)
}

// Config holds task queue configuration.
type Config struct {
	MaxConcurrent int           // dispatch ceiling across the pool
	RetryBase     time.Duration // backoff base when the task carries none
	Tick          time.Duration // fallback dispatch interval
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 50,
		RetryBase:     time.Second,
		Tick:          time.Second,
	}
}

// Queue is the lifecycle controller. All status changes serialize through
// the repository; the queue only tracks which tasks this process currently
// holds so the dispatch ceiling can be enforced without a store round trip.
type Queue struct {
	repo   repository.Repository
	pool   *pool.Pool
	bus    bus.EventBus
	config Config
	logger *logger.Logger

	mu       sync.Mutex
	exec     Executor
	running  bool
	inFlight map[string]struct{}
	stopCh   chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
}

// New creates a task queue on top of the given store, pool, and event bus.
func New(repo repository.Repository, p *pool.Pool, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	return &Queue{
		repo:     repo,
		pool:     p,
		bus:      eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "task_queue")),
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// SetExecutor injects the per-task executor. Must be called before Start.
func (q *Queue) SetExecutor(exec Executor) {
	q.mu.Lock()
	q.exec = exec
	q.mu.Unlock()
}

// Start recovers tasks orphaned by a previous crash, then launches the
// worker pool and the dispatcher. Task contexts descend from ctx.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrQueueAlreadyRunning
	}
	if q.exec == nil {
		q.mu.Unlock()
		return ErrNoExecutor
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.inFlight = make(map[string]struct{})
	q.mu.Unlock()

	recovered, err := q.repo.ResetRunningTasks(ctx)
	if err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if recovered > 0 {
		q.logger.Info("recovered tasks from previous run",
			zap.Int64("count", recovered))
	}

	q.pool.SetRunner(q.runTask)
	if err := q.pool.Start(ctx); err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return err
	}

	q.logger.Info("task queue starting",
		zap.Int("max_concurrent", q.config.MaxConcurrent),
		zap.Duration("tick", q.config.Tick))

	q.wg.Add(1)
	go q.dispatchLoop(ctx)

	q.wakeDispatcher()
	return nil
}

// Stop halts dispatching and drains the pool. Tasks still running when the
// drain deadline passes stay claimed in the store and are reset to pending
// by crash recovery on the next Start.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrQueueNotRunning
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	if err := q.pool.Stop(); err != nil && !errors.Is(err, pool.ErrPoolNotRunning) {
		q.logger.Warn("worker pool stop", zap.Error(err))
	}

	q.mu.Lock()
	held := len(q.inFlight)
	q.inFlight = make(map[string]struct{})
	q.mu.Unlock()

	q.logger.Info("task queue stopped", zap.Int("still_running", held))
	return nil
}

// IsRunning reports whether the queue is dispatching.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Submit persists one task and signals the dispatcher. Tasks submitted
// while the queue is stopped remain pending until the next Start.
func (q *Queue) Submit(ctx context.Context, task *models.Task) (*models.Task, error) {
	if err := q.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	q.emitTaskEvent(ctx, events.TaskCreated, task, nil)
	q.wakeDispatcher()
	return task, nil
}

// SubmitBatch persists up to MaxBatchSize tasks in one transaction.
// Either every task is accepted or none are.
func (q *Queue) SubmitBatch(ctx context.Context, tasks []*models.Task) ([]*models.Task, error) {
	if err := q.repo.CreateTasksBatch(ctx, tasks); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		q.emitTaskEvent(ctx, events.TaskCreated, task, nil)
	}
	q.wakeDispatcher()
	return tasks, nil
}

// Cancel moves a task to cancelled if it has not started. Terminal tasks
// are a no-op returning false; running tasks are rejected, the caller must
// wait for completion or the timeout.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task.IsTerminal() {
		return false, nil
	}
	if task.Status == v1.TaskStatusRunning {
		return false, fmt.Errorf("%w: cannot cancel a running task", models.ErrInvalidTransition)
	}
	if err := q.repo.UpdateStatus(ctx, id, v1.TaskStatusCancelled); err != nil {
		return false, err
	}
	task.Status = v1.TaskStatusCancelled
	q.emitTaskEvent(ctx, events.TaskCancelled, task, nil)
	return true, nil
}

// Pause parks a pending task.
func (q *Queue) Pause(ctx context.Context, id string) (*models.Task, error) {
	if err := q.repo.UpdateStatus(ctx, id, v1.TaskStatusPaused); err != nil {
		return nil, err
	}
	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	q.emitTaskEvent(ctx, events.TaskPaused, task, nil)
	return task, nil
}

// Resume returns a paused task to pending and signals the dispatcher.
func (q *Queue) Resume(ctx context.Context, id string) (*models.Task, error) {
	if err := q.repo.UpdateStatus(ctx, id, v1.TaskStatusPending); err != nil {
		return nil, err
	}
	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	q.emitTaskEvent(ctx, events.TaskResumed, task, nil)
	q.wakeDispatcher()
	return task, nil
}

// GetTask retrieves one task.
func (q *Queue) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return q.repo.GetTask(ctx, id)
}

// GetSessionTasks lists a session's tasks, optionally filtered by status.
func (q *Queue) GetSessionTasks(ctx context.Context, sessionID string, status v1.TaskStatus) ([]*models.Task, error) {
	return q.repo.GetSessionTasks(ctx, sessionID, status)
}

// GetStats aggregates queue composition, optionally scoped to a session.
func (q *Queue) GetStats(ctx context.Context, sessionID string) (*models.QueueStats, error) {
	return q.repo.GetQueueStats(ctx, sessionID)
}

// PoolStats returns a snapshot of the worker pool.
func (q *Queue) PoolStats() pool.Stats {
	return q.pool.Stats()
}

// RecoverStalled force-releases pool slots running longer than timeout.
func (q *Queue) RecoverStalled(timeout time.Duration) int {
	return q.pool.RecoverStalled(timeout)
}

// InFlight returns how many tasks this process currently holds claimed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Backoff returns the retry delay after a task's attempts-th failure:
// base doubled per prior attempt, capped at MaxRetryBackoff.
func Backoff(attempts int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Duration(models.DefaultRetryDelayMs) * time.Millisecond
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= models.MaxRetryBackoff {
			return models.MaxRetryBackoff
		}
	}
	if delay > models.MaxRetryBackoff {
		delay = models.MaxRetryBackoff
	}
	return delay
}

// dispatchLoop wakes on submission signals and on the fallback tick. The
// tick exists so retry tasks become runnable once their scheduled_for
// passes without any external signal.
func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatch(ctx)
	}
}

// dispatch claims up to free runnable tasks in score order and hands them
// to the pool. A store error skips the cycle; the next tick retries.
func (q *Queue) dispatch(ctx context.Context) {
	ctx, span := tracing.Tracer("taskmill-queue").Start(ctx, "queue.dispatch")
	defer span.End()

	q.mu.Lock()
	free := q.config.MaxConcurrent - len(q.inFlight)
	q.mu.Unlock()
	if free <= 0 {
		return
	}

	tasks, err := q.repo.GetPendingDispatch(ctx, free)
	if err != nil {
		q.logger.Error("dispatch query failed", zap.Error(err))
		return
	}

	for _, task := range tasks {
		if !q.claim(ctx, task) {
			continue
		}
		if err := q.pool.Submit(task); err != nil {
			// Only happens while stopping; the claim is recovered on
			// the next start.
			q.logger.Warn("pool rejected claimed task",
				zap.String("task_id", task.ID), zap.Error(err))
			q.release(task.ID)
			return
		}
	}
}

// claim performs the conditional status update that makes this process the
// task's owner. A lost race is not an error, the task just moved first.
func (q *Queue) claim(ctx context.Context, task *models.Task) bool {
	q.mu.Lock()
	if _, held := q.inFlight[task.ID]; held {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	if err := q.repo.UpdateStatus(ctx, task.ID, v1.TaskStatusRunning); err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrNotFound) {
			q.logger.Warn("claim failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		return false
	}

	q.mu.Lock()
	q.inFlight[task.ID] = struct{}{}
	q.mu.Unlock()

	task.Status = v1.TaskStatusRunning
	q.emitTaskEvent(ctx, events.TaskStarted, task, map[string]any{
		"attempt": task.Attempts + 1,
	})
	return true
}

func (q *Queue) release(taskID string) {
	q.mu.Lock()
	delete(q.inFlight, taskID)
	q.mu.Unlock()
}

// runTask executes one claimed task inside a pool slot. The context carries
// the per-task deadline; a deadline hit is an ordinary failure. A cancel
// during shutdown leaves the task claimed for crash recovery and returns
// context.Canceled so the pool counts nothing.
func (q *Queue) runTask(ctx context.Context, task *models.Task) error {
	ctx, span := tracing.Tracer("taskmill-queue").Start(ctx, "queue.execute")
	defer span.End()

	q.mu.Lock()
	exec := q.exec
	q.mu.Unlock()
	if exec == nil {
		q.release(task.ID)
		return ErrNoExecutor
	}

	start := time.Now().UTC()
	req := &executor.Request{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Prompt:    task.Prompt,
		Mode:      task.Mode,
		Model:     task.Model,
		Metadata:  task.Metadata,
	}

	res, execErr := exec.Execute(ctx, req)

	if execErr != nil && ctx.Err() == context.Canceled && !q.IsRunning() {
		q.release(task.ID)
		return context.Canceled
	}

	if execErr == nil {
		q.settleSuccess(task, start, res)
		q.release(task.ID)
		return nil
	}

	if ctx.Err() != nil {
		execErr = fmt.Errorf("timeout after %dms", task.Timeout)
	}
	q.settleFailure(task, start, execErr)
	q.release(task.ID)
	return execErr
}

// settleSuccess records a completed attempt and submits any follow-up
// tasks the executor extracted.
func (q *Queue) settleSuccess(task *models.Task, start time.Time, res *executor.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	attempts, err := q.repo.IncrementAttempts(ctx, task.ID)
	if err != nil {
		q.logger.Error("failed to count attempt",
			zap.String("task_id", task.ID), zap.Error(err))
		attempts = task.Attempts + 1
	}
	if err := q.repo.UpdateResult(ctx, task.ID, res.Output, "", ""); err != nil {
		q.logger.Error("failed to record task result",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	task.Status = v1.TaskStatusCompleted
	task.Attempts = attempts

	q.recordAttempt(ctx, task, v1.TaskStatusCompleted, start, res.TokensUsed, "")
	q.emitTaskEvent(ctx, events.TaskCompleted, task, map[string]any{
		"attempts":   attempts,
		"tokensUsed": res.TokensUsed,
		"followUps":  len(res.FollowUps),
		"durationMs": time.Since(start).Milliseconds(),
	})

	for _, fu := range res.FollowUps {
		follow := &models.Task{
			SessionID:   fu.SessionID,
			Prompt:      fu.Prompt,
			Mode:        fu.Mode,
			Priority:    fu.Priority,
			TriggeredBy: fu.TriggeredBy,
		}
		if _, err := q.Submit(ctx, follow); err != nil {
			q.logger.Warn("failed to submit follow-up task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// settleFailure counts the attempt, then either parks the task for retry
// with exponential backoff or marks it failed once attempts are exhausted.
func (q *Queue) settleFailure(task *models.Task, start time.Time, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	attempts, err := q.repo.IncrementAttempts(ctx, task.ID)
	if err != nil {
		q.logger.Error("failed to count attempt",
			zap.String("task_id", task.ID), zap.Error(err))
		attempts = task.Attempts + 1
	}
	task.Attempts = attempts

	if attempts < task.MaxAttempts {
		base := q.config.RetryBase
		if task.RetryDelay > 0 {
			base = time.Duration(task.RetryDelay) * time.Millisecond
		}
		delay := Backoff(attempts, base)
		if err := q.repo.ScheduleRetry(ctx, task.ID, delay); err != nil {
			q.logger.Error("failed to schedule retry",
				zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		task.Status = v1.TaskStatusRetry
		q.recordAttempt(ctx, task, v1.TaskStatusRetry, start, 0, execErr.Error())
		q.emitTaskEvent(ctx, events.TaskRetry, task, map[string]any{
			"attempts":   attempts,
			"delayMs":    delay.Milliseconds(),
			"durationMs": time.Since(start).Milliseconds(),
			"error":      execErr.Error(),
		})
		q.logger.Info("task scheduled for retry",
			zap.String("task_id", task.ID),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay))
		return
	}

	if err := q.repo.UpdateResult(ctx, task.ID, "", execErr.Error(), fmt.Sprintf("%+v", execErr)); err != nil {
		q.logger.Error("failed to record task failure",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	task.Status = v1.TaskStatusFailed
	q.recordAttempt(ctx, task, v1.TaskStatusFailed, start, 0, execErr.Error())
	q.emitTaskEvent(ctx, events.TaskFailed, task, map[string]any{
		"attempts":   attempts,
		"durationMs": time.Since(start).Milliseconds(),
		"error":      execErr.Error(),
	})
	q.logger.Warn("task failed permanently",
		zap.String("task_id", task.ID),
		zap.Int("attempts", attempts),
		zap.Error(execErr))
}

// recordAttempt appends one execution history row. History failures are
// logged and swallowed; the task outcome is already durable.
func (q *Queue) recordAttempt(ctx context.Context, task *models.Task, status v1.TaskStatus, start time.Time, tokens int64, errMsg string) {
	end := time.Now().UTC()
	rec := &models.ExecutionRecord{
		TaskID:        task.ID,
		Status:        status,
		StartTime:     start,
		EndTime:       &end,
		ExecutionTime: end.Sub(start).Milliseconds(),
		TotalTokens:   tokens,
		Error:         errMsg,
		Metadata:      map[string]interface{}{"attempt": task.Attempts},
	}
	if err := q.repo.RecordExecution(ctx, rec); err != nil {
		q.logger.Warn("failed to record execution history",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (q *Queue) emitTaskEvent(ctx context.Context, eventType string, task *models.Task, extra map[string]any) {
	data := map[string]any{
		"taskId":    task.ID,
		"sessionId": task.SessionID,
		"status":    string(task.Status),
		"priority":  string(task.Priority),
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "task-queue", data)
	subject := events.BuildTaskSubject(eventType, task.SessionID)
	if err := q.bus.Publish(ctx, subject, event); err != nil {
		q.logger.Warn("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (q *Queue) wakeDispatcher() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
