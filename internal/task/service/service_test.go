package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/db"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
	"github.com/taskmill/taskmill/internal/orchestrator/executor"
	"github.com/taskmill/taskmill/internal/orchestrator/health"
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/orchestrator/queue"
	"github.com/taskmill/taskmill/internal/orchestrator/trigger"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"

	sqliterepo "github.com/taskmill/taskmill/internal/task/repository/sqlite"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func echoModel(_ context.Context, req *executor.Request) (*executor.Response, error) {
	return &executor.Response{Output: "done: " + req.Prompt, TokensUsed: 7}, nil
}

type systemFixture struct {
	service  *Service
	repo     repository.Repository
	queue    *queue.Queue
	executor *executor.Executor
	eventBus bus.EventBus
}

func setupSystem(t *testing.T, cfg Config) *systemFixture {
	t.Helper()
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "service_test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqliterepo.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	exec := executor.New(echoModel, log)
	p := pool.NewPool(pool.Config{
		Workers:        4,
		DefaultTimeout: 2 * time.Second,
		DrainTimeout:   200 * time.Millisecond,
		ErrorGrace:     time.Millisecond,
	}, log)
	q := queue.New(repo, p, eventBus, queue.Config{
		MaxConcurrent: 4,
		RetryBase:     10 * time.Millisecond,
		Tick:          20 * time.Millisecond,
	}, log)
	q.SetExecutor(exec)

	engine := trigger.New(repo, q, eventBus, trigger.Config{CheckInterval: time.Minute}, log)
	monitor := health.New(repo, q, eventBus, health.Config{
		Interval:     time.Minute,
		StallTimeout: time.Minute,
	}, log)

	svc := New(repo, q, engine, monitor, exec, eventBus, cfg, log)
	t.Cleanup(func() {
		if svc.IsRunning() {
			_ = svc.Stop()
		}
	})
	return &systemFixture{service: svc, repo: repo, queue: q, executor: exec, eventBus: eventBus}
}

func waitForStatus(t *testing.T, repo repository.Repository, id string, want v1.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := repo.GetTask(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status %s, task is %s", want, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_StartStopLifecycle(t *testing.T) {
	fx := setupSystem(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	for _, subject := range []string{events.SystemStarted, events.SystemStopped} {
		_, err := fx.eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			mu.Lock()
			seen = append(seen, event.Type)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, fx.service.Start(ctx))
	assert.True(t, fx.service.IsRunning())
	assert.True(t, fx.queue.IsRunning())
	assert.ErrorIs(t, fx.service.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, fx.service.Stop())
	assert.False(t, fx.service.IsRunning())
	assert.False(t, fx.queue.IsRunning())
	assert.ErrorIs(t, fx.service.Stop(), models.ErrNotStarted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.SystemStarted, events.SystemStopped}, seen)
}

func TestService_StatsAggregation(t *testing.T) {
	fx := setupSystem(t, Config{})
	ctx := context.Background()
	require.NoError(t, fx.service.Start(ctx))

	task, err := fx.queue.Submit(ctx, &models.Task{SessionID: "sess-stats", Prompt: "count me"})
	require.NoError(t, err)
	waitForStatus(t, fx.repo, task.ID, v1.TaskStatusCompleted)

	stats, err := fx.service.Stats(ctx, "")
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.GreaterOrEqual(t, stats.UptimeMs, int64(0))
	assert.Equal(t, int64(1), stats.Queue.Total)
	assert.Equal(t, int64(1), stats.Queue.ByStatus[v1.TaskStatusCompleted])
	assert.Equal(t, int64(1), stats.Executor.Executions)
	assert.Equal(t, int64(7), stats.Executor.TokensUsed)
	assert.Greater(t, stats.AvgExecutionMs, -1.0)
	require.NotNil(t, stats.Health)
	assert.True(t, stats.Health.Store.Connected)

	// Scoping to an unknown session empties the queue counts only.
	scoped, err := fx.service.Stats(ctx, "sess-other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), scoped.Queue.Total)
	assert.Equal(t, int64(1), scoped.Executor.Executions)
}

func TestService_ResetWipesAndRestarts(t *testing.T) {
	fx := setupSystem(t, Config{})
	ctx := context.Background()
	require.NoError(t, fx.service.Start(ctx))

	task, err := fx.queue.Submit(ctx, &models.Task{SessionID: "sess-reset", Prompt: "before reset"})
	require.NoError(t, err)
	waitForStatus(t, fx.repo, task.ID, v1.TaskStatusCompleted)

	require.NoError(t, fx.repo.CreateTrigger(ctx, &models.Trigger{
		SessionID: "sess-reset",
		Type:      v1.TriggerTypeManual,
		Name:      "leftover",
		IsActive:  true,
		TaskTemplate: &v1.TaskTemplate{
			SessionID: "sess-reset",
			Prompt:    "from trigger",
		},
	}))

	removed, err := fx.service.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.True(t, fx.service.IsRunning(), "reset restarts a running system")

	stats, err := fx.service.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Queue.Total)
	assert.Equal(t, int64(0), stats.Executor.Executions)

	triggers, err := fx.repo.ListTriggers(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, triggers)

	// A stopped system stays stopped through a reset.
	require.NoError(t, fx.service.Stop())
	_, err = fx.service.Reset(ctx)
	require.NoError(t, err)
	assert.False(t, fx.service.IsRunning())
}

func TestService_DeleteSession(t *testing.T) {
	fx := setupSystem(t, Config{})
	ctx := context.Background()
	require.NoError(t, fx.service.Start(ctx))

	keep, err := fx.queue.Submit(ctx, &models.Task{SessionID: "sess-keep", Prompt: "keep"})
	require.NoError(t, err)
	gone, err := fx.queue.Submit(ctx, &models.Task{SessionID: "sess-gone", Prompt: "drop"})
	require.NoError(t, err)
	waitForStatus(t, fx.repo, keep.ID, v1.TaskStatusCompleted)
	waitForStatus(t, fx.repo, gone.ID, v1.TaskStatusCompleted)
	require.NotEmpty(t, fx.executor.History("sess-gone"))

	removed, err := fx.service.DeleteSession(ctx, "sess-gone")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Empty(t, fx.executor.History("sess-gone"))
	assert.NotEmpty(t, fx.executor.History("sess-keep"))

	_, err = fx.repo.GetTask(ctx, gone.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = fx.repo.GetTask(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestService_SweepExpiresAndPrunes(t *testing.T) {
	fx := setupSystem(t, Config{Retention: 10 * time.Millisecond, SweepInterval: time.Hour})
	ctx := context.Background()

	expiry := time.Now().UTC().Add(-time.Minute)
	stale := &models.Task{SessionID: "sess-sweep", Prompt: "too old to run", ExpiresAt: &expiry}
	require.NoError(t, fx.repo.CreateTask(ctx, stale))

	done := &models.Task{SessionID: "sess-sweep", Prompt: "already finished"}
	require.NoError(t, fx.repo.CreateTask(ctx, done))
	require.NoError(t, fx.repo.UpdateStatus(ctx, done.ID, v1.TaskStatusRunning))
	require.NoError(t, fx.repo.UpdateResult(ctx, done.ID, "output", "", ""))

	time.Sleep(20 * time.Millisecond)

	expired, removed, err := fx.service.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)
	assert.Equal(t, int64(1), removed)

	leftover, err := fx.repo.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, leftover.Status)
	_, err = fx.repo.GetTask(ctx, done.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
