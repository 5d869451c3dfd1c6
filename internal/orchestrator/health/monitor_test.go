package health

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
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository/sqlite"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeWorkers stands in for the task queue's pool view.
type fakeWorkers struct {
	stats   pool.Stats
	stalled int
}

func (f *fakeWorkers) PoolStats() pool.Stats            { return f.stats }
func (f *fakeWorkers) RecoverStalled(time.Duration) int { return f.stalled }

func setupMonitor(t *testing.T, workers WorkerPool, cfg Config) (*Monitor, *sqlite.Repository, bus.EventBus, *sqlx.DB) {
	t.Helper()
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "health_test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return New(repo, workers, eventBus, cfg, log), repo, eventBus, sqlxDB
}

func TestMonitor_SampleBuildsReport(t *testing.T) {
	workers := &fakeWorkers{stats: pool.Stats{Workers: 4, Idle: 3, Running: 1}}
	monitor, repo, _, _ := setupMonitor(t, workers, DefaultConfig())
	ctx := context.Background()

	backdated := &models.Task{ID: "old", SessionID: "sess-1", Prompt: "p",
		CreatedAt: time.Now().UTC().Add(-45 * time.Second)}
	fresh := &models.Task{ID: "new", SessionID: "sess-1", Prompt: "p"}
	require.NoError(t, repo.CreateTask(ctx, backdated))
	require.NoError(t, repo.CreateTask(ctx, fresh))

	report := monitor.Sample(ctx)
	assert.True(t, report.Store.Connected)
	assert.Equal(t, int64(2), report.Queue.Pending)
	assert.GreaterOrEqual(t, report.Queue.OldestPendingMs, int64(44_000))
	assert.Equal(t, 1, report.Workers.Active)
	assert.Equal(t, 3, report.Workers.Idle)
	assert.Equal(t, 0, report.Workers.Stalled)
	assert.Positive(t, report.Memory.HeapTotal)

	// a 45s backlog degrades status but does not yet cost score
	assert.Equal(t, v1.HealthStatusDegraded, report.Status)
	assert.Equal(t, 100, report.Score)

	// the sample lands in the metrics table
	rows, err := repo.GetRecentMetrics(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].TotalTasks)
	assert.Equal(t, int64(2), rows[0].PendingTasks)
	assert.Equal(t, "degraded", rows[0].Metadata["status"])

	// and is cached for Current
	assert.Same(t, report, monitor.Current(ctx))
}

func TestMonitor_StalledWorkersDegrade(t *testing.T) {
	workers := &fakeWorkers{stats: pool.Stats{Workers: 4, Idle: 4}, stalled: 2}
	monitor, _, _, _ := setupMonitor(t, workers, DefaultConfig())

	report := monitor.Sample(context.Background())
	assert.Equal(t, 2, report.Workers.Stalled)
	assert.Equal(t, v1.HealthStatusDegraded, report.Status)
	assert.Equal(t, 80, report.Score)
}

func TestMonitor_UnhealthyWhenStoreDown(t *testing.T) {
	workers := &fakeWorkers{stats: pool.Stats{Workers: 4, Idle: 4}}
	monitor, _, _, sqlxDB := setupMonitor(t, workers, DefaultConfig())
	require.NoError(t, sqlxDB.Close())

	report := monitor.Sample(context.Background())
	assert.False(t, report.Store.Connected)
	assert.Equal(t, v1.HealthStatusUnhealthy, report.Status)
	assert.Zero(t, report.Queue.Pending)
}

func TestMonitor_CurrentSamplesOnDemand(t *testing.T) {
	workers := &fakeWorkers{stats: pool.Stats{Workers: 2, Idle: 2}}
	monitor, _, _, _ := setupMonitor(t, workers, DefaultConfig())

	report := monitor.Current(context.Background())
	require.NotNil(t, report)
	assert.Equal(t, v1.HealthStatusHealthy, report.Status)
}

func TestMonitor_PublishesSamples(t *testing.T) {
	workers := &fakeWorkers{stats: pool.Stats{Workers: 2, Idle: 2}}
	monitor, _, eventBus, _ := setupMonitor(t, workers,
		Config{Interval: 20 * time.Millisecond, StallTimeout: time.Minute})

	var mu sync.Mutex
	count := 0
	var lastStatus string
	_, err := eventBus.Subscribe(events.HealthSample, func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		lastStatus, _ = event.Data["status"].(string)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, monitor.Start(context.Background()))
	t.Cleanup(func() {
		if monitor.IsRunning() {
			_ = monitor.Stop()
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for samples, saw %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, "healthy", lastStatus)
	mu.Unlock()

	require.NoError(t, monitor.Stop())
	require.ErrorIs(t, monitor.Stop(), ErrMonitorNotRunning)
}

func TestMonitor_StartStopGuards(t *testing.T) {
	monitor, _, _, _ := setupMonitor(t, &fakeWorkers{}, Config{Interval: time.Hour})
	ctx := context.Background()

	require.NoError(t, monitor.Start(ctx))
	require.ErrorIs(t, monitor.Start(ctx), ErrMonitorAlreadyRunning)
	require.True(t, monitor.IsRunning())
	require.NotNil(t, monitor.Current(ctx))

	require.NoError(t, monitor.Stop())
	require.False(t, monitor.IsRunning())
}
