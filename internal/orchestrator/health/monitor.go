// Package health samples system vitals on a fixed cadence and derives a
// coarse status plus a 0-100 score from each sample. Samples are persisted
// as metric rows and published on the event bus.
package health

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// Common errors
var (
	ErrMonitorAlreadyRunning = errors.New("health monitor is already running")
	ErrMonitorNotRunning     = errors.New("health monitor is not running")
)

// Thresholds for status and score derivation. Backlog ages compare against
// the oldest pending task; latency against the store probe.
const (
	degradedBacklogMs = 30_000
	staleBacklogMs    = 60_000
	slowStoreMs       = 500

	memoryWarnFraction = 0.75
	memoryHighFraction = 0.9
)

// sampleTimeout bounds the store reads and writes of one sample.
const sampleTimeout = 10 * time.Second

// WorkerPool is the slice of the task queue the monitor watches.
// RecoverStalled force-releases slots whose attempt outlived the stall
// timeout and reports how many it released.
type WorkerPool interface {
	PoolStats() pool.Stats
	RecoverStalled(timeout time.Duration) int
}

// Config holds health monitor configuration
type Config struct {
	Interval     time.Duration // sampling cadence
	StallTimeout time.Duration // running slots older than this count as stalled
}

// DefaultConfig returns the production cadence: one sample per minute, with
// slots stalled after one minute of execution.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, StallTimeout: time.Minute}
}

// Monitor samples store, queue, worker, and memory health.
type Monitor struct {
	repo     repository.Repository
	workers  WorkerPool
	eventBus bus.EventBus
	config   Config
	logger   *logger.Logger

	mu      sync.Mutex
	current *v1.HealthReport
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a health monitor. Call Start to begin sampling.
func New(repo repository.Repository, workers WorkerPool, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Monitor {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaults.StallTimeout
	}
	return &Monitor{
		repo:     repo,
		workers:  workers,
		eventBus: eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "health-monitor")),
	}
}

// Start takes an immediate first sample and begins the sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMonitorAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.Sample(ctx)

	m.wg.Add(1)
	go m.sampleLoop(ctx)

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("stall_timeout", m.config.StallTimeout))
	return nil
}

// Stop halts the sampling loop. The last report stays readable.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
	return nil
}

// IsRunning reports whether the sampling loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Current returns the most recent report, taking a fresh sample when none
// has been taken yet.
func (m *Monitor) Current(ctx context.Context) *v1.HealthReport {
	m.mu.Lock()
	report := m.current
	m.mu.Unlock()
	if report != nil {
		return report
	}
	return m.Sample(ctx)
}

// Sample takes one health sample: it probes the store, measures queue
// backlog, recovers stalled workers, and reads memory stats, then persists
// and publishes the result.
func (m *Monitor) Sample(ctx context.Context) *v1.HealthReport {
	report := &v1.HealthReport{SampledAt: time.Now().UTC().UnixMilli()}

	latency, pingErr := m.repo.Ping(ctx)
	report.Store.Connected = pingErr == nil
	report.Store.LatencyMs = latency.Milliseconds()
	if pingErr != nil {
		m.logger.Error("store ping failed", zap.Error(pingErr))
	}

	var stats *models.QueueStats
	if report.Store.Connected {
		var err error
		stats, err = m.repo.GetQueueStats(ctx, "")
		if err != nil {
			m.logger.Error("failed to read queue stats", zap.Error(err))
		} else {
			report.Queue.Pending = stats.ByStatus[v1.TaskStatusPending]
		}
		oldest, err := m.repo.OldestPending(ctx)
		if err != nil {
			m.logger.Error("failed to read oldest pending", zap.Error(err))
		} else if oldest != nil {
			report.Queue.OldestPendingMs = time.Since(*oldest).Milliseconds()
		}
	}

	stalled := m.workers.RecoverStalled(m.config.StallTimeout)
	if stalled > 0 {
		m.logger.Warn("recovered stalled workers", zap.Int("stalled", stalled))
	}
	poolStats := m.workers.PoolStats()
	report.Workers = v1.WorkerHealth{
		Active:  poolStats.Running,
		Idle:    poolStats.Idle,
		Stalled: stalled,
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.Memory = v1.MemoryHealth{
		HeapUsed:  mem.HeapAlloc,
		HeapTotal: mem.HeapSys,
		Fraction:  heapFraction(mem.HeapAlloc, mem.HeapSys),
	}

	report.Status = deriveStatus(report)
	report.Score = Score(report)

	m.mu.Lock()
	m.current = report
	m.mu.Unlock()

	if stats != nil {
		m.persist(ctx, report, stats, poolStats)
	}
	m.publish(ctx, report)
	return report
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			sampleCtx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
			m.Sample(sampleCtx)
			cancel()
		}
	}
}

// deriveStatus classifies a sample. Store loss and memory pressure trump
// backlog age and stalled workers.
func deriveStatus(r *v1.HealthReport) v1.HealthStatus {
	switch {
	case !r.Store.Connected || r.Memory.Fraction > memoryHighFraction:
		return v1.HealthStatusUnhealthy
	case r.Queue.OldestPendingMs > degradedBacklogMs || r.Workers.Stalled > 0:
		return v1.HealthStatusDegraded
	default:
		return v1.HealthStatusHealthy
	}
}

// Score derives the 0-100 health score from a sample, independent of the
// status classification.
func Score(r *v1.HealthReport) int {
	score := 100
	switch {
	case r.Memory.Fraction > memoryHighFraction:
		score -= 40
	case r.Memory.Fraction > memoryWarnFraction:
		score -= 20
	}
	score -= 10 * r.Workers.Stalled
	if r.Queue.OldestPendingMs > staleBacklogMs {
		score -= 20
	}
	if r.Store.LatencyMs > slowStoreMs {
		score -= 15
	}
	if score < 0 {
		score = 0
	}
	return score
}

// persist writes the sample as a metrics row.
func (m *Monitor) persist(ctx context.Context, report *v1.HealthReport, stats *models.QueueStats, poolStats pool.Stats) {
	avgMs, err := m.repo.AvgExecutionMs(ctx)
	if err != nil {
		m.logger.Warn("failed to read average execution time", zap.Error(err))
	}

	snapshot := &models.MetricSnapshot{
		Timestamp:        time.UnixMilli(report.SampledAt).UTC(),
		TotalTasks:       stats.Total,
		PendingTasks:     stats.ByStatus[v1.TaskStatusPending],
		RunningTasks:     stats.ByStatus[v1.TaskStatusRunning],
		CompletedTasks:   stats.ByStatus[v1.TaskStatusCompleted],
		FailedTasks:      stats.ByStatus[v1.TaskStatusFailed],
		AvgExecutionTime: avgMs,
		SuccessRate:      successRate(stats),
		ActiveWorkers:    int64(report.Workers.Active),
		QueueDepth:       int64(poolStats.QueueLength),
		MemoryUsed:       int64(report.Memory.HeapUsed),
		MemoryTotal:      int64(report.Memory.HeapTotal),
		Metadata: map[string]interface{}{
			"status":          string(report.Status),
			"score":           report.Score,
			"storeLatencyMs":  report.Store.LatencyMs,
			"oldestPendingMs": report.Queue.OldestPendingMs,
			"stalled":         report.Workers.Stalled,
		},
	}
	if err := m.repo.RecordMetric(ctx, snapshot); err != nil {
		m.logger.Warn("failed to persist health sample", zap.Error(err))
	}
}

func (m *Monitor) publish(ctx context.Context, report *v1.HealthReport) {
	event := bus.NewEvent(events.HealthSample, "health-monitor", map[string]any{
		"status":          string(report.Status),
		"score":           report.Score,
		"storeConnected":  report.Store.Connected,
		"pending":         report.Queue.Pending,
		"oldestPendingMs": report.Queue.OldestPendingMs,
		"stalled":         report.Workers.Stalled,
		"memoryFraction":  report.Memory.Fraction,
	})
	if err := m.eventBus.Publish(ctx, events.HealthSample, event); err != nil {
		m.logger.Warn("failed to publish health sample", zap.Error(err))
	}
}

// successRate is completed over terminal outcomes, 0 when nothing has
// finished yet.
func successRate(stats *models.QueueStats) float64 {
	completed := stats.ByStatus[v1.TaskStatusCompleted]
	failed := stats.ByStatus[v1.TaskStatusFailed]
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}

func heapFraction(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}
