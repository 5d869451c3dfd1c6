package service

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmill/taskmill/internal/orchestrator/executor"
	"github.com/taskmill/taskmill/internal/orchestrator/pool"
	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// SystemStats aggregates the store, pool, executor, and health views the
// stats endpoint reports.
type SystemStats struct {
	Running        bool               `json:"running"`
	UptimeMs       int64              `json:"uptimeMs"`
	Queue          *models.QueueStats `json:"queue"`
	Pool           pool.Stats         `json:"pool"`
	Executor       executor.Usage     `json:"executor"`
	Health         *v1.HealthReport   `json:"health"`
	AvgExecutionMs float64            `json:"avgExecutionMs"`
}

// Stats aggregates counters across components. sessionID narrows the queue
// counts to one session; pool, executor, and health are always global.
func (s *Service) Stats(ctx context.Context, sessionID string) (*SystemStats, error) {
	queueStats, err := s.repo.GetQueueStats(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	avgMs, err := s.repo.AvgExecutionMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}

	stats := &SystemStats{
		Queue:          queueStats,
		Pool:           s.queue.PoolStats(),
		Executor:       s.executor.Usage(),
		Health:         s.monitor.Current(ctx),
		AvgExecutionMs: avgMs,
	}
	s.mu.Lock()
	if s.running {
		stats.Running = true
		stats.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	s.mu.Unlock()
	return stats, nil
}
