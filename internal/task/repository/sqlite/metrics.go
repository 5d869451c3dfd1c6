package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/task/models"
)

const metricColumns = `id, timestamp, total_tasks, pending_tasks, running_tasks, completed_tasks, failed_tasks, avg_execution_time, success_rate, active_workers, queue_depth, memory_used, memory_total, metadata_json, created_at`

// RecordMetric persists one queue health sample.
func (r *Repository) RecordMetric(ctx context.Context, snapshot *models.MetricSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = now
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	metadata, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO metrics (`+metricColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		snapshot.ID, snapshot.Timestamp, snapshot.TotalTasks,
		snapshot.PendingTasks, snapshot.RunningTasks, snapshot.CompletedTasks,
		snapshot.FailedTasks, snapshot.AvgExecutionTime, snapshot.SuccessRate,
		snapshot.ActiveWorkers, snapshot.QueueDepth, snapshot.MemoryUsed,
		snapshot.MemoryTotal, string(metadata), snapshot.CreatedAt,
	)
	return err
}

// GetRecentMetrics returns the newest samples first.
func (r *Repository) GetRecentMetrics(ctx context.Context, limit int) ([]*models.MetricSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+metricColumns+` FROM metrics ORDER BY timestamp DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.MetricSnapshot
	for rows.Next() {
		snapshot := &models.MetricSnapshot{}
		var metadata string
		err := rows.Scan(
			&snapshot.ID, &snapshot.Timestamp, &snapshot.TotalTasks,
			&snapshot.PendingTasks, &snapshot.RunningTasks,
			&snapshot.CompletedTasks, &snapshot.FailedTasks,
			&snapshot.AvgExecutionTime, &snapshot.SuccessRate,
			&snapshot.ActiveWorkers, &snapshot.QueueDepth,
			&snapshot.MemoryUsed, &snapshot.MemoryTotal,
			&metadata, &snapshot.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &snapshot.Metadata)
		result = append(result, snapshot)
	}
	return result, rows.Err()
}
