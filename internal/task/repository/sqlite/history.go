package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/task/models"
)

const historyColumns = `id, task_id, status, start_time, end_time, execution_time, input_tokens, output_tokens, total_tokens, error, metadata_json, created_at`

// RecordExecution appends one attempt outcome to a task's history. History
// rows are never updated afterwards.
func (r *Repository) RecordExecution(ctx context.Context, record *models.ExecutionRecord) error {
	if record.TaskID == "" {
		return fmt.Errorf("%w: taskId is required", models.ErrInvalidInput)
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO execution_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		record.ID, record.TaskID, record.Status, record.StartTime,
		record.EndTime, record.ExecutionTime, record.InputTokens,
		record.OutputTokens, record.TotalTokens, record.Error,
		string(metadata), record.CreatedAt,
	)
	return err
}

// GetTaskHistory returns a task's attempts in execution order, capped at
// limit rows when limit is positive.
func (r *Repository) GetTaskHistory(ctx context.Context, taskID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM execution_history WHERE task_id = ? ORDER BY start_time ASC`
	args := []interface{}{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ExecutionRecord
	for rows.Next() {
		record := &models.ExecutionRecord{}
		var metadata string
		var endTime sql.NullTime
		err := rows.Scan(
			&record.ID, &record.TaskID, &record.Status, &record.StartTime,
			&endTime, &record.ExecutionTime, &record.InputTokens,
			&record.OutputTokens, &record.TotalTokens, &record.Error,
			&metadata, &record.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if endTime.Valid {
			record.EndTime = &endTime.Time
		}
		_ = json.Unmarshal([]byte(metadata), &record.Metadata)
		result = append(result, record)
	}
	return result, rows.Err()
}

// AvgExecutionMs returns the mean attempt duration across all recorded
// executions, 0 when no attempts have run yet.
func (r *Repository) AvgExecutionMs(ctx context.Context) (float64, error) {
	var avg float64
	err := r.ro.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(execution_time), 0) FROM execution_history`,
	).Scan(&avg)
	return avg, err
}
