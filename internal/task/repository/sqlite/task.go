package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmill/taskmill/internal/common/tracing"
	"github.com/taskmill/taskmill/internal/db/dialect"
	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

const taskColumns = `id, session_id, prompt, mode, model, status, priority, attempts, max_attempts, last_attempt_at, completed_at, result, error, error_stack, triggered_by, retry_delay, timeout, scheduled_for, recurring_rule, workflow_id, metadata_json, tags_json, created_at, updated_at, expires_at`

const insertTaskSQL = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateTask validates the task, fills defaults, and inserts it atomically.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if err := prepareTask(task); err != nil {
		return err
	}
	metadata, tags := marshalTaskJSON(task)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(insertTaskSQL), taskInsertArgs(task, metadata, tags)...)
	return err
}

// CreateTasksBatch inserts up to MaxBatchSize tasks in a single transaction.
// Either every task is persisted or none are.
func (r *Repository) CreateTasksBatch(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if len(tasks) > models.MaxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds limit of %d", models.ErrInvalidInput, len(tasks), models.MaxBatchSize)
	}
	for _, task := range tasks {
		if err := prepareTask(task); err != nil {
			return err
		}
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, task := range tasks {
			metadata, tags := marshalTaskJSON(task)
			if _, err := tx.ExecContext(ctx, tx.Rebind(insertTaskSQL), taskInsertArgs(task, metadata, tags)...); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetPendingDispatch returns the runnable tasks ordered by weighted priority
// score descending, oldest first on ties. The score is the priority base
// (100/75/50/25) plus the task's age in minutes capped at AgingCapMinutes,
// so starved low-priority work eventually outranks fresh critical work.
func (r *Repository) GetPendingDispatch(ctx context.Context, limit int) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("taskmill-db").Start(ctx, "db.GetPendingDispatch")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	drv := r.ro.DriverName()
	score := fmt.Sprintf(
		"(CASE priority WHEN 'critical' THEN 100 WHEN 'high' THEN 75 WHEN 'normal' THEN 50 WHEN 'low' THEN 25 ELSE 50 END + %s(%s, %d))",
		dialect.Least(drv),
		dialect.AgeMinutes(drv, "?", "created_at"),
		models.AgingCapMinutes,
	)
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status IN ('pending', 'retry')
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY %s DESC, created_at ASC
		LIMIT ?
	`, taskColumns, score)

	now := time.Now().UTC()
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), now, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// GetSessionTasks returns a session's tasks newest first, optionally
// filtered by status, capped at SessionTasksCap rows.
func (r *Repository) GetSessionTasks(ctx context.Context, sessionID string, status v1.TaskStatus) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("taskmill-db").Start(ctx, "db.GetSessionTasks")
	defer span.End()

	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", models.ErrInvalidInput)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`
	args := []interface{}{sessionID}
	if status != "" {
		if !models.ValidStatus(status) {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
		}
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, models.SessionTasksCap)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// UpdateStatus moves a task to a new status, enforcing the allowed
// transition set. The update is conditional on the observed current status,
// so two dispatchers racing to claim the same task cannot both win.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
	}
	current, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	set := `status = ?, updated_at = ?`
	args := []interface{}{status, now}
	switch {
	case status == v1.TaskStatusRunning:
		set += `, last_attempt_at = ?`
		args = append(args, now)
	case models.IsTerminalStatus(status):
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id, current)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET `+set+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: task %s left %s concurrently", models.ErrInvalidTransition, id, current)
	}
	return nil
}

// UpdateResult records the outcome of a finished attempt and moves the task
// to completed (no error) or failed (error present) in one statement.
func (r *Repository) UpdateResult(ctx context.Context, id, output, errMsg, errStack string) error {
	status := v1.TaskStatusCompleted
	if errMsg != "" {
		status = v1.TaskStatusFailed
	}
	current, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, result = ?, error = ?, error_stack = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), status, output, errMsg, errStack, now, now, id, current)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: task %s left %s concurrently", models.ErrInvalidTransition, id, current)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *Repository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}

	var attempts int
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT attempts FROM tasks WHERE id = ?`), id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// ScheduleRetry parks a running task for a later attempt. The task becomes
// eligible again once scheduled_for passes; that comparison is the only
// retry timing the system relies on.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, delay time.Duration) error {
	if delay < 0 {
		return fmt.Errorf("%w: negative retry delay", models.ErrInvalidInput)
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, scheduled_for = ?, retry_delay = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), v1.TaskStatusRetry, now.Add(delay), delay.Milliseconds(), now, id, v1.TaskStatusRunning)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.currentStatus(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: only running tasks can be scheduled for retry", models.ErrInvalidTransition)
	}
	return nil
}

// UpdatePriority reprioritizes a task that has not started yet.
func (r *Repository) UpdatePriority(ctx context.Context, id string, priority v1.TaskPriority) error {
	if !models.ValidPriority(priority) {
		return fmt.Errorf("%w: unknown priority %q", models.ErrInvalidInput, priority)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ? AND status = ?
	`), priority, time.Now().UTC(), id, v1.TaskStatusPending)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.currentStatus(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: only pending tasks can be reprioritized", models.ErrInvalidTransition)
	}
	return nil
}

// UpdateTasksBatch moves every listed task whose current status legally
// admits the target status. Returns the number of tasks updated.
func (r *Repository) UpdateTasksBatch(ctx context.Context, ids []string, status v1.TaskStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !models.ValidStatus(status) {
		return 0, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
	}
	sources := models.TransitionSources(status)
	if len(sources) == 0 {
		return 0, fmt.Errorf("%w: no status may transition to %s", models.ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	set := `status = ?, updated_at = ?`
	args := []interface{}{status, now}
	switch {
	case status == v1.TaskStatusRunning:
		set += `, last_attempt_at = ?`
		args = append(args, now)
	case models.IsTerminalStatus(status):
		set += `, completed_at = ?`
		args = append(args, now)
	}

	query, inArgs, err := sqlx.In(
		`UPDATE tasks SET `+set+` WHERE id IN (?) AND status IN (?)`,
		append(args, ids, sources)...,
	)
	if err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), inArgs...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetQueueStats aggregates task counts by status plus the average attempt
// count, optionally scoped to one session.
func (r *Repository) GetQueueStats(ctx context.Context, sessionID string) (*models.QueueStats, error) {
	query := `SELECT status, COUNT(*), COALESCE(AVG(attempts), 0) FROM tasks`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY status`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &models.QueueStats{ByStatus: make(map[v1.TaskStatus]int64)}
	var weightedAttempts float64
	for rows.Next() {
		var status v1.TaskStatus
		var count int64
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		weightedAttempts += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.AvgAttempts = weightedAttempts / float64(stats.Total)
	}
	return stats, nil
}

// OldestPending returns the creation time of the oldest pending task, or
// nil when nothing is pending. The health monitor derives backlog age from
// it.
func (r *Repository) OldestPending(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT MIN(created_at) FROM tasks WHERE status = ?
	`), v1.TaskStatusPending).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if !oldest.Valid {
		return nil, nil
	}
	t := oldest.Time
	return &t, nil
}

// ResetRunningTasks returns every running task to pending without touching
// its attempt counter. Called once at startup to recover work orphaned by a
// crash mid-attempt.
func (r *Repository) ResetRunningTasks(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?
	`), v1.TaskStatusPending, time.Now().UTC(), v1.TaskStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireTasks cancels queued tasks whose expires_at has passed. Retry tasks
// are first unparked to pending once their scheduled_for arrives, keeping
// every move inside the allowed transition set. Returns the number of tasks
// cancelled.
func (r *Repository) ExpireTasks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var cancelled int64
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
			  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		`), v1.TaskStatusPending, now, v1.TaskStatusRetry, now, now); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
		`), v1.TaskStatusCancelled, now, now, v1.TaskStatusPending, v1.TaskStatusPaused, now)
		if err != nil {
			return err
		}
		cancelled, err = result.RowsAffected()
		return err
	})
	return cancelled, err
}

// CleanupOld deletes terminal tasks that completed before the retention
// window. Execution history and dependencies go with them via cascade.
func (r *Repository) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at <= ?
	`), v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) currentStatus(ctx context.Context, id string) (v1.TaskStatus, error) {
	var status v1.TaskStatus
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// prepareTask validates required fields and fills identity, timestamps, and
// defaults on a task about to be inserted.
func prepareTask(task *models.Task) error {
	if task.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", models.ErrInvalidInput)
	}
	if task.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", models.ErrInvalidInput)
	}
	if task.Mode == "" {
		task.Mode = v1.TaskModeGeneral
	} else if !models.ValidMode(task.Mode) {
		return fmt.Errorf("%w: unknown mode %q", models.ErrInvalidInput, task.Mode)
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityNormal
	} else if !models.ValidPriority(task.Priority) {
		return fmt.Errorf("%w: unknown priority %q", models.ErrInvalidInput, task.Priority)
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	} else if !models.ValidStatus(task.Status) {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, task.Status)
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = models.DefaultMaxAttempts
	}
	if task.Timeout <= 0 {
		task.Timeout = models.DefaultTimeoutMs
	}
	if task.RetryDelay <= 0 {
		task.RetryDelay = models.DefaultRetryDelayMs
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return nil
}

func marshalTaskJSON(task *models.Task) (string, string) {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		tags = []byte("[]")
	}
	return string(metadata), string(tags)
}

func taskInsertArgs(task *models.Task, metadata, tags string) []interface{} {
	return []interface{}{
		task.ID, task.SessionID, task.Prompt, task.Mode, task.Model,
		task.Status, task.Priority, task.Attempts, task.MaxAttempts,
		task.LastAttemptAt, task.CompletedAt, task.Result, task.Error,
		task.ErrorStack, task.TriggeredBy, task.RetryDelay, task.Timeout,
		task.ScheduledFor, task.RecurringRule, task.WorkflowID,
		metadata, tags, task.CreatedAt, task.UpdatedAt, task.ExpiresAt,
	}
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var metadata, tags string
	var lastAttemptAt, completedAt, scheduledFor, expiresAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.SessionID, &task.Prompt, &task.Mode, &task.Model,
		&task.Status, &task.Priority, &task.Attempts, &task.MaxAttempts,
		&lastAttemptAt, &completedAt, &task.Result, &task.Error,
		&task.ErrorStack, &task.TriggeredBy, &task.RetryDelay, &task.Timeout,
		&scheduledFor, &task.RecurringRule, &task.WorkflowID,
		&metadata, &tags, &task.CreatedAt, &task.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAttemptAt.Valid {
		task.LastAttemptAt = &lastAttemptAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if scheduledFor.Valid {
		task.ScheduledFor = &scheduledFor.Time
	}
	if expiresAt.Valid {
		task.ExpiresAt = &expiresAt.Time
	}
	_ = json.Unmarshal([]byte(metadata), &task.Metadata)
	_ = json.Unmarshal([]byte(tags), &task.Tags)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
