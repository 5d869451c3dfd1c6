package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

const workflowColumns = `id, session_id, name, description, task_ids_json, trigger_ids_json, max_concurrent, timeout, retry_policy_json, status, completed_at, total_duration, metadata_json, created_at, updated_at`

// CreateWorkflow validates and persists a workflow container.
func (r *Repository) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", models.ErrInvalidInput)
	}
	if workflow.Name == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidInput)
	}
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.MaxConcurrent <= 0 {
		workflow.MaxConcurrent = 1
	}
	if workflow.Status == "" {
		workflow.Status = v1.WorkflowStatusCreated
	}
	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	taskIDs, err := json.Marshal(workflow.TaskIDs)
	if err != nil {
		taskIDs = []byte("[]")
	}
	triggerIDs, err := json.Marshal(workflow.TriggerIDs)
	if err != nil {
		triggerIDs = []byte("[]")
	}
	retryPolicy, err := json.Marshal(workflow.RetryPolicy)
	if err != nil {
		retryPolicy = []byte("{}")
	}
	metadata, err := json.Marshal(workflow.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		workflow.ID, workflow.SessionID, workflow.Name, workflow.Description,
		string(taskIDs), string(triggerIDs), workflow.MaxConcurrent,
		workflow.Timeout, string(retryPolicy), workflow.Status,
		workflow.CompletedAt, workflow.TotalDuration, string(metadata),
		workflow.CreatedAt, workflow.UpdatedAt,
	)
	return err
}

// GetWorkflow retrieves a workflow by ID
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+workflowColumns+` FROM workflows WHERE id = ?
	`), id)
	workflow, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return workflow, nil
}

// ListWorkflows returns workflows newest first, optionally scoped to a session.
func (r *Repository) ListWorkflows(ctx context.Context, sessionID string) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, workflow)
	}
	return result, rows.Err()
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	workflow := &models.Workflow{}
	var taskIDs, triggerIDs, retryPolicy, metadata string
	var completedAt sql.NullTime
	err := row.Scan(
		&workflow.ID, &workflow.SessionID, &workflow.Name,
		&workflow.Description, &taskIDs, &triggerIDs,
		&workflow.MaxConcurrent, &workflow.Timeout, &retryPolicy,
		&workflow.Status, &completedAt, &workflow.TotalDuration,
		&metadata, &workflow.CreatedAt, &workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		workflow.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(taskIDs), &workflow.TaskIDs)
	_ = json.Unmarshal([]byte(triggerIDs), &workflow.TriggerIDs)
	_ = json.Unmarshal([]byte(retryPolicy), &workflow.RetryPolicy)
	_ = json.Unmarshal([]byte(metadata), &workflow.Metadata)
	return workflow, nil
}
