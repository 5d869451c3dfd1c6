package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/task/models"
)

// AddDependency records that fromTaskID depends on toTaskID. Both tasks
// must exist. The dependency type defaults to "completion".
func (r *Repository) AddDependency(ctx context.Context, fromTaskID, toTaskID, depType string) (*models.TaskDependency, error) {
	if fromTaskID == "" || toTaskID == "" {
		return nil, fmt.Errorf("%w: both task ids are required", models.ErrInvalidInput)
	}
	if fromTaskID == toTaskID {
		return nil, fmt.Errorf("%w: a task cannot depend on itself", models.ErrInvalidInput)
	}
	if depType == "" {
		depType = "completion"
	}
	for _, id := range []string{fromTaskID, toTaskID} {
		if _, err := r.currentStatus(ctx, id); err != nil {
			return nil, err
		}
	}

	dep := &models.TaskDependency{
		ID:             uuid.New().String(),
		FromTaskID:     fromTaskID,
		ToTaskID:       toTaskID,
		DependencyType: depType,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO task_dependencies (id, from_task_id, to_task_id, dependency_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), dep.ID, dep.FromTaskID, dep.ToTaskID, dep.DependencyType, dep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// GetDependencies returns the dependencies declared by a task.
func (r *Repository) GetDependencies(ctx context.Context, taskID string) ([]*models.TaskDependency, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, from_task_id, to_task_id, dependency_type, created_at
		FROM task_dependencies WHERE from_task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TaskDependency
	for rows.Next() {
		dep := &models.TaskDependency{}
		if err := rows.Scan(&dep.ID, &dep.FromTaskID, &dep.ToTaskID, &dep.DependencyType, &dep.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, dep)
	}
	return result, rows.Err()
}
