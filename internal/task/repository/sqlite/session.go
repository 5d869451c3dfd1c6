package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskmill/taskmill/internal/task/models"
)

// DeleteSession removes every task, trigger, and workflow belonging to a
// session in one transaction. Execution history and dependencies follow the
// tasks via cascade. Returns the number of tasks removed.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: sessionId is required", models.ErrInvalidInput)
	}

	var tasks int64
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM triggers WHERE session_id = ?`), sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workflows WHERE session_id = ?`), sessionID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE session_id = ?`), sessionID)
		if err != nil {
			return err
		}
		tasks, err = result.RowsAffected()
		return err
	})
	return tasks, err
}

// ResetAll wipes every table in one transaction and returns the number of
// tasks removed. Supports the system reset operation.
func (r *Repository) ResetAll(ctx context.Context) (int64, error) {
	var tasks int64
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM tasks`)
		if err != nil {
			return err
		}
		if tasks, err = result.RowsAffected(); err != nil {
			return err
		}
		for _, table := range []string{
			"task_dependencies", "execution_history", "triggers", "workflows", "metrics",
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
	return tasks, err
}
