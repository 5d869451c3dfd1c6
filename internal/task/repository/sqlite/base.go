// Package sqlite provides the SQL-backed repository implementation. The
// DDL and queries run unchanged on SQLite and PostgreSQL; driver-specific
// fragments go through the dialect helpers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed queue storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// WithTx runs fn inside a write transaction, committing on nil and rolling
// back on error.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rollbackErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Ping probes the store with a trivial query and reports the wall time.
func (r *Repository) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := r.ro.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initTriggerSchema(); err != nil {
		return err
	}
	if err := r.initWorkflowSchema(); err != nil {
		return err
	}
	if err := r.initHistorySchema(); err != nil {
		return err
	}
	if err := r.initMetricsSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'general',
		model TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'normal',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_attempt_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT DEFAULT '',
		error TEXT DEFAULT '',
		error_stack TEXT DEFAULT '',
		triggered_by TEXT DEFAULT '',
		retry_delay INTEGER NOT NULL DEFAULT 1000,
		timeout INTEGER NOT NULL DEFAULT 30000,
		scheduled_for TIMESTAMP,
		recurring_rule TEXT DEFAULT '',
		workflow_id TEXT DEFAULT '',
		metadata_json TEXT DEFAULT '{}',
		tags_json TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		id TEXT PRIMARY KEY,
		from_task_id TEXT NOT NULL,
		to_task_id TEXT NOT NULL,
		dependency_type TEXT NOT NULL DEFAULT 'completion',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (from_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (to_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		UNIQUE(from_task_id, to_task_id)
	);
	`)
	return err
}

func (r *Repository) initTriggerSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		target_task_id TEXT DEFAULT '',
		task_template_json TEXT DEFAULT '{}',
		condition_type TEXT DEFAULT '',
		condition_data_json TEXT DEFAULT '{}',
		schedule TEXT DEFAULT '',
		webhook_url TEXT DEFAULT '',
		webhook_secret TEXT DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_triggered_at TIMESTAMP,
		metadata_json TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initWorkflowSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		task_ids_json TEXT DEFAULT '[]',
		trigger_ids_json TEXT DEFAULT '[]',
		max_concurrent INTEGER NOT NULL DEFAULT 1,
		timeout INTEGER NOT NULL DEFAULT 0,
		retry_policy_json TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'created',
		completed_at TIMESTAMP,
		total_duration INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initHistorySchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS execution_history (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		execution_time INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		error TEXT DEFAULT '',
		metadata_json TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initMetricsSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS metrics (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		pending_tasks INTEGER NOT NULL DEFAULT 0,
		running_tasks INTEGER NOT NULL DEFAULT 0,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		failed_tasks INTEGER NOT NULL DEFAULT 0,
		avg_execution_time REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		active_workers INTEGER NOT NULL DEFAULT 0,
		queue_depth INTEGER NOT NULL DEFAULT 0,
		memory_used INTEGER NOT NULL DEFAULT 0,
		memory_total INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status_priority_created ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_for ON tasks(scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_triggers_session_id ON triggers(session_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_active_type ON triggers(is_active, type);
	CREATE INDEX IF NOT EXISTS idx_workflows_session_id ON workflows(session_id);
	CREATE INDEX IF NOT EXISTS idx_history_task_time ON execution_history(task_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_dependencies_from ON task_dependencies(from_task_id);
	CREATE INDEX IF NOT EXISTS idx_dependencies_to ON task_dependencies(to_task_id);
	CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp DESC);
	`)
	return err
}
