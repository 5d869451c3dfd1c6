package repository

import (
	"context"
	"time"

	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// Repository defines the interface for queue storage operations. It is the
// single serialization point of the system: every status change goes through
// it and is validated against the allowed transition set.
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	CreateTasksBatch(ctx context.Context, tasks []*models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetPendingDispatch(ctx context.Context, limit int) ([]*models.Task, error)
	GetSessionTasks(ctx context.Context, sessionID string, status v1.TaskStatus) ([]*models.Task, error)
	UpdateStatus(ctx context.Context, id string, status v1.TaskStatus) error
	UpdateResult(ctx context.Context, id, output, errMsg, errStack string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	ScheduleRetry(ctx context.Context, id string, delay time.Duration) error
	UpdatePriority(ctx context.Context, id string, priority v1.TaskPriority) error
	UpdateTasksBatch(ctx context.Context, ids []string, status v1.TaskStatus) (int64, error)
	GetQueueStats(ctx context.Context, sessionID string) (*models.QueueStats, error)
	OldestPending(ctx context.Context) (*time.Time, error)
	ResetRunningTasks(ctx context.Context) (int64, error)
	ExpireTasks(ctx context.Context) (int64, error)
	CleanupOld(ctx context.Context, retention time.Duration) (int64, error)

	// Trigger operations
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	GetTrigger(ctx context.Context, id string) (*models.Trigger, error)
	ListTriggers(ctx context.Context, sessionID string) ([]*models.Trigger, error)
	GetActiveTriggers(ctx context.Context, sessionID string) ([]*models.Trigger, error)
	GetChainTriggers(ctx context.Context, watchedTaskID string) ([]*models.Trigger, error)
	SetTriggerActive(ctx context.Context, id string, active bool) error
	TouchTrigger(ctx context.Context, id string, firedAt time.Time) error
	DeleteTrigger(ctx context.Context, id string) error

	// Workflow operations
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, sessionID string) ([]*models.Workflow, error)

	// Execution history
	RecordExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetTaskHistory(ctx context.Context, taskID string, limit int) ([]*models.ExecutionRecord, error)
	AvgExecutionMs(ctx context.Context) (float64, error)

	// Metrics
	RecordMetric(ctx context.Context, snapshot *models.MetricSnapshot) error
	GetRecentMetrics(ctx context.Context, limit int) ([]*models.MetricSnapshot, error)

	// Dependencies
	AddDependency(ctx context.Context, fromTaskID, toTaskID, dependencyType string) (*models.TaskDependency, error)
	GetDependencies(ctx context.Context, taskID string) ([]*models.TaskDependency, error)

	// Session cleanup
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	ResetAll(ctx context.Context) (int64, error)

	// Ping probes the store and reports how long the probe took.
	Ping(ctx context.Context) (time.Duration, error)

	// Close closes the repository (for database connections)
	Close() error
}
