package models

import (
	"time"

	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// Defaults applied at submission when the request leaves them unset.
const (
	DefaultMaxAttempts  = 3
	DefaultTimeoutMs    = 30000
	DefaultRetryDelayMs = 1000
)

// Scheduling constants. AgingCapMinutes bounds the age boost so old
// low-priority work cannot outrank everything forever; MaxRetryBackoff
// caps exponential retry delays.
const (
	AgingCapMinutes = 50
	MaxRetryBackoff = 5 * time.Minute
	MaxBatchSize    = 100
	SessionTasksCap = 1000
)

// PriorityBasePoints returns the base score contribution for a priority
// tier. Unknown tiers score as normal.
func PriorityBasePoints(p v1.TaskPriority) int {
	switch p {
	case v1.TaskPriorityCritical:
		return 100
	case v1.TaskPriorityHigh:
		return 75
	case v1.TaskPriorityNormal:
		return 50
	case v1.TaskPriorityLow:
		return 25
	default:
		return 50
	}
}

// Task represents a task in the database
type Task struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Prompt        string                 `json:"prompt"`
	Mode          v1.TaskMode            `json:"mode"`
	Model         string                 `json:"model,omitempty"`
	Status        v1.TaskStatus          `json:"status"`
	Priority      v1.TaskPriority        `json:"priority"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"max_attempts"`
	LastAttemptAt *time.Time             `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Result        string                 `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorStack    string                 `json:"error_stack,omitempty"`
	TriggeredBy   string                 `json:"triggered_by,omitempty"`
	RetryDelay    int64                  `json:"retry_delay"` // ms
	Timeout       int64                  `json:"timeout"`     // ms
	ScheduledFor  *time.Time             `json:"scheduled_for,omitempty"`
	RecurringRule string                 `json:"recurring_rule,omitempty"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// Eligible reports whether the task may be dispatched at the given time.
func (t *Task) Eligible(now time.Time) bool {
	if t.Status != v1.TaskStatusPending && t.Status != v1.TaskStatusRetry {
		return false
	}
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusPending, v1.TaskStatusScheduled, v1.TaskStatusRunning,
		v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled,
		v1.TaskStatusRetry, v1.TaskStatusPaused:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority tier.
func ValidPriority(p v1.TaskPriority) bool {
	switch p {
	case v1.TaskPriorityCritical, v1.TaskPriorityHigh,
		v1.TaskPriorityNormal, v1.TaskPriorityLow:
		return true
	}
	return false
}

// ValidMode reports whether m is a known execution mode.
func ValidMode(m v1.TaskMode) bool {
	switch m {
	case v1.TaskModeGeneral, v1.TaskModeCoder,
		v1.TaskModeIntenseResearch, v1.TaskModeSpark:
		return true
	}
	return false
}

// allowedTransitions is the closed set of legal status moves. Everything
// not listed is rejected, including any move out of a terminal status.
var allowedTransitions = map[v1.TaskStatus][]v1.TaskStatus{
	v1.TaskStatusPending: {v1.TaskStatusRunning, v1.TaskStatusCancelled, v1.TaskStatusPaused},
	v1.TaskStatusRunning: {v1.TaskStatusCompleted, v1.TaskStatusRetry, v1.TaskStatusFailed},
	v1.TaskStatusRetry:   {v1.TaskStatusPending, v1.TaskStatusRunning},
	v1.TaskStatusPaused:  {v1.TaskStatusPending, v1.TaskStatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to v1.TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status allowed to move into to. Used for
// batch updates where the current status is filtered in SQL rather than
// checked per row.
func TransitionSources(to v1.TaskStatus) []v1.TaskStatus {
	var sources []v1.TaskStatus
	for from, targets := range allowedTransitions {
		for _, t := range targets {
			if t == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// Trigger represents a stored trigger definition
type Trigger struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Type            v1.TriggerType         `json:"type"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	TargetTaskID    string                 `json:"target_task_id,omitempty"`
	TaskTemplate    *v1.TaskTemplate       `json:"task_template,omitempty"`
	ConditionType   string                 `json:"condition_type,omitempty"`
	ConditionData   map[string]interface{} `json:"condition_data,omitempty"`
	Schedule        string                 `json:"schedule,omitempty"`
	WebhookURL      string                 `json:"webhook_url,omitempty"`
	WebhookSecret   string                 `json:"webhook_secret,omitempty"`
	IsActive        bool                   `json:"is_active"`
	LastTriggeredAt *time.Time             `json:"last_triggered_at,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t v1.TriggerType) bool {
	switch t {
	case v1.TriggerTypeManual, v1.TriggerTypeScheduled, v1.TriggerTypeWebhook,
		v1.TriggerTypeAIGenerated, v1.TriggerTypeConditionBased,
		v1.TriggerTypeChain, v1.TriggerTypeTimeBased:
		return true
	}
	return false
}

// Workflow represents a stored workflow grouping tasks and triggers
type Workflow struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	TaskIDs       []string               `json:"task_ids,omitempty"`
	TriggerIDs    []string               `json:"trigger_ids,omitempty"`
	MaxConcurrent int                    `json:"max_concurrent"`
	Timeout       int64                  `json:"timeout"` // ms
	RetryPolicy   map[string]interface{} `json:"retry_policy,omitempty"`
	Status        v1.WorkflowStatus      `json:"status"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	TotalDuration int64                  `json:"total_duration"` // ms
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ExecutionRecord is one row of the append-only per-attempt history.
// ExecutionTime is wall milliseconds for the attempt.
type ExecutionRecord struct {
	ID            string                 `json:"id"`
	TaskID        string                 `json:"task_id"`
	Status        v1.TaskStatus          `json:"status"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       *time.Time             `json:"end_time,omitempty"`
	ExecutionTime int64                  `json:"execution_time"`
	InputTokens   int64                  `json:"input_tokens"`
	OutputTokens  int64                  `json:"output_tokens"`
	TotalTokens   int64                  `json:"total_tokens"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// TaskDependency links a task to one it depends on. DependencyType is
// stored but not interpreted by the core; it defaults to "completion".
type TaskDependency struct {
	ID             string    `json:"id"`
	FromTaskID     string    `json:"from_task_id"`
	ToTaskID       string    `json:"to_task_id"`
	DependencyType string    `json:"dependency_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// MetricSnapshot is one persisted queue/health sample
type MetricSnapshot struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"timestamp"`
	TotalTasks       int64                  `json:"total_tasks"`
	PendingTasks     int64                  `json:"pending_tasks"`
	RunningTasks     int64                  `json:"running_tasks"`
	CompletedTasks   int64                  `json:"completed_tasks"`
	FailedTasks      int64                  `json:"failed_tasks"`
	AvgExecutionTime float64                `json:"avg_execution_time"`
	SuccessRate      float64                `json:"success_rate"`
	ActiveWorkers    int64                  `json:"active_workers"`
	QueueDepth       int64                  `json:"queue_depth"`
	MemoryUsed       int64                  `json:"memory_used"`
	MemoryTotal      int64                  `json:"memory_total"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// QueueStats aggregates queue composition, optionally scoped to a session
type QueueStats struct {
	Total       int64                   `json:"total"`
	ByStatus    map[v1.TaskStatus]int64 `json:"by_status"`
	AvgAttempts float64                 `json:"avg_attempts"`
}

// ToAPI converts an internal Task to its wire representation.
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:            t.ID,
		SessionID:     t.SessionID,
		Prompt:        t.Prompt,
		Mode:          t.Mode,
		Model:         t.Model,
		Status:        t.Status,
		Priority:      t.Priority,
		Attempts:      t.Attempts,
		MaxAttempts:   t.MaxAttempts,
		LastAttemptAt: epochMsPtr(t.LastAttemptAt),
		CompletedAt:   epochMsPtr(t.CompletedAt),
		Result:        t.Result,
		Error:         t.Error,
		ErrorStack:    t.ErrorStack,
		TriggeredBy:   t.TriggeredBy,
		RetryDelay:    t.RetryDelay,
		Timeout:       t.Timeout,
		ScheduledFor:  epochMsPtr(t.ScheduledFor),
		RecurringRule: t.RecurringRule,
		WorkflowID:    t.WorkflowID,
		Metadata:      t.Metadata,
		Tags:          t.Tags,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		UpdatedAt:     t.UpdatedAt.UnixMilli(),
		ExpiresAt:     epochMsPtr(t.ExpiresAt),
	}
}

// ToAPI converts an internal Trigger to its wire representation.
func (tr *Trigger) ToAPI() *v1.Trigger {
	return &v1.Trigger{
		ID:              tr.ID,
		SessionID:       tr.SessionID,
		Type:            tr.Type,
		Name:            tr.Name,
		Description:     tr.Description,
		TargetTaskID:    tr.TargetTaskID,
		TaskTemplate:    tr.TaskTemplate,
		ConditionType:   tr.ConditionType,
		ConditionData:   tr.ConditionData,
		Schedule:        tr.Schedule,
		WebhookURL:      tr.WebhookURL,
		WebhookSecret:   tr.WebhookSecret,
		IsActive:        tr.IsActive,
		LastTriggeredAt: epochMsPtr(tr.LastTriggeredAt),
		Metadata:        tr.Metadata,
		CreatedAt:       tr.CreatedAt.UnixMilli(),
		UpdatedAt:       tr.UpdatedAt.UnixMilli(),
	}
}

// ToAPI converts an internal Workflow to its wire representation.
func (w *Workflow) ToAPI() *v1.Workflow {
	return &v1.Workflow{
		ID:            w.ID,
		SessionID:     w.SessionID,
		Name:          w.Name,
		Description:   w.Description,
		TaskIDs:       w.TaskIDs,
		TriggerIDs:    w.TriggerIDs,
		MaxConcurrent: w.MaxConcurrent,
		Timeout:       w.Timeout,
		RetryPolicy:   w.RetryPolicy,
		Status:        w.Status,
		CompletedAt:   epochMsPtr(w.CompletedAt),
		TotalDuration: w.TotalDuration,
		Metadata:      w.Metadata,
		CreatedAt:     w.CreatedAt.UnixMilli(),
		UpdatedAt:     w.UpdatedAt.UnixMilli(),
	}
}

// ToAPI converts an internal ExecutionRecord to its wire representation.
func (r *ExecutionRecord) ToAPI() *v1.ExecutionRecord {
	return &v1.ExecutionRecord{
		ID:            r.ID,
		TaskID:        r.TaskID,
		Status:        r.Status,
		StartTime:     r.StartTime.UnixMilli(),
		EndTime:       epochMsPtr(r.EndTime),
		ExecutionTime: r.ExecutionTime,
		InputTokens:   r.InputTokens,
		OutputTokens:  r.OutputTokens,
		TotalTokens:   r.TotalTokens,
		Error:         r.Error,
		Metadata:      r.Metadata,
		CreatedAt:     r.CreatedAt.UnixMilli(),
	}
}

// ToAPI converts internal QueueStats to the wire representation.
func (s *QueueStats) ToAPI() *v1.QueueStats {
	byStatus := make(map[string]int64, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return &v1.QueueStats{
		Total:       s.Total,
		ByStatus:    byStatus,
		AvgAttempts: s.AvgAttempts,
	}
}

func epochMsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
