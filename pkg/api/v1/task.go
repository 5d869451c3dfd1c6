package v1

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusPaused    TaskStatus = "paused"
)

// TaskPriority represents the scheduling tier of a task
type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityLow      TaskPriority = "low"
)

// TaskMode selects the execution profile passed to the AI executor
type TaskMode string

const (
	TaskModeGeneral         TaskMode = "general"
	TaskModeCoder           TaskMode = "coder"
	TaskModeIntenseResearch TaskMode = "intense-research"
	TaskModeSpark           TaskMode = "spark"
)

// Task is the wire representation of a task. All timestamps are
// Unix epoch milliseconds.
type Task struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	Prompt        string                 `json:"prompt"`
	Mode          TaskMode               `json:"mode"`
	Model         string                 `json:"model,omitempty"`
	Status        TaskStatus             `json:"status"`
	Priority      TaskPriority           `json:"priority"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"maxAttempts"`
	LastAttemptAt *int64                 `json:"lastAttemptAt,omitempty"`
	CompletedAt   *int64                 `json:"completedAt,omitempty"`
	Result        string                 `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorStack    string                 `json:"errorStack,omitempty"`
	TriggeredBy   string                 `json:"triggeredBy,omitempty"`
	RetryDelay    int64                  `json:"retryDelay"`
	Timeout       int64                  `json:"timeout"`
	ScheduledFor  *int64                 `json:"scheduledFor,omitempty"`
	RecurringRule string                 `json:"recurringRule,omitempty"`
	WorkflowID    string                 `json:"workflowId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
	UpdatedAt     int64                  `json:"updatedAt"`
	ExpiresAt     *int64                 `json:"expiresAt,omitempty"`
}

// CreateTaskRequest for submitting a new task. Mode defaults to "general"
// and priority to "normal" when omitted; retry parameters fall back to the
// queue configuration.
type CreateTaskRequest struct {
	SessionID     string                 `json:"sessionId" binding:"required"`
	Prompt        string                 `json:"prompt" binding:"required"`
	Mode          TaskMode               `json:"mode,omitempty"`
	Model         string                 `json:"model,omitempty"`
	Priority      TaskPriority           `json:"priority,omitempty"`
	MaxAttempts   *int                   `json:"maxAttempts,omitempty" binding:"omitempty,min=1"`
	RetryDelay    *int64                 `json:"retryDelay,omitempty" binding:"omitempty,min=0"`
	Timeout       *int64                 `json:"timeout,omitempty" binding:"omitempty,min=1"`
	ScheduledFor  *int64                 `json:"scheduledFor,omitempty"`
	RecurringRule string                 `json:"recurringRule,omitempty"`
	TriggeredBy   string                 `json:"triggeredBy,omitempty"`
	WorkflowID    string                 `json:"workflowId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	ExpiresAt     *int64                 `json:"expiresAt,omitempty"`
}

// BatchCreateTasksRequest for submitting up to 100 tasks atomically
type BatchCreateTasksRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" binding:"required,min=1,max=100,dive"`
}

// UpdateTaskPriorityRequest for reprioritizing a queued task
type UpdateTaskPriorityRequest struct {
	TaskID   string       `json:"taskId" binding:"required"`
	Priority TaskPriority `json:"priority" binding:"required"`
}

// ExecutionRecord is the wire representation of a single execution attempt
type ExecutionRecord struct {
	ID            string                 `json:"id"`
	TaskID        string                 `json:"taskId"`
	Status        TaskStatus             `json:"status"`
	StartTime     int64                  `json:"startTime"`
	EndTime       *int64                 `json:"endTime,omitempty"`
	ExecutionTime int64                  `json:"executionTime"`
	InputTokens   int64                  `json:"inputTokens"`
	OutputTokens  int64                  `json:"outputTokens"`
	TotalTokens   int64                  `json:"totalTokens"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
}

// QueueStats summarizes queue composition, optionally scoped to a session
type QueueStats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"byStatus"`
	AvgAttempts float64          `json:"avgAttempts"`
}
