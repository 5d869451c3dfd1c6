package v1

// WorkflowStatus represents the lifecycle state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Workflow groups related tasks and triggers under a shared policy.
// Timestamps are Unix epoch milliseconds.
type Workflow struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	TaskIDs       []string               `json:"taskIds,omitempty"`
	TriggerIDs    []string               `json:"triggerIds,omitempty"`
	MaxConcurrent int                    `json:"maxConcurrent"`
	Timeout       int64                  `json:"timeout"`
	RetryPolicy   map[string]interface{} `json:"retryPolicy,omitempty"`
	Status        WorkflowStatus         `json:"status"`
	CompletedAt   *int64                 `json:"completedAt,omitempty"`
	TotalDuration int64                  `json:"totalDuration"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
	UpdatedAt     int64                  `json:"updatedAt"`
}

// CreateWorkflowRequest for creating a new workflow
type CreateWorkflowRequest struct {
	SessionID     string                 `json:"sessionId" binding:"required"`
	Name          string                 `json:"name" binding:"required,max=255"`
	Description   string                 `json:"description,omitempty"`
	TaskIDs       []string               `json:"taskIds,omitempty"`
	TriggerIDs    []string               `json:"triggerIds,omitempty"`
	MaxConcurrent int                    `json:"maxConcurrent,omitempty" binding:"omitempty,min=1"`
	Timeout       int64                  `json:"timeout,omitempty" binding:"omitempty,min=1"`
	RetryPolicy   map[string]interface{} `json:"retryPolicy,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
