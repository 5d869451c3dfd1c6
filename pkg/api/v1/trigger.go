package v1

// TriggerType classifies what causes a trigger to fire
type TriggerType string

const (
	TriggerTypeManual         TriggerType = "manual"
	TriggerTypeScheduled      TriggerType = "scheduled"
	TriggerTypeWebhook        TriggerType = "webhook"
	TriggerTypeAIGenerated    TriggerType = "ai-generated"
	TriggerTypeConditionBased TriggerType = "condition-based"
	TriggerTypeChain          TriggerType = "chain"
	TriggerTypeTimeBased      TriggerType = "time-based"
)

// TaskTemplate is the task blueprint a trigger instantiates when it fires.
// Fields left empty inherit from the trigger (sessionId) or the queue
// defaults (mode, priority, retry parameters).
type TaskTemplate struct {
	SessionID   string                 `json:"sessionId,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Mode        TaskMode               `json:"mode,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Priority    TaskPriority           `json:"priority,omitempty"`
	MaxAttempts *int                   `json:"maxAttempts,omitempty"`
	RetryDelay  *int64                 `json:"retryDelay,omitempty"`
	Timeout     *int64                 `json:"timeout,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// Trigger is the wire representation of a trigger. Timestamps are
// Unix epoch milliseconds.
type Trigger struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"sessionId"`
	Type            TriggerType            `json:"type"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	TargetTaskID    string                 `json:"targetTaskId,omitempty"`
	TaskTemplate    *TaskTemplate          `json:"taskTemplate,omitempty"`
	ConditionType   string                 `json:"conditionType,omitempty"`
	ConditionData   map[string]interface{} `json:"conditionData,omitempty"`
	Schedule        string                 `json:"schedule,omitempty"`
	WebhookURL      string                 `json:"webhookUrl,omitempty"`
	WebhookSecret   string                 `json:"webhookSecret,omitempty"`
	IsActive        bool                   `json:"isActive"`
	LastTriggeredAt *int64                 `json:"lastTriggeredAt,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       int64                  `json:"createdAt"`
	UpdatedAt       int64                  `json:"updatedAt"`
}

// CreateTriggerRequest for registering a new trigger. Scheduled and
// time-based triggers require a schedule; webhook triggers are assigned
// a callback URL on creation when one is not supplied.
type CreateTriggerRequest struct {
	SessionID     string                 `json:"sessionId" binding:"required"`
	Type          TriggerType            `json:"type" binding:"required"`
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description,omitempty"`
	TargetTaskID  string                 `json:"targetTaskId,omitempty"`
	TaskTemplate  *TaskTemplate          `json:"taskTemplate,omitempty"`
	ConditionType string                 `json:"conditionType,omitempty"`
	ConditionData map[string]interface{} `json:"conditionData,omitempty"`
	Schedule      string                 `json:"schedule,omitempty"`
	WebhookURL    string                 `json:"webhookUrl,omitempty"`
	WebhookSecret string                 `json:"webhookSecret,omitempty"`
	IsActive      *bool                  `json:"isActive,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// FireTriggerResponse reports the task created by a manual fire
type FireTriggerResponse struct {
	TriggerID string `json:"triggerId"`
	TaskID    string `json:"taskId,omitempty"`
	FiredAt   int64  `json:"firedAt"`
}
