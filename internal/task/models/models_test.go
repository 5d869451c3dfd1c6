package models

import (
	"testing"
	"time"

	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

func TestTaskStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		status   v1.TaskStatus
		expected string
	}{
		{"pending status", v1.TaskStatusPending, "pending"},
		{"scheduled status", v1.TaskStatusScheduled, "scheduled"},
		{"running status", v1.TaskStatusRunning, "running"},
		{"completed status", v1.TaskStatusCompleted, "completed"},
		{"failed status", v1.TaskStatusFailed, "failed"},
		{"cancelled status", v1.TaskStatusCancelled, "cancelled"},
		{"retry status", v1.TaskStatusRetry, "retry"},
		{"paused status", v1.TaskStatusPaused, "paused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.status) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(tt.status))
			}
		})
	}
}

func TestPriorityBasePoints(t *testing.T) {
	tests := []struct {
		name     string
		priority v1.TaskPriority
		expected int
	}{
		{"critical", v1.TaskPriorityCritical, 100},
		{"high", v1.TaskPriorityHigh, 75},
		{"normal", v1.TaskPriorityNormal, 50},
		{"low", v1.TaskPriorityLow, 25},
		{"unknown falls back to normal", v1.TaskPriority("bogus"), 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityBasePoints(tt.priority); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from v1.TaskStatus
		to   v1.TaskStatus
	}{
		{v1.TaskStatusPending, v1.TaskStatusRunning},
		{v1.TaskStatusPending, v1.TaskStatusCancelled},
		{v1.TaskStatusPending, v1.TaskStatusPaused},
		{v1.TaskStatusRunning, v1.TaskStatusCompleted},
		{v1.TaskStatusRunning, v1.TaskStatusRetry},
		{v1.TaskStatusRunning, v1.TaskStatusFailed},
		{v1.TaskStatusRetry, v1.TaskStatusPending},
		{v1.TaskStatusRetry, v1.TaskStatusRunning},
		{v1.TaskStatusPaused, v1.TaskStatusPending},
		{v1.TaskStatusPaused, v1.TaskStatusCancelled},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be allowed", tt.from, tt.to)
		}
	}

	rejected := []struct {
		from v1.TaskStatus
		to   v1.TaskStatus
	}{
		{v1.TaskStatusCompleted, v1.TaskStatusPending},
		{v1.TaskStatusCompleted, v1.TaskStatusRunning},
		{v1.TaskStatusFailed, v1.TaskStatusRetry},
		{v1.TaskStatusCancelled, v1.TaskStatusPending},
		{v1.TaskStatusRunning, v1.TaskStatusCancelled},
		{v1.TaskStatusRunning, v1.TaskStatusPending},
		{v1.TaskStatusRunning, v1.TaskStatusPaused},
		{v1.TaskStatusPending, v1.TaskStatusCompleted},
		{v1.TaskStatusPending, v1.TaskStatusFailed},
		{v1.TaskStatusRetry, v1.TaskStatusCancelled},
		{v1.TaskStatusPaused, v1.TaskStatusRunning},
	}
	for _, tt := range rejected {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be rejected", tt.from, tt.to)
		}
	}
}

func TestIsTerminalStatus(t *testing.T) {
	terminal := []v1.TaskStatus{
		v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled,
	}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []v1.TaskStatus{
		v1.TaskStatusPending, v1.TaskStatusScheduled, v1.TaskStatusRunning,
		v1.TaskStatusRetry, v1.TaskStatusPaused,
	}
	for _, s := range nonTerminal {
		if IsTerminalStatus(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestTaskEligible(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name         string
		status       v1.TaskStatus
		scheduledFor *time.Time
		expected     bool
	}{
		{"pending unscheduled", v1.TaskStatusPending, nil, true},
		{"pending scheduled in past", v1.TaskStatusPending, &past, true},
		{"pending scheduled exactly now", v1.TaskStatusPending, &now, true},
		{"pending scheduled in future", v1.TaskStatusPending, &future, false},
		{"retry scheduled in past", v1.TaskStatusRetry, &past, true},
		{"retry scheduled in future", v1.TaskStatusRetry, &future, false},
		{"running", v1.TaskStatusRunning, nil, false},
		{"paused", v1.TaskStatusPaused, nil, false},
		{"completed", v1.TaskStatusCompleted, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Status: tt.status, ScheduledFor: tt.scheduledFor}
			if got := task.Eligible(now); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestTaskToAPI(t *testing.T) {
	now := time.Now().UTC()
	scheduledFor := now.Add(5 * time.Second)
	task := &Task{
		ID:           "task-123",
		SessionID:    "session-001",
		Prompt:       "summarize the report",
		Mode:         v1.TaskModeGeneral,
		Model:        "gpt-test",
		Status:       v1.TaskStatusRetry,
		Priority:     v1.TaskPriorityHigh,
		Attempts:     2,
		MaxAttempts:  3,
		RetryDelay:   1000,
		Timeout:      30000,
		ScheduledFor: &scheduledFor,
		TriggeredBy:  "task-000",
		Metadata:     map[string]interface{}{"key": "value"},
		Tags:         []string{"report"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	apiTask := task.ToAPI()

	if apiTask.ID != task.ID {
		t.Errorf("expected ID %s, got %s", task.ID, apiTask.ID)
	}
	if apiTask.SessionID != task.SessionID {
		t.Errorf("expected SessionID %s, got %s", task.SessionID, apiTask.SessionID)
	}
	if apiTask.Status != v1.TaskStatusRetry {
		t.Errorf("expected status retry, got %s", apiTask.Status)
	}
	if apiTask.Priority != v1.TaskPriorityHigh {
		t.Errorf("expected priority high, got %s", apiTask.Priority)
	}
	if apiTask.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", apiTask.Attempts)
	}
	if apiTask.CreatedAt != now.UnixMilli() {
		t.Errorf("expected CreatedAt %d, got %d", now.UnixMilli(), apiTask.CreatedAt)
	}
	if apiTask.ScheduledFor == nil || *apiTask.ScheduledFor != scheduledFor.UnixMilli() {
		t.Errorf("expected ScheduledFor %d, got %v", scheduledFor.UnixMilli(), apiTask.ScheduledFor)
	}
	if apiTask.CompletedAt != nil {
		t.Errorf("expected nil CompletedAt, got %v", apiTask.CompletedAt)
	}
	if apiTask.Metadata["key"] != "value" {
		t.Errorf("expected Metadata key 'value', got %v", apiTask.Metadata["key"])
	}
}

func TestTriggerToAPI(t *testing.T) {
	now := time.Now().UTC()
	fired := now.Add(-time.Hour)
	trigger := &Trigger{
		ID:        "trigger-123",
		SessionID: "session-001",
		Type:      v1.TriggerTypeScheduled,
		Name:      "nightly digest",
		Schedule:  "0 3 * * *",
		TaskTemplate: &v1.TaskTemplate{
			Prompt:   "build the nightly digest",
			Mode:     v1.TaskModeGeneral,
			Priority: v1.TaskPriorityLow,
		},
		IsActive:        true,
		LastTriggeredAt: &fired,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	apiTrigger := trigger.ToAPI()

	if apiTrigger.ID != trigger.ID {
		t.Errorf("expected ID %s, got %s", trigger.ID, apiTrigger.ID)
	}
	if apiTrigger.Type != v1.TriggerTypeScheduled {
		t.Errorf("expected type scheduled, got %s", apiTrigger.Type)
	}
	if apiTrigger.Schedule != "0 3 * * *" {
		t.Errorf("expected schedule preserved, got %s", apiTrigger.Schedule)
	}
	if apiTrigger.TaskTemplate == nil || apiTrigger.TaskTemplate.Prompt != "build the nightly digest" {
		t.Errorf("expected task template preserved, got %+v", apiTrigger.TaskTemplate)
	}
	if apiTrigger.LastTriggeredAt == nil || *apiTrigger.LastTriggeredAt != fired.UnixMilli() {
		t.Errorf("expected LastTriggeredAt %d, got %v", fired.UnixMilli(), apiTrigger.LastTriggeredAt)
	}
	if !apiTrigger.IsActive {
		t.Error("expected trigger to be active")
	}
}

func TestQueueStatsToAPI(t *testing.T) {
	stats := &QueueStats{
		Total: 5,
		ByStatus: map[v1.TaskStatus]int64{
			v1.TaskStatusPending:   2,
			v1.TaskStatusRunning:   1,
			v1.TaskStatusCompleted: 2,
		},
		AvgAttempts: 1.4,
	}

	apiStats := stats.ToAPI()

	if apiStats.Total != 5 {
		t.Errorf("expected total 5, got %d", apiStats.Total)
	}
	if apiStats.ByStatus["pending"] != 2 {
		t.Errorf("expected 2 pending, got %d", apiStats.ByStatus["pending"])
	}
	if apiStats.AvgAttempts != 1.4 {
		t.Errorf("expected avg attempts 1.4, got %f", apiStats.AvgAttempts)
	}
}

func TestValidators(t *testing.T) {
	if !ValidStatus(v1.TaskStatusPending) || ValidStatus(v1.TaskStatus("nope")) {
		t.Error("ValidStatus mismatch")
	}
	if !ValidPriority(v1.TaskPriorityCritical) || ValidPriority(v1.TaskPriority("nope")) {
		t.Error("ValidPriority mismatch")
	}
	if !ValidMode(v1.TaskModeIntenseResearch) || ValidMode(v1.TaskMode("nope")) {
		t.Error("ValidMode mismatch")
	}
	if !ValidTriggerType(v1.TriggerTypeTimeBased) || ValidTriggerType(v1.TriggerType("nope")) {
		t.Error("ValidTriggerType mismatch")
	}
}
