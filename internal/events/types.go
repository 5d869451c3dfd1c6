// Package events provides event subjects and utilities for the Taskmill event system.
package events

// Event types for task lifecycle
const (
	TaskCreated   = "task.created"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRetry     = "task.retry"
	TaskCancelled = "task.cancelled"
	TaskPaused    = "task.paused"
	TaskResumed   = "task.resumed"
)

// Event types for triggers
const (
	TriggerCreated = "trigger.created"
	TriggerFired   = "trigger.fired"
	TriggerDeleted = "trigger.deleted"
)

// Event types for system lifecycle and health
const (
	SystemStarted = "system.started"
	SystemStopped = "system.stopped"
	HealthSample  = "health.sample"
)

// BuildTaskSubject creates a task event subject scoped to a session, so
// consumers can subscribe to a single session's stream.
func BuildTaskSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// TaskWildcardSubject matches every task event across all sessions.
func TaskWildcardSubject() string {
	return "task.>"
}

// BuildTaskEventWildcard matches one task event type across all sessions.
func BuildTaskEventWildcard(eventType string) string {
	return eventType + ".*"
}

// BuildTriggerSubject creates a trigger event subject scoped to a session.
func BuildTriggerSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// TriggerWildcardSubject matches every trigger event across all sessions.
func TriggerWildcardSubject() string {
	return "trigger.>"
}
