// Package dto converts between the HTTP wire types and the internal models.
// Wire timestamps are Unix epoch milliseconds; the store keeps time.Time.
package dto

import (
	"time"

	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// TaskFromCreateRequest builds an internal task from a submit request.
// Zero-valued fields stay zero; the store validates and fills defaults.
func TaskFromCreateRequest(req *v1.CreateTaskRequest) *models.Task {
	task := &models.Task{
		SessionID:     req.SessionID,
		Prompt:        req.Prompt,
		Mode:          req.Mode,
		Model:         req.Model,
		Priority:      req.Priority,
		TriggeredBy:   req.TriggeredBy,
		RecurringRule: req.RecurringRule,
		WorkflowID:    req.WorkflowID,
		Metadata:      req.Metadata,
		Tags:          req.Tags,
		ScheduledFor:  msToTime(req.ScheduledFor),
		ExpiresAt:     msToTime(req.ExpiresAt),
	}
	if req.MaxAttempts != nil {
		task.MaxAttempts = *req.MaxAttempts
	}
	if req.RetryDelay != nil {
		task.RetryDelay = *req.RetryDelay
	}
	if req.Timeout != nil {
		task.Timeout = *req.Timeout
	}
	return task
}

// TriggerFromCreateRequest builds an internal trigger from a create request.
// Triggers are active unless the request says otherwise.
func TriggerFromCreateRequest(req *v1.CreateTriggerRequest) *models.Trigger {
	trigger := &models.Trigger{
		SessionID:     req.SessionID,
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		TargetTaskID:  req.TargetTaskID,
		TaskTemplate:  req.TaskTemplate,
		ConditionType: req.ConditionType,
		ConditionData: req.ConditionData,
		Schedule:      req.Schedule,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		IsActive:      true,
		Metadata:      req.Metadata,
	}
	if req.IsActive != nil {
		trigger.IsActive = *req.IsActive
	}
	return trigger
}

// WorkflowFromCreateRequest builds an internal workflow from a create
// request. The store assigns the id and the created status.
func WorkflowFromCreateRequest(req *v1.CreateWorkflowRequest) *models.Workflow {
	return &models.Workflow{
		SessionID:     req.SessionID,
		Name:          req.Name,
		Description:   req.Description,
		TaskIDs:       req.TaskIDs,
		TriggerIDs:    req.TriggerIDs,
		MaxConcurrent: req.MaxConcurrent,
		Timeout:       req.Timeout,
		RetryPolicy:   req.RetryPolicy,
		Metadata:      req.Metadata,
	}
}

// TasksToAPI converts a task list to its wire representation.
func TasksToAPI(tasks []*models.Task) []*v1.Task {
	out := make([]*v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToAPI())
	}
	return out
}

// TriggersToAPI converts a trigger list to its wire representation.
func TriggersToAPI(triggers []*models.Trigger) []*v1.Trigger {
	out := make([]*v1.Trigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.ToAPI())
	}
	return out
}

// WorkflowsToAPI converts a workflow list to its wire representation.
func WorkflowsToAPI(workflows []*models.Workflow) []*v1.Workflow {
	out := make([]*v1.Workflow, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, w.ToAPI())
	}
	return out
}

// RecordsToAPI converts execution history to its wire representation.
func RecordsToAPI(records []*models.ExecutionRecord) []*v1.ExecutionRecord {
	out := make([]*v1.ExecutionRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.ToAPI())
	}
	return out
}

func msToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
