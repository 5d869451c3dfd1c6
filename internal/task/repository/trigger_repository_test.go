package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

func TestSQLiteRepository_TriggerCRUD(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	prompt := "run the nightly digest"
	priority := v1.TaskPriorityHigh
	trigger := &models.Trigger{
		SessionID: "sess-1",
		Type:      v1.TriggerTypeScheduled,
		Name:      "nightly digest",
		Schedule:  "0 2 * * *",
		IsActive:  true,
		TaskTemplate: &v1.TaskTemplate{
			Prompt:   prompt,
			Priority: priority,
		},
		Metadata: map[string]interface{}{"owner": "ops"},
	}
	if err := repo.CreateTrigger(ctx, trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	if trigger.ID == "" {
		t.Error("expected trigger ID to be set")
	}

	retrieved, err := repo.GetTrigger(ctx, trigger.ID)
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if retrieved.Name != "nightly digest" {
		t.Errorf("expected name 'nightly digest', got %s", retrieved.Name)
	}
	if retrieved.Schedule != "0 2 * * *" {
		t.Errorf("expected schedule to round-trip, got %s", retrieved.Schedule)
	}
	if retrieved.TaskTemplate == nil || retrieved.TaskTemplate.Prompt != prompt {
		t.Errorf("expected task template to round-trip, got %+v", retrieved.TaskTemplate)
	}
	if retrieved.TaskTemplate.Priority != v1.TaskPriorityHigh {
		t.Errorf("expected template priority high, got %+v", retrieved.TaskTemplate.Priority)
	}
	if !retrieved.IsActive {
		t.Error("expected trigger to be active")
	}
	if retrieved.Metadata["owner"] != "ops" {
		t.Errorf("expected metadata to round-trip, got %v", retrieved.Metadata)
	}

	if err := repo.DeleteTrigger(ctx, trigger.ID); err != nil {
		t.Fatalf("failed to delete trigger: %v", err)
	}
	_, err = repo.GetTrigger(ctx, trigger.ID)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestSQLiteRepository_TriggerValidation(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	cases := []struct {
		name    string
		trigger *models.Trigger
	}{
		{"missing session", &models.Trigger{Type: v1.TriggerTypeManual, Name: "n"}},
		{"missing name", &models.Trigger{SessionID: "sess-1", Type: v1.TriggerTypeManual}},
		{"bad type", &models.Trigger{SessionID: "sess-1", Type: "cron", Name: "n"}},
	}
	for _, tc := range cases {
		err := repo.CreateTrigger(ctx, tc.trigger)
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("%s: expected invalid input error, got %v", tc.name, err)
		}
	}
}

func TestSQLiteRepository_ListTriggers(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	for _, spec := range []struct {
		session string
		name    string
	}{
		{"sess-a", "one"},
		{"sess-a", "two"},
		{"sess-b", "three"},
	} {
		trigger := &models.Trigger{SessionID: spec.session, Type: v1.TriggerTypeManual, Name: spec.name, IsActive: true}
		if err := repo.CreateTrigger(ctx, trigger); err != nil {
			t.Fatalf("failed to create trigger: %v", err)
		}
	}

	triggers, err := repo.ListTriggers(ctx, "sess-a")
	if err != nil {
		t.Fatalf("failed to list triggers: %v", err)
	}
	if len(triggers) != 2 {
		t.Errorf("expected 2 triggers for sess-a, got %d", len(triggers))
	}

	all, err := repo.ListTriggers(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all triggers: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 triggers total, got %d", len(all))
	}
}

func TestSQLiteRepository_GetActiveTriggers(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	active := &models.Trigger{ID: "on", SessionID: "sess-1", Type: v1.TriggerTypeScheduled, Name: "on", Schedule: "* * * * *", IsActive: true}
	inactive := &models.Trigger{ID: "off", SessionID: "sess-1", Type: v1.TriggerTypeScheduled, Name: "off", Schedule: "* * * * *"}
	for _, trigger := range []*models.Trigger{active, inactive} {
		if err := repo.CreateTrigger(ctx, trigger); err != nil {
			t.Fatalf("failed to create trigger: %v", err)
		}
	}

	triggers, err := repo.GetActiveTriggers(ctx, "")
	if err != nil {
		t.Fatalf("failed to get active triggers: %v", err)
	}
	if len(triggers) != 1 || triggers[0].ID != "on" {
		t.Errorf("expected only the active trigger, got %v", triggers)
	}

	// Toggling flips membership both ways.
	if err := repo.SetTriggerActive(ctx, "off", true); err != nil {
		t.Fatalf("failed to activate trigger: %v", err)
	}
	if err := repo.SetTriggerActive(ctx, "on", false); err != nil {
		t.Fatalf("failed to deactivate trigger: %v", err)
	}
	triggers, _ = repo.GetActiveTriggers(ctx, "")
	if len(triggers) != 1 || triggers[0].ID != "off" {
		t.Errorf("expected toggle to swap the active set, got %v", triggers)
	}

	err = repo.SetTriggerActive(ctx, "missing", true)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestSQLiteRepository_GetChainTriggers(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	watching := &models.Trigger{
		ID:            "chain-1",
		SessionID:     "sess-1",
		Type:          v1.TriggerTypeChain,
		Name:          "follow up on build",
		IsActive:      true,
		ConditionData: map[string]interface{}{"taskId": "task-42"},
	}
	otherTask := &models.Trigger{
		ID:            "chain-2",
		SessionID:     "sess-1",
		Type:          v1.TriggerTypeChain,
		Name:          "different watch",
		IsActive:      true,
		ConditionData: map[string]interface{}{"taskId": "task-99"},
	}
	disabled := &models.Trigger{
		ID:            "chain-3",
		SessionID:     "sess-1",
		Type:          v1.TriggerTypeChain,
		Name:          "disabled watch",
		ConditionData: map[string]interface{}{"taskId": "task-42"},
	}
	notChain := &models.Trigger{
		ID:            "manual-1",
		SessionID:     "sess-1",
		Type:          v1.TriggerTypeManual,
		Name:          "manual",
		IsActive:      true,
		ConditionData: map[string]interface{}{"taskId": "task-42"},
	}
	for _, trigger := range []*models.Trigger{watching, otherTask, disabled, notChain} {
		if err := repo.CreateTrigger(ctx, trigger); err != nil {
			t.Fatalf("failed to create trigger: %v", err)
		}
	}

	triggers, err := repo.GetChainTriggers(ctx, "task-42")
	if err != nil {
		t.Fatalf("failed to get chain triggers: %v", err)
	}
	if len(triggers) != 1 || triggers[0].ID != "chain-1" {
		t.Errorf("expected only the active chain watcher, got %v", triggers)
	}
}

func TestSQLiteRepository_TouchTrigger(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	trigger := &models.Trigger{ID: "t-1", SessionID: "sess-1", Type: v1.TriggerTypeManual, Name: "n", IsActive: true}
	if err := repo.CreateTrigger(ctx, trigger); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	firedAt := time.Now().UTC().Truncate(time.Second)
	if err := repo.TouchTrigger(ctx, "t-1", firedAt); err != nil {
		t.Fatalf("failed to touch trigger: %v", err)
	}
	retrieved, _ := repo.GetTrigger(ctx, "t-1")
	if retrieved.LastTriggeredAt == nil || !retrieved.LastTriggeredAt.Equal(firedAt) {
		t.Errorf("expected last_triggered_at %v, got %v", firedAt, retrieved.LastTriggeredAt)
	}

	err := repo.TouchTrigger(ctx, "missing", firedAt)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}
