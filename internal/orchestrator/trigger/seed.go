package trigger

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// SeedFile is the on-disk format for declarative trigger definitions
// loaded at startup.
type SeedFile struct {
	Triggers []SeedTrigger `yaml:"triggers"`
}

// SeedTrigger is one trigger definition in a seed file.
type SeedTrigger struct {
	SessionID     string                 `yaml:"sessionId"`
	Type          string                 `yaml:"type"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	TargetTaskID  string                 `yaml:"targetTaskId"`
	TaskTemplate  *SeedTemplate          `yaml:"taskTemplate"`
	ConditionType string                 `yaml:"conditionType"`
	ConditionData map[string]interface{} `yaml:"conditionData"`
	Schedule      string                 `yaml:"schedule"`
	WebhookURL    string                 `yaml:"webhookUrl"`
	WebhookSecret string                 `yaml:"webhookSecret"`
	Active        *bool                  `yaml:"active"`
	Metadata      map[string]interface{} `yaml:"metadata"`
}

// SeedTemplate mirrors the task template for YAML decoding.
type SeedTemplate struct {
	SessionID   string                 `yaml:"sessionId"`
	Prompt      string                 `yaml:"prompt"`
	Mode        string                 `yaml:"mode"`
	Model       string                 `yaml:"model"`
	Priority    string                 `yaml:"priority"`
	MaxAttempts *int                   `yaml:"maxAttempts"`
	RetryDelay  *int64                 `yaml:"retryDelay"`
	Timeout     *int64                 `yaml:"timeout"`
	Metadata    map[string]interface{} `yaml:"metadata"`
	Tags        []string               `yaml:"tags"`
}

// LoadSeedFile registers the triggers defined in a YAML file, skipping any
// whose name already exists in its session. Returns the number created, so
// repeated startups against the same store are idempotent.
func (e *Engine) LoadSeedFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read trigger seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse trigger seed file %s: %w", path, err)
	}

	created := 0
	names := make(map[string]map[string]bool) // sessionID -> existing names
	for i := range seed.Triggers {
		def := &seed.Triggers[i]

		taken, ok := names[def.SessionID]
		if !ok {
			existing, err := e.repo.ListTriggers(ctx, def.SessionID)
			if err != nil {
				return created, err
			}
			taken = make(map[string]bool, len(existing))
			for _, t := range existing {
				taken[t.Name] = true
			}
			names[def.SessionID] = taken
		}
		if taken[def.Name] {
			continue
		}

		if err := e.Register(ctx, def.toModel()); err != nil {
			return created, fmt.Errorf("failed to seed trigger %q: %w", def.Name, err)
		}
		taken[def.Name] = true
		created++
	}
	return created, nil
}

func (d *SeedTrigger) toModel() *models.Trigger {
	trigger := &models.Trigger{
		SessionID:     d.SessionID,
		Type:          v1.TriggerType(d.Type),
		Name:          d.Name,
		Description:   d.Description,
		TargetTaskID:  d.TargetTaskID,
		ConditionType: d.ConditionType,
		ConditionData: d.ConditionData,
		Schedule:      d.Schedule,
		WebhookURL:    d.WebhookURL,
		WebhookSecret: d.WebhookSecret,
		IsActive:      true,
		Metadata:      d.Metadata,
	}
	if d.Active != nil {
		trigger.IsActive = *d.Active
	}
	if d.TaskTemplate != nil {
		trigger.TaskTemplate = &v1.TaskTemplate{
			SessionID:   d.TaskTemplate.SessionID,
			Prompt:      d.TaskTemplate.Prompt,
			Mode:        v1.TaskMode(d.TaskTemplate.Mode),
			Model:       d.TaskTemplate.Model,
			Priority:    v1.TaskPriority(d.TaskTemplate.Priority),
			MaxAttempts: d.TaskTemplate.MaxAttempts,
			RetryDelay:  d.TaskTemplate.RetryDelay,
			Timeout:     d.TaskTemplate.Timeout,
			Metadata:    d.TaskTemplate.Metadata,
			Tags:        d.TaskTemplate.Tags,
		}
	}
	return trigger
}
