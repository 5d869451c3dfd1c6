package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/db/dialect"
	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

const triggerColumns = `id, session_id, type, name, description, target_task_id, task_template_json, condition_type, condition_data_json, schedule, webhook_url, webhook_secret, is_active, last_triggered_at, metadata_json, created_at, updated_at`

// CreateTrigger validates and persists a trigger definition.
func (r *Repository) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	if trigger.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", models.ErrInvalidInput)
	}
	if trigger.Name == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidInput)
	}
	if !models.ValidTriggerType(trigger.Type) {
		return fmt.Errorf("%w: unknown trigger type %q", models.ErrInvalidInput, trigger.Type)
	}
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}
	trigger.UpdatedAt = now

	template, condition, metadata := marshalTriggerJSON(trigger)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		trigger.ID, trigger.SessionID, trigger.Type, trigger.Name,
		trigger.Description, trigger.TargetTaskID, template,
		trigger.ConditionType, condition, trigger.Schedule,
		trigger.WebhookURL, trigger.WebhookSecret,
		dialect.BoolToInt(trigger.IsActive), trigger.LastTriggeredAt,
		metadata, trigger.CreatedAt, trigger.UpdatedAt,
	)
	return err
}

// GetTrigger retrieves a trigger by ID
func (r *Repository) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+triggerColumns+` FROM triggers WHERE id = ?
	`), id)
	trigger, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: trigger %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return trigger, nil
}

// ListTriggers returns triggers newest first, optionally scoped to a session.
func (r *Repository) ListTriggers(ctx context.Context, sessionID string) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTriggers(rows)
}

// GetActiveTriggers returns every active trigger, optionally scoped to a
// session. The scheduler rescans these each evaluation pass.
func (r *Repository) GetActiveTriggers(ctx context.Context, sessionID string) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE is_active = 1`
	var args []interface{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTriggers(rows)
}

// GetChainTriggers returns the active chain triggers watching the given
// task, matched against the taskId key of their condition data.
func (r *Repository) GetChainTriggers(ctx context.Context, watchedTaskID string) ([]*models.Trigger, error) {
	drv := r.ro.DriverName()
	query := fmt.Sprintf(`
		SELECT %s FROM triggers
		WHERE type = ? AND is_active = 1 AND %s = ?
	`, triggerColumns, dialect.JSONExtract(drv, "condition_data_json", "taskId"))

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), v1.TriggerTypeChain, watchedTaskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTriggers(rows)
}

// SetTriggerActive toggles a trigger without touching its definition.
func (r *Repository) SetTriggerActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE triggers SET is_active = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: trigger %s", models.ErrNotFound, id)
	}
	return nil
}

// TouchTrigger records that a trigger fired.
func (r *Repository) TouchTrigger(ctx context.Context, id string, firedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE triggers SET last_triggered_at = ?, updated_at = ? WHERE id = ?
	`), firedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: trigger %s", models.ErrNotFound, id)
	}
	return nil
}

// DeleteTrigger removes a trigger permanently.
func (r *Repository) DeleteTrigger(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM triggers WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: trigger %s", models.ErrNotFound, id)
	}
	return nil
}

func marshalTriggerJSON(trigger *models.Trigger) (string, string, string) {
	template, err := json.Marshal(trigger.TaskTemplate)
	if err != nil {
		template = []byte("null")
	}
	condition, err := json.Marshal(trigger.ConditionData)
	if err != nil {
		condition = []byte("{}")
	}
	metadata, err := json.Marshal(trigger.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	return string(template), string(condition), string(metadata)
}

func scanTrigger(row rowScanner) (*models.Trigger, error) {
	trigger := &models.Trigger{}
	var template, condition, metadata string
	var isActive int
	var lastTriggeredAt sql.NullTime
	err := row.Scan(
		&trigger.ID, &trigger.SessionID, &trigger.Type, &trigger.Name,
		&trigger.Description, &trigger.TargetTaskID, &template,
		&trigger.ConditionType, &condition, &trigger.Schedule,
		&trigger.WebhookURL, &trigger.WebhookSecret, &isActive,
		&lastTriggeredAt, &metadata, &trigger.CreatedAt, &trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	trigger.IsActive = isActive == 1
	if lastTriggeredAt.Valid {
		trigger.LastTriggeredAt = &lastTriggeredAt.Time
	}
	_ = json.Unmarshal([]byte(template), &trigger.TaskTemplate)
	_ = json.Unmarshal([]byte(condition), &trigger.ConditionData)
	_ = json.Unmarshal([]byte(metadata), &trigger.Metadata)
	return trigger, nil
}

func scanTriggers(rows *sql.Rows) ([]*models.Trigger, error) {
	var result []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, trigger)
	}
	return result, rows.Err()
}
