// Package trigger converts schedules, webhooks, chain conditions, and AI
// follow-up signals into task submissions. The engine owns no persistent
// state of its own: trigger definitions live in the store, and the in-memory
// schedule map is rebuilt on start and cleared on stop.
package trigger

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/common/tracing"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// Common errors
var (
	ErrEngineAlreadyRunning = errors.New("trigger engine is already running")
	ErrEngineNotRunning     = errors.New("trigger engine is not running")
)

// fireTimeout bounds the store reads and submission done for one firing.
// Fires initiated by tickers and bus events have no caller context to
// inherit a deadline from.
const fireTimeout = 10 * time.Second

// Submitter enqueues the tasks created by firing triggers. Implemented by
// the task queue.
type Submitter interface {
	Submit(ctx context.Context, task *models.Task) (*models.Task, error)
}

// ConditionEvaluator decides whether a condition-based trigger should fire
// during a rescan. The host interprets the condition type and data; with no
// evaluator installed, condition-based triggers never fire.
type ConditionEvaluator func(condType string, condData map[string]interface{}) bool

// Config holds trigger engine configuration
type Config struct {
	CheckInterval time.Duration // cadence of the scheduled-trigger evaluation pass
}

// DefaultConfig returns the production cadence: CRON expressions are
// minute-granular, so the evaluation pass runs once per minute.
func DefaultConfig() Config {
	return Config{CheckInterval: time.Minute}
}

// Engine evaluates triggers and submits the tasks they produce.
type Engine struct {
	repo      repository.Repository
	submitter Submitter
	eventBus  bus.EventBus
	config    Config
	logger    *logger.Logger

	mu        sync.Mutex
	evaluator ConditionEvaluator
	running   bool
	schedules map[string]*Schedule     // triggerID -> parsed CRON
	timers    map[string]chan struct{} // triggerID -> time-based stop channel
	subs      []bus.Subscription
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a trigger engine. Call Start to begin evaluating schedules.
func New(repo repository.Repository, submitter Submitter, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Engine{
		repo:      repo,
		submitter: submitter,
		eventBus:  eventBus,
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "trigger-engine")),
		schedules: make(map[string]*Schedule),
		timers:    make(map[string]chan struct{}),
	}
}

// SetEvaluator installs the host's condition evaluator used by Rescan.
func (e *Engine) SetEvaluator(fn ConditionEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluator = fn
}

// Start subscribes to task completions, loads the persisted active triggers
// into the schedule map, and begins the evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.schedules = make(map[string]*Schedule)
	e.timers = make(map[string]chan struct{})
	e.mu.Unlock()

	if err := e.subscribe(); err != nil {
		e.teardown()
		return err
	}

	triggers, err := e.repo.GetActiveTriggers(ctx, "")
	if err != nil {
		e.teardown()
		return fmt.Errorf("failed to load active triggers: %w", err)
	}
	for _, trigger := range triggers {
		e.track(trigger)
	}

	e.wg.Add(1)
	go e.scheduleLoop(ctx)

	e.logger.Info("trigger engine started",
		zap.Int("active_triggers", len(triggers)),
		zap.Duration("check_interval", e.config.CheckInterval))
	return nil
}

// Stop halts evaluation, stops every time-based ticker, and clears the
// in-memory schedule map. Persisted trigger definitions are untouched.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.teardown()
	e.wg.Wait()
	e.logger.Info("trigger engine stopped")
	return nil
}

// IsRunning reports whether the engine is evaluating schedules.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// teardown clears subscriptions, tickers, and the schedule map.
func (e *Engine) teardown() {
	e.mu.Lock()
	e.running = false
	for id, stop := range e.timers {
		close(stop)
		delete(e.timers, id)
	}
	e.schedules = make(map[string]*Schedule)
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
}

// Register validates and persists a trigger, then activates its schedule
// state if the engine is running.
func (e *Engine) Register(ctx context.Context, trigger *models.Trigger) error {
	if err := e.validate(trigger); err != nil {
		return err
	}
	if trigger.Type == v1.TriggerTypeWebhook && trigger.WebhookURL == "" {
		if trigger.ID == "" {
			trigger.ID = uuid.New().String()
		}
		trigger.WebhookURL = "/api/v1/webhooks/" + trigger.ID
	}
	if err := e.repo.CreateTrigger(ctx, trigger); err != nil {
		return err
	}
	e.track(trigger)
	e.emitTriggerEvent(ctx, events.TriggerCreated, trigger, nil)

	e.logger.Info("trigger registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("type", string(trigger.Type)),
		zap.String("name", trigger.Name))
	return nil
}

// Deregister deletes a trigger and tears down its schedule state.
func (e *Engine) Deregister(ctx context.Context, id string) error {
	trigger, err := e.repo.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if err := e.repo.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	e.untrack(id)
	e.emitTriggerEvent(ctx, events.TriggerDeleted, trigger, nil)
	return nil
}

// SetActive toggles a trigger. Deactivating stops its ticker and drops its
// parsed schedule; reactivating rebuilds them.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) error {
	if err := e.repo.SetTriggerActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		e.untrack(id)
		return nil
	}
	trigger, err := e.repo.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	e.track(trigger)
	return nil
}

// Get returns a trigger by ID.
func (e *Engine) Get(ctx context.Context, id string) (*models.Trigger, error) {
	return e.repo.GetTrigger(ctx, id)
}

// List returns triggers, optionally scoped to a session.
func (e *Engine) List(ctx context.Context, sessionID string) ([]*models.Trigger, error) {
	return e.repo.ListTriggers(ctx, sessionID)
}

// Fire fires a trigger by ID. Any trigger type may be fired this way; it is
// the manual path for manual triggers and a force-fire for the rest.
func (e *Engine) Fire(ctx context.Context, id string) (*models.Task, error) {
	trigger, err := e.repo.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.fire(ctx, trigger, nil)
}

// FireWebhook validates the shared secret and fires a webhook trigger. The
// request payload is attached to the created task's metadata.
func (e *Engine) FireWebhook(ctx context.Context, id, secret string, payload map[string]interface{}) (*models.Task, error) {
	trigger, err := e.repo.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if trigger.Type != v1.TriggerTypeWebhook {
		return nil, fmt.Errorf("%w: trigger %s is not a webhook trigger", models.ErrInvalidInput, id)
	}
	if trigger.WebhookSecret != "" {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(trigger.WebhookSecret)) != 1 {
			return nil, fmt.Errorf("%w: webhook secret mismatch for trigger %s", models.ErrUnauthorized, id)
		}
	}
	return e.fire(ctx, trigger, payload)
}

// Rescan evaluates every active condition-based trigger against the
// installed evaluator and fires the ones that match. Returns the number of
// triggers fired.
func (e *Engine) Rescan(ctx context.Context) (int, error) {
	e.mu.Lock()
	evaluator := e.evaluator
	e.mu.Unlock()

	triggers, err := e.repo.GetActiveTriggers(ctx, "")
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, trigger := range triggers {
		if trigger.Type != v1.TriggerTypeConditionBased {
			continue
		}
		if evaluator == nil || !evaluator(trigger.ConditionType, trigger.ConditionData) {
			continue
		}
		if _, err := e.fire(ctx, trigger, nil); err != nil {
			e.logger.Error("condition trigger fire failed",
				zap.String("trigger_id", trigger.ID), zap.Error(err))
			continue
		}
		fired++
	}
	return fired, nil
}

// validate applies per-type requirements before a trigger is persisted.
func (e *Engine) validate(trigger *models.Trigger) error {
	switch trigger.Type {
	case v1.TriggerTypeScheduled:
		if _, err := ParseCron(trigger.Schedule); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
	case v1.TriggerTypeTimeBased:
		if intervalMs(trigger) <= 0 {
			return fmt.Errorf("%w: time-based trigger requires conditionData.intervalMs > 0", models.ErrInvalidInput)
		}
	case v1.TriggerTypeChain:
		if watchedTaskID(trigger) == "" {
			return fmt.Errorf("%w: chain trigger requires conditionData.taskId", models.ErrInvalidInput)
		}
	}
	if trigger.TargetTaskID == "" && trigger.TaskTemplate == nil {
		return fmt.Errorf("%w: trigger requires a targetTaskId or a taskTemplate", models.ErrInvalidInput)
	}
	return nil
}

// fire builds a task from the trigger definition, submits it, and stamps
// the fire time. Inactive triggers never fire.
func (e *Engine) fire(ctx context.Context, trigger *models.Trigger, payload map[string]interface{}) (*models.Task, error) {
	ctx, span := tracing.Tracer("taskmill-trigger").Start(ctx, "trigger.fire")
	defer span.End()

	if !trigger.IsActive {
		return nil, fmt.Errorf("%w: trigger %s is inactive", models.ErrInvalidInput, trigger.ID)
	}

	task, err := e.buildTask(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{})
		}
		task.Metadata["webhook"] = payload
	}

	created, err := e.submitter.Submit(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("trigger %s fire failed: %w", trigger.ID, err)
	}

	firedAt := time.Now().UTC()
	if err := e.repo.TouchTrigger(ctx, trigger.ID, firedAt); err != nil {
		e.logger.Warn("failed to stamp trigger fire time",
			zap.String("trigger_id", trigger.ID), zap.Error(err))
	}
	e.emitTriggerEvent(ctx, events.TriggerFired, trigger, map[string]any{
		"taskId":  created.ID,
		"firedAt": firedAt.UnixMilli(),
	})

	e.logger.Info("trigger fired",
		zap.String("trigger_id", trigger.ID),
		zap.String("type", string(trigger.Type)),
		zap.String("task_id", created.ID))
	return created, nil
}

// buildTask materializes the task a firing creates. With a target task set,
// the new task copies the original's parameters and records the original's
// ID in triggeredBy; the original row is never mutated. With a template,
// empty fields fall back to the trigger's session and normal priority, and
// triggeredBy records the trigger itself.
func (e *Engine) buildTask(ctx context.Context, trigger *models.Trigger) (*models.Task, error) {
	if trigger.TargetTaskID != "" {
		original, err := e.repo.GetTask(ctx, trigger.TargetTaskID)
		if err != nil {
			return nil, err
		}
		return &models.Task{
			SessionID:   original.SessionID,
			Prompt:      original.Prompt,
			Mode:        original.Mode,
			Model:       original.Model,
			Priority:    original.Priority,
			MaxAttempts: original.MaxAttempts,
			RetryDelay:  original.RetryDelay,
			Timeout:     original.Timeout,
			Metadata:    copyMetadata(original.Metadata),
			Tags:        append([]string(nil), original.Tags...),
			TriggeredBy: original.ID,
		}, nil
	}

	tpl := trigger.TaskTemplate
	if tpl == nil {
		return nil, fmt.Errorf("%w: trigger %s has neither targetTaskId nor taskTemplate", models.ErrInvalidInput, trigger.ID)
	}
	task := &models.Task{
		SessionID:   tpl.SessionID,
		Prompt:      tpl.Prompt,
		Mode:        tpl.Mode,
		Model:       tpl.Model,
		Priority:    tpl.Priority,
		Metadata:    copyMetadata(tpl.Metadata),
		Tags:        append([]string(nil), tpl.Tags...),
		TriggeredBy: trigger.ID,
	}
	if task.SessionID == "" {
		task.SessionID = trigger.SessionID
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityNormal
	}
	if tpl.MaxAttempts != nil {
		task.MaxAttempts = *tpl.MaxAttempts
	}
	if tpl.RetryDelay != nil {
		task.RetryDelay = *tpl.RetryDelay
	}
	if tpl.Timeout != nil {
		task.Timeout = *tpl.Timeout
	}
	return task, nil
}

// track adds a running trigger's schedule state. No-op when the engine is
// stopped or the trigger is inactive.
func (e *Engine) track(trigger *models.Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || !trigger.IsActive {
		return
	}
	switch trigger.Type {
	case v1.TriggerTypeScheduled:
		sched, err := ParseCron(trigger.Schedule)
		if err != nil {
			e.logger.Warn("skipping trigger with invalid schedule",
				zap.String("trigger_id", trigger.ID), zap.Error(err))
			return
		}
		e.schedules[trigger.ID] = sched
	case v1.TriggerTypeTimeBased:
		e.startTimerLocked(trigger)
	}
}

// untrack removes a trigger's schedule state.
func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.schedules, id)
	if stop, ok := e.timers[id]; ok {
		close(stop)
		delete(e.timers, id)
	}
}

func (e *Engine) startTimerLocked(trigger *models.Trigger) {
	if _, ok := e.timers[trigger.ID]; ok {
		return
	}
	interval := time.Duration(intervalMs(trigger)) * time.Millisecond
	if interval <= 0 {
		e.logger.Warn("skipping time-based trigger without a positive intervalMs",
			zap.String("trigger_id", trigger.ID))
		return
	}
	stop := make(chan struct{})
	e.timers[trigger.ID] = stop
	e.wg.Add(1)
	go e.timerLoop(trigger.ID, interval, stop)
}

// timerLoop fires one time-based trigger at its fixed interval.
func (e *Engine) timerLoop(triggerID string, interval time.Duration, stop chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.fireTimeBased(triggerID)
		}
	}
}

// fireTimeBased reloads the trigger and fires it. A vanished trigger tears
// its own timer down.
func (e *Engine) fireTimeBased(triggerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	trigger, err := e.repo.GetTrigger(ctx, triggerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			e.untrack(triggerID)
			return
		}
		e.logger.Error("failed to load time-based trigger",
			zap.String("trigger_id", triggerID), zap.Error(err))
		return
	}
	if !trigger.IsActive {
		return
	}
	if _, err := e.fire(ctx, trigger, nil); err != nil {
		e.logger.Error("time-based trigger fire failed",
			zap.String("trigger_id", triggerID), zap.Error(err))
	}
}

// scheduleLoop evaluates scheduled triggers once per check interval.
func (e *Engine) scheduleLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.evaluateScheduled(now)
		}
	}
}

// evaluateScheduled rescans the store for active scheduled triggers and
// fires every one whose CRON expression matches the current minute.
func (e *Engine) evaluateScheduled(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	triggers, err := e.repo.GetActiveTriggers(ctx, "")
	if err != nil {
		e.logger.Error("failed to load active triggers", zap.Error(err))
		return
	}
	for _, trigger := range triggers {
		if trigger.Type != v1.TriggerTypeScheduled {
			continue
		}
		sched := e.scheduleFor(trigger)
		if sched == nil || !sched.Matches(now) {
			continue
		}
		if _, err := e.fire(ctx, trigger, nil); err != nil {
			e.logger.Error("scheduled trigger fire failed",
				zap.String("trigger_id", trigger.ID), zap.Error(err))
		}
	}
}

// scheduleFor returns the cached parsed schedule, parsing on first sight.
// Triggers are immutable once created, so caching by ID is safe.
func (e *Engine) scheduleFor(trigger *models.Trigger) *Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sched, ok := e.schedules[trigger.ID]; ok {
		return sched
	}
	sched, err := ParseCron(trigger.Schedule)
	if err != nil {
		e.logger.Warn("skipping trigger with invalid schedule",
			zap.String("trigger_id", trigger.ID), zap.Error(err))
		return nil
	}
	e.schedules[trigger.ID] = sched
	return sched
}

// subscribe attaches the completion listener that drives chain and
// ai-generated triggers.
func (e *Engine) subscribe() error {
	sub, err := e.eventBus.Subscribe(events.BuildTaskEventWildcard(events.TaskCompleted), e.handleTaskCompleted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task completions: %w", err)
	}
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return nil
}

// handleTaskCompleted fires chain triggers watching the completed task and,
// when the completion produced follow-ups, the session's ai-generated
// triggers.
func (e *Engine) handleTaskCompleted(ctx context.Context, event *bus.Event) error {
	taskID, _ := event.Data["taskId"].(string)
	sessionID, _ := event.Data["sessionId"].(string)
	if taskID == "" {
		return nil
	}

	e.fireChains(ctx, taskID)
	if followUpCount(event) > 0 {
		e.fireAIGenerated(ctx, sessionID)
	}
	return nil
}

func (e *Engine) fireChains(ctx context.Context, taskID string) {
	triggers, err := e.repo.GetChainTriggers(ctx, taskID)
	if err != nil {
		e.logger.Error("failed to load chain triggers",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	for _, trigger := range triggers {
		if _, err := e.fire(ctx, trigger, nil); err != nil {
			e.logger.Error("chain trigger fire failed",
				zap.String("trigger_id", trigger.ID), zap.Error(err))
		}
	}
}

func (e *Engine) fireAIGenerated(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	triggers, err := e.repo.GetActiveTriggers(ctx, sessionID)
	if err != nil {
		e.logger.Error("failed to load session triggers",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	for _, trigger := range triggers {
		if trigger.Type != v1.TriggerTypeAIGenerated {
			continue
		}
		if _, err := e.fire(ctx, trigger, nil); err != nil {
			e.logger.Error("ai-generated trigger fire failed",
				zap.String("trigger_id", trigger.ID), zap.Error(err))
		}
	}
}

func (e *Engine) emitTriggerEvent(ctx context.Context, eventType string, trigger *models.Trigger, extra map[string]any) {
	data := map[string]any{
		"triggerId": trigger.ID,
		"sessionId": trigger.SessionID,
		"type":      string(trigger.Type),
		"name":      trigger.Name,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "trigger-engine", data)
	subject := events.BuildTriggerSubject(eventType, trigger.SessionID)
	if err := e.eventBus.Publish(ctx, subject, event); err != nil {
		e.logger.Warn("failed to publish trigger event",
			zap.String("event_type", eventType),
			zap.String("trigger_id", trigger.ID),
			zap.Error(err))
	}
}

// watchedTaskID reads the chain trigger's conditionData.taskId.
func watchedTaskID(trigger *models.Trigger) string {
	id, _ := trigger.ConditionData["taskId"].(string)
	return id
}

// intervalMs reads the time-based trigger's conditionData.intervalMs,
// tolerating the numeric types JSON and YAML decoding produce.
func intervalMs(trigger *models.Trigger) int64 {
	switch v := trigger.ConditionData["intervalMs"].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// followUpCount reads the completion event's follow-up count, tolerating
// the numeric types in-process and JSON transport produce.
func followUpCount(event *bus.Event) int {
	switch v := event.Data["followUps"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// copyMetadata shallow-copies task metadata so a fired task never aliases
// the trigger's stored template.
func copyMetadata(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
