package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func setupExporter(t *testing.T) (*Exporter, *Metrics, bus.EventBus) {
	t.Helper()
	m := MustNewMetrics(prometheus.NewRegistry())
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	exp := NewExporter(eventBus, m, newTestLogger(t))
	require.NoError(t, exp.Start())
	t.Cleanup(func() {
		if exp.IsRunning() {
			_ = exp.Stop()
		}
		eventBus.Close()
	})
	return exp, m, eventBus
}

func publishTask(t *testing.T, eventBus bus.EventBus, eventType string, data map[string]any) {
	t.Helper()
	event := bus.NewEvent(eventType, "task-queue", data)
	subject := events.BuildTaskSubject(eventType, "sess-metrics")
	require.NoError(t, eventBus.Publish(context.Background(), subject, event))
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncTaskSubmitted("high")
	second.IncTaskSubmitted("high")

	got := testutil.ToFloat64(second.tasksSubmitted.WithLabelValues("high"))
	assert.Equal(t, 2.0, got)
}

func TestExporter_TaskLifecycleUpdatesCollectors(t *testing.T) {
	_, m, eventBus := setupExporter(t)

	publishTask(t, eventBus, events.TaskCreated, map[string]any{
		"taskId": "op-1", "sessionId": "sess-metrics", "status": "pending", "priority": "high",
	})
	publishTask(t, eventBus, events.TaskStarted, map[string]any{
		"taskId": "op-1", "sessionId": "sess-metrics", "status": "running", "priority": "high",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksInFlight))

	publishTask(t, eventBus, events.TaskCompleted, map[string]any{
		"taskId": "op-1", "sessionId": "sess-metrics", "status": "completed", "priority": "high",
		"attempts": 1, "tokensUsed": int64(42), "followUps": 0, "durationMs": int64(1500),
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskOutcomes.WithLabelValues("completed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.executorTokens))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration, "taskmill_queue_task_duration_seconds"))
}

func TestExporter_RetryAndFailureOutcomes(t *testing.T) {
	_, m, eventBus := setupExporter(t)

	publishTask(t, eventBus, events.TaskStarted, map[string]any{
		"taskId": "op-2", "sessionId": "sess-metrics", "status": "running", "priority": "normal",
	})
	publishTask(t, eventBus, events.TaskRetry, map[string]any{
		"taskId": "op-2", "sessionId": "sess-metrics", "status": "retry", "priority": "normal",
		"attempts": 1, "delayMs": int64(1000), "durationMs": int64(50), "error": "boom",
	})
	publishTask(t, eventBus, events.TaskStarted, map[string]any{
		"taskId": "op-2", "sessionId": "sess-metrics", "status": "running", "priority": "normal",
	})
	publishTask(t, eventBus, events.TaskFailed, map[string]any{
		"taskId": "op-2", "sessionId": "sess-metrics", "status": "failed", "priority": "normal",
		"attempts": 2, "durationMs": int64(75), "error": "boom",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskOutcomes.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskOutcomes.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksInFlight))
	// No completion, so no tokens were accumulated.
	assert.Equal(t, 0.0, testutil.ToFloat64(m.executorTokens))
}

func TestExporter_TriggerFiresByType(t *testing.T) {
	_, m, eventBus := setupExporter(t)

	event := bus.NewEvent(events.TriggerFired, "trigger-engine", map[string]any{
		"triggerId": "trg-1", "sessionId": "sess-metrics", "type": "scheduled", "name": "nightly",
		"taskId": "op-9",
	})
	subject := events.BuildTriggerSubject(events.TriggerFired, "sess-metrics")
	require.NoError(t, eventBus.Publish(context.Background(), subject, event))

	created := bus.NewEvent(events.TriggerCreated, "trigger-engine", map[string]any{
		"triggerId": "trg-1", "sessionId": "sess-metrics", "type": "scheduled", "name": "nightly",
	})
	require.NoError(t, eventBus.Publish(context.Background(),
		events.BuildTriggerSubject(events.TriggerCreated, "sess-metrics"), created))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggerFires.WithLabelValues("scheduled")))
}

func TestExporter_HealthSampleSetsGauges(t *testing.T) {
	_, m, eventBus := setupExporter(t)

	event := bus.NewEvent(events.HealthSample, "health-monitor", map[string]any{
		"status": "degraded", "score": 85, "storeConnected": true,
		"pending": int64(3), "oldestPendingMs": int64(31000), "stalled": 0,
		"memoryFraction": 0.2,
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.HealthSample, event))

	assert.Equal(t, 85.0, testutil.ToFloat64(m.healthScore))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queuePending))
}

func TestExporter_StartStopGuards(t *testing.T) {
	exp, m, eventBus := setupExporter(t)

	assert.ErrorIs(t, exp.Start(), ErrExporterAlreadyRunning)
	require.NoError(t, exp.Stop())
	assert.ErrorIs(t, exp.Stop(), ErrExporterNotRunning)

	// Events published after Stop are not observed.
	publishTask(t, eventBus, events.TaskCreated, map[string]any{
		"taskId": "op-3", "sessionId": "sess-metrics", "status": "pending", "priority": "low",
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("low")))
}
