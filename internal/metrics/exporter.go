package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
)

// Common errors
var (
	ErrExporterAlreadyRunning = errors.New("metrics exporter is already running")
	ErrExporterNotRunning     = errors.New("metrics exporter is not running")
)

// Exporter feeds the collectors from bus events. It observes the same
// streams external consumers see, which keeps instrumentation out of the
// queue and trigger hot paths.
type Exporter struct {
	eventBus bus.EventBus
	metrics  *Metrics
	logger   *logger.Logger

	mu      sync.Mutex
	subs    []bus.Subscription
	running bool
}

// NewExporter creates an exporter updating m. A nil m falls back to the
// collectors registered with the global Prometheus registry.
func NewExporter(eventBus bus.EventBus, m *Metrics, log *logger.Logger) *Exporter {
	if m == nil {
		m = defaultMetrics()
	}
	return &Exporter{
		eventBus: eventBus,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "metrics-exporter")),
	}
}

// Start subscribes to the task, trigger, and health streams.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrExporterAlreadyRunning
	}

	subjects := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.TaskWildcardSubject(), e.handleTaskEvent},
		{events.TriggerWildcardSubject(), e.handleTriggerEvent},
		{events.HealthSample, e.handleHealthSample},
	}
	for _, s := range subjects {
		sub, err := e.eventBus.Subscribe(s.subject, s.handler)
		if err != nil {
			e.teardownLocked()
			return err
		}
		e.subs = append(e.subs, sub)
	}

	e.running = true
	e.logger.Info("metrics exporter started")
	return nil
}

// Stop drops the bus subscriptions. Collector values persist so scrapes
// keep returning the last observed state.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrExporterNotRunning
	}
	e.teardownLocked()
	e.running = false
	e.logger.Info("metrics exporter stopped")
	return nil
}

// IsRunning reports whether the exporter is subscribed.
func (e *Exporter) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Exporter) teardownLocked() {
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	e.subs = nil
}

func (e *Exporter) handleTaskEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.TaskCreated:
		e.metrics.IncTaskSubmitted(eventString(event, "priority"))
	case events.TaskStarted:
		e.metrics.IncTasksInFlight()
	case events.TaskCompleted, events.TaskRetry, events.TaskFailed:
		outcome := strings.TrimPrefix(event.Type, "task.")
		e.metrics.DecTasksInFlight()
		e.metrics.IncTaskOutcome(outcome)
		if ms, ok := eventNumber(event, "durationMs"); ok {
			e.metrics.ObserveTaskDuration(outcome, time.Duration(ms*float64(time.Millisecond)))
		}
		if event.Type == events.TaskCompleted {
			if tokens, ok := eventNumber(event, "tokensUsed"); ok {
				e.metrics.AddExecutorTokens(int64(tokens))
			}
		}
	}
	return nil
}

func (e *Exporter) handleTriggerEvent(ctx context.Context, event *bus.Event) error {
	if event.Type != events.TriggerFired {
		return nil
	}
	e.metrics.IncTriggerFired(eventString(event, "type"))
	return nil
}

func (e *Exporter) handleHealthSample(ctx context.Context, event *bus.Event) error {
	if score, ok := eventNumber(event, "score"); ok {
		e.metrics.SetHealthScore(score)
	}
	if pending, ok := eventNumber(event, "pending"); ok {
		e.metrics.SetQueuePending(pending)
	}
	return nil
}

func eventString(event *bus.Event, key string) string {
	s, _ := event.Data[key].(string)
	return s
}

// eventNumber tolerates the integer widths the in-process bus carries and
// the float64 a JSON round-trip over NATS produces.
func eventNumber(event *bus.Event, key string) (float64, bool) {
	switch n := event.Data[key].(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
