// Package metrics exposes Prometheus collectors for Taskmill and an
// event-driven exporter that feeds them from the bus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors that report queue, trigger,
// executor, and health activity.
type Metrics struct {
	tasksSubmitted *prometheus.CounterVec
	taskOutcomes   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksInFlight  prometheus.Gauge
	triggerFires   *prometheus.CounterVec
	executorTokens prometheus.Counter
	healthScore    prometheus.Gauge
	queuePending   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level instance registered with the
// global Prometheus registry. Collectors are created once so repeated
// construction (tests, embedded runners) cannot panic on duplicate
// registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need isolated metric names (tests) should pass a fresh
// registry. Registration errors other than AlreadyRegistered panic, matching
// promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksSubmitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmill",
			Subsystem: "queue",
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted into the queue.",
		},
		[]string{"priority"},
	)
	taskOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmill",
			Subsystem: "queue",
			Name:      "task_attempts_total",
			Help:      "Execution attempts settled, by outcome.",
		},
		[]string{"outcome"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmill",
			Subsystem: "queue",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of settled execution attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"outcome"},
	)
	tasksInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmill",
			Subsystem: "queue",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing in worker slots.",
		},
	)
	triggerFires := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmill",
			Subsystem: "trigger",
			Name:      "fires_total",
			Help:      "Trigger firings that submitted a task, by trigger type.",
		},
		[]string{"type"},
	)
	executorTokens := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskmill",
			Subsystem: "executor",
			Name:      "tokens_total",
			Help:      "Total tokens reported by completed executions.",
		},
	)
	healthScore := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmill",
			Subsystem: "health",
			Name:      "score",
			Help:      "Health score from the latest sample, 0 to 100.",
		},
	)
	queuePending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmill",
			Subsystem: "health",
			Name:      "queue_pending",
			Help:      "Pending tasks observed by the latest health sample.",
		},
	)

	collectors := []prometheus.Collector{
		tasksSubmitted, taskOutcomes, taskDuration, tasksInFlight,
		triggerFires, executorTokens, healthScore, queuePending,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when one is already registered.
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case tasksSubmitted:
						tasksSubmitted = already.ExistingCollector.(*prometheus.CounterVec)
					case taskOutcomes:
						taskOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
					case triggerFires:
						triggerFires = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Gauge:
					switch target {
					case tasksInFlight:
						tasksInFlight = already.ExistingCollector.(prometheus.Gauge)
					case healthScore:
						healthScore = already.ExistingCollector.(prometheus.Gauge)
					case queuePending:
						queuePending = already.ExistingCollector.(prometheus.Gauge)
					}
				case prometheus.Counter:
					executorTokens = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksSubmitted: tasksSubmitted,
		taskOutcomes:   taskOutcomes,
		taskDuration:   taskDuration,
		tasksInFlight:  tasksInFlight,
		triggerFires:   triggerFires,
		executorTokens: executorTokens,
		healthScore:    healthScore,
		queuePending:   queuePending,
	}
}

// IncTaskSubmitted counts one accepted task with its priority label.
func (m *Metrics) IncTaskSubmitted(priority string) {
	if m == nil || m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(priority).Inc()
}

// IncTaskOutcome counts one settled attempt for the given outcome.
func (m *Metrics) IncTaskOutcome(outcome string) {
	if m == nil || m.taskOutcomes == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveTaskDuration records the wall-clock duration of a settled attempt.
func (m *Metrics) ObserveTaskDuration(outcome string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncTasksInFlight marks an attempt as started.
func (m *Metrics) IncTasksInFlight() {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// DecTasksInFlight marks an attempt as settled.
func (m *Metrics) DecTasksInFlight() {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Dec()
}

// IncTriggerFired counts one trigger firing by trigger type.
func (m *Metrics) IncTriggerFired(triggerType string) {
	if m == nil || m.triggerFires == nil {
		return
	}
	m.triggerFires.WithLabelValues(triggerType).Inc()
}

// AddExecutorTokens accumulates tokens reported by a completed execution.
func (m *Metrics) AddExecutorTokens(tokens int64) {
	if m == nil || m.executorTokens == nil || tokens <= 0 {
		return
	}
	m.executorTokens.Add(float64(tokens))
}

// SetHealthScore publishes the score from the latest health sample.
func (m *Metrics) SetHealthScore(score float64) {
	if m == nil || m.healthScore == nil {
		return
	}
	m.healthScore.Set(score)
}

// SetQueuePending publishes the pending depth from the latest health sample.
func (m *Metrics) SetQueuePending(pending float64) {
	if m == nil || m.queuePending == nil {
		return
	}
	m.queuePending.Set(pending)
}
