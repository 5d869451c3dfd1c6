// Package service owns the system lifecycle. It starts and stops the queue,
// trigger engine, and health monitor as one unit, runs the retention
// sweeper, and aggregates the stats the HTTP surface reports.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
	"github.com/taskmill/taskmill/internal/orchestrator/executor"
	"github.com/taskmill/taskmill/internal/orchestrator/health"
	"github.com/taskmill/taskmill/internal/orchestrator/queue"
	"github.com/taskmill/taskmill/internal/orchestrator/trigger"
	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/repository"
)

// ErrAlreadyStarted rejects a start while the system is running.
var ErrAlreadyStarted = errors.New("system is already started")

// ExecutorState is the slice of the AI executor the service manages:
// per-session cleanup, full reset, and usage counters for stats.
type ExecutorState interface {
	ClearHistory(sessionID string)
	Reset()
	Usage() executor.Usage
}

// Config holds service configuration.
type Config struct {
	Retention     time.Duration // how long terminal tasks are kept
	SweepInterval time.Duration // cadence of the retention sweeper
}

// DefaultConfig returns the production defaults: seven days of retention,
// swept hourly.
func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Service wires the queue, trigger engine, and health monitor into one
// lifecycle and fronts the operations that span more than one of them.
type Service struct {
	repo     repository.Repository
	queue    *queue.Queue
	engine   *trigger.Engine
	monitor  *health.Monitor
	executor ExecutorState
	eventBus bus.EventBus
	config   Config
	logger   *logger.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates the system service.
func New(repo repository.Repository, q *queue.Queue, engine *trigger.Engine, monitor *health.Monitor, exec ExecutorState, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Service{
		repo:     repo,
		queue:    q,
		engine:   engine,
		monitor:  monitor,
		executor: exec,
		eventBus: eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "system")),
	}
}

// Start brings the system up: queue first (crash recovery runs inside its
// start), then trigger engine, then health monitor, then the retention
// sweeper. A failure rolls back the components already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	if s.running {
		return ErrAlreadyStarted
	}
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		s.stopQuietly(s.queue.Stop)
		return fmt.Errorf("start trigger engine: %w", err)
	}
	if err := s.monitor.Start(ctx); err != nil {
		s.stopQuietly(s.engine.Stop)
		s.stopQuietly(s.queue.Stop)
		return fmt.Errorf("start health monitor: %w", err)
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.sweepLoop()

	s.running = true
	s.startedAt = time.Now().UTC()
	s.emitSystemEvent(ctx, events.SystemStarted, map[string]any{
		"startedAt": s.startedAt.UnixMilli(),
	})
	s.logger.Info("system started")
	return nil
}

// Stop tears the system down in reverse order. The trigger engine and
// monitor stop first so nothing new enters the queue while it drains.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	if !s.running {
		return models.ErrNotStarted
	}

	close(s.stopCh)
	s.wg.Wait()

	s.stopQuietly(s.engine.Stop)
	s.stopQuietly(s.monitor.Stop)
	s.stopQuietly(s.queue.Stop)

	uptime := time.Since(s.startedAt)
	s.running = false
	s.emitSystemEvent(context.Background(), events.SystemStopped, map[string]any{
		"uptimeMs": uptime.Milliseconds(),
	})
	s.logger.Info("system stopped", zap.Duration("uptime", uptime))
	return nil
}

// Reset wipes every persisted record and all executor session state. A
// running system is stopped first and restarted after the wipe. Returns the
// number of tasks removed.
func (s *Service) Reset(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasRunning := s.running
	if wasRunning {
		if err := s.stopLocked(); err != nil {
			return 0, err
		}
	}

	removed, err := s.repo.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset store: %w", err)
	}
	s.executor.Reset()
	s.logger.Info("system reset", zap.Int64("tasks_removed", removed))

	if wasRunning {
		if err := s.startLocked(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// IsRunning reports whether the system is up.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DeleteSession removes every record belonging to a session and drops its
// conversation history. Works whether or not the system is running.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	removed, err := s.repo.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	s.executor.ClearHistory(sessionID)
	s.logger.Info("session deleted",
		zap.String("session_id", sessionID),
		zap.Int64("tasks_removed", removed))
	return removed, nil
}

func (s *Service) stopQuietly(stop func() error) {
	if err := stop(); err != nil {
		s.logger.Warn("component stop", zap.Error(err))
	}
}

func (s *Service) emitSystemEvent(ctx context.Context, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "system", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish system event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
