// Package pool provides the bounded worker pool that executes claimed tasks.
// A fixed set of named slots drains an internal FIFO; a single dispatcher
// goroutine assigns work and only wakes on submission or slot completion.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/task/models"
)

var (
	ErrPoolAlreadyRunning = errors.New("worker pool is already running")
	ErrPoolNotRunning     = errors.New("worker pool is not running")
	ErrQueueFull          = errors.New("worker pool queue is full")
	ErrNoRunner           = errors.New("worker pool has no runner configured")
)

// SlotState describes what a worker slot is currently doing.
type SlotState string

const (
	SlotIdle    SlotState = "idle"
	SlotRunning SlotState = "running"
	SlotError   SlotState = "error"
)

// DefaultWorkers is the slot count used when the config leaves it unset.
const DefaultWorkers = 50

// RunnerFunc executes one claimed task. The context carries the per-task
// timeout and is cancelled on shutdown or stall recovery; runners must
// return promptly once it is done. A context.Canceled return means the
// task's fate is settled elsewhere and counts toward neither processed
// nor failed.
type RunnerFunc func(ctx context.Context, task *models.Task) error

// Config controls pool sizing and shutdown behavior.
type Config struct {
	Workers        int           // number of slots
	MaxQueue       int           // FIFO capacity, 0 means unbounded
	DefaultTimeout time.Duration // applied when a task carries no timeout
	DrainTimeout   time.Duration // how long Stop waits for running slots
	ErrorGrace     time.Duration // cooldown before an errored slot returns to idle
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers,
		MaxQueue:       0,
		DefaultTimeout: 30 * time.Second,
		DrainTimeout:   3 * time.Second,
		ErrorGrace:     time.Second,
	}
}

// slot is one named worker slot. gen increments on every state change so
// that stale completions (a task finishing after stall recovery reclaimed
// its slot) cannot clobber a reassigned slot.
type slot struct {
	name      string
	state     SlotState
	taskID    string
	startedAt time.Time
	cancel    context.CancelFunc
	gen       uint64
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers        int     `json:"workers"`
	Idle           int     `json:"idle"`
	Running        int     `json:"running"`
	Errored        int     `json:"errored"`
	QueueLength    int     `json:"queueLength"`
	TotalProcessed int64   `json:"totalProcessed"`
	TotalFailed    int64   `json:"totalFailed"`
	Efficiency     float64 `json:"efficiency"`
}

// Pool is a fixed-size worker pool draining a FIFO of claimed tasks.
type Pool struct {
	config Config
	logger *logger.Logger

	mu      sync.Mutex
	slots   []*slot
	fifo    []*models.Task
	runner  RunnerFunc
	running bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup // dispatcher
	workWG sync.WaitGroup // in-flight tasks

	totalProcessed int64
	totalFailed    int64
}

// NewPool creates a pool with cfg.Workers idle slots.
func NewPool(cfg Config, log *logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 3 * time.Second
	}
	if cfg.ErrorGrace <= 0 {
		cfg.ErrorGrace = time.Second
	}

	slots := make([]*slot, cfg.Workers)
	for i := range slots {
		slots[i] = &slot{name: fmt.Sprintf("worker-%d", i+1), state: SlotIdle}
	}

	return &Pool{
		config: cfg,
		logger: log.WithFields(zap.String("component", "worker_pool")),
		slots:  slots,
		wake:   make(chan struct{}, 1),
	}
}

// SetRunner injects the function executed for each task. Must be called
// before Start.
func (p *Pool) SetRunner(fn RunnerFunc) {
	p.mu.Lock()
	p.runner = fn
	p.mu.Unlock()
}

// Start launches the dispatcher. Task contexts descend from ctx, so
// cancelling it aborts everything in flight.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolAlreadyRunning
	}
	if p.runner == nil {
		p.mu.Unlock()
		return ErrNoRunner
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.baseCtx, p.baseCancel = context.WithCancel(ctx)
	p.fifo = nil
	for _, s := range p.slots {
		s.state = SlotIdle
		s.taskID = ""
		s.cancel = nil
		s.gen++
	}
	p.mu.Unlock()

	p.logger.Info("worker pool starting",
		zap.Int("workers", p.config.Workers),
		zap.Duration("drain_timeout", p.config.DrainTimeout))

	p.wg.Add(1)
	go p.dispatchLoop(p.baseCtx)

	return nil
}

// Stop rejects further submissions and waits up to the drain timeout for
// running slots, then cancels whatever is left. Tasks still queued are
// dropped here; they remain claimed in the store and are recovered on the
// next start.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	close(p.stopCh)
	dropped := len(p.fifo)
	p.fifo = nil
	p.mu.Unlock()

	p.wg.Wait()

	done := make(chan struct{})
	go func() {
		p.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.config.DrainTimeout):
		p.logger.Warn("drain deadline reached, cancelling in-flight tasks",
			zap.Duration("drain_timeout", p.config.DrainTimeout))
	}
	p.baseCancel()

	p.logger.Info("worker pool stopped",
		zap.Int("dropped_tasks", dropped),
		zap.Int64("total_processed", atomic.LoadInt64(&p.totalProcessed)),
		zap.Int64("total_failed", atomic.LoadInt64(&p.totalFailed)))
	return nil
}

// IsRunning returns true if the pool is accepting work.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Submit appends one task to the FIFO and wakes the dispatcher.
func (p *Pool) Submit(task *models.Task) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	if p.config.MaxQueue > 0 && len(p.fifo) >= p.config.MaxQueue {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.fifo = append(p.fifo, task)
	p.mu.Unlock()

	p.wakeDispatcher()
	return nil
}

// SubmitMany appends tasks in order. Rejected whole if capacity would be
// exceeded.
func (p *Pool) SubmitMany(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	if p.config.MaxQueue > 0 && len(p.fifo)+len(tasks) > p.config.MaxQueue {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.fifo = append(p.fifo, tasks...)
	p.mu.Unlock()

	p.wakeDispatcher()
	return nil
}

// RecoverStalled returns every slot running longer than timeout to idle
// and cancels its task context. The task itself stays claimed in the
// store; the runner's failure path settles it.
func (p *Pool) RecoverStalled(timeout time.Duration) int {
	p.mu.Lock()
	now := time.Now()
	var recovered int
	for _, s := range p.slots {
		if s.state != SlotRunning || now.Sub(s.startedAt) <= timeout {
			continue
		}
		p.logger.Warn("recovering stalled worker slot",
			zap.String("slot", s.name),
			zap.String("task_id", s.taskID),
			zap.Duration("running_for", now.Sub(s.startedAt)))
		if s.cancel != nil {
			s.cancel()
		}
		p.releaseLocked(s)
		recovered++
	}
	p.mu.Unlock()

	if recovered > 0 {
		p.wakeDispatcher()
	}
	return recovered
}

// Stats returns a snapshot of slot states and throughput counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Workers:     len(p.slots),
		QueueLength: len(p.fifo),
	}
	for _, s := range p.slots {
		switch s.state {
		case SlotRunning:
			st.Running++
		case SlotError:
			st.Errored++
		default:
			st.Idle++
		}
	}
	p.mu.Unlock()

	st.TotalProcessed = atomic.LoadInt64(&p.totalProcessed)
	st.TotalFailed = atomic.LoadInt64(&p.totalFailed)
	if total := st.TotalProcessed + st.TotalFailed; total > 0 {
		st.Efficiency = float64(st.TotalProcessed) / float64(total)
	} else {
		st.Efficiency = 1
	}
	return st
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.wake:
			p.dispatch()
		}
	}
}

// dispatch assigns queued tasks to idle slots until one of them runs out.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if !p.running || len(p.fifo) == 0 {
			p.mu.Unlock()
			return
		}
		s := p.idleSlotLocked()
		if s == nil {
			p.mu.Unlock()
			return
		}
		task := p.fifo[0]
		p.fifo = p.fifo[1:]

		timeout := time.Duration(task.Timeout) * time.Millisecond
		if timeout <= 0 {
			timeout = p.config.DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(p.baseCtx, timeout)

		s.state = SlotRunning
		s.taskID = task.ID
		s.startedAt = time.Now()
		s.cancel = cancel
		s.gen++
		gen := s.gen
		run := p.runner

		p.workWG.Add(1)
		p.mu.Unlock()

		go p.runTask(ctx, cancel, run, s, gen, task)
	}
}

func (p *Pool) runTask(ctx context.Context, cancel context.CancelFunc, run RunnerFunc, s *slot, gen uint64, task *models.Task) {
	defer p.workWG.Done()
	defer cancel()

	err := run(ctx, task)

	p.mu.Lock()
	owned := s.gen == gen
	switch {
	case err == nil:
		atomic.AddInt64(&p.totalProcessed, 1)
		if owned {
			p.releaseLocked(s)
		}
	case errors.Is(err, context.Canceled):
		if owned {
			p.releaseLocked(s)
		}
	default:
		atomic.AddInt64(&p.totalFailed, 1)
		if owned {
			p.errorLocked(s)
		}
	}
	p.mu.Unlock()

	p.wakeDispatcher()
}

func (p *Pool) idleSlotLocked() *slot {
	for _, s := range p.slots {
		if s.state == SlotIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) releaseLocked(s *slot) {
	s.state = SlotIdle
	s.taskID = ""
	s.cancel = nil
	s.gen++
}

// errorLocked parks the slot in the error state and schedules its return
// to idle after the grace period.
func (p *Pool) errorLocked(s *slot) {
	s.state = SlotError
	s.taskID = ""
	s.cancel = nil
	s.gen++
	gen := s.gen

	time.AfterFunc(p.config.ErrorGrace, func() {
		p.mu.Lock()
		if s.gen == gen && s.state == SlotError {
			s.state = SlotIdle
			s.gen++
		}
		p.mu.Unlock()
		p.wakeDispatcher()
	})
}

func (p *Pool) wakeDispatcher() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
