// Package manager implements the asyncq queue manager: a bounded FIFO feeding
// a fixed pool of workers, plus a registry that lets callers poll each task's
// lifecycle by id.
//
// Submit never blocks. When the queue already holds its capacity of pending
// tasks the submission is rejected with ErrCapacityExceeded and the caller
// decides whether to retry. Stop drains: every task accepted before Stop was
// called reaches a terminal state before the workers are torn down.
//
// Usage:
//
//	m, err := manager.New(manager.Config{QueueSize: 100, Workers: 4}, work)
//	if err != nil { ... }
//	m.Start()
//	id, err := m.Submit(payload)
//	snap, ok := m.GetStatus(id)
//	...
//	m.Stop(ctx)
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/logger"
	"github.com/guido-cesarano/asyncq/pkg/queue"
	"github.com/guido-cesarano/asyncq/pkg/registry"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

var (
	// ErrCapacityExceeded is returned by Submit when the queue is full.
	ErrCapacityExceeded = queue.ErrCapacityExceeded

	// ErrShutdownInProgress is returned by Submit and Start once Stop has been called.
	ErrShutdownInProgress = errors.New("task manager is shutting down")
)

// DefaultPollInterval bounds how long an idle worker waits before re-checking for shutdown.
const DefaultPollInterval = time.Second

// WorkFunc executes one task payload. A returned error or a panic marks the
// task Failed; otherwise the returned value becomes the task result.
type WorkFunc func(ctx context.Context, payload interface{}) (interface{}, error)

// Observer is notified after every status change, including the initial Pending.
// Calls come from submitters and workers concurrently and must not block for long.
type Observer interface {
	TaskTransitioned(snap tasks.Snapshot)
}

// Config fixes the manager's shape at construction.
type Config struct {
	// QueueSize is the capacity K of the pending queue.
	QueueSize int
	// Workers is the number W of concurrent workers.
	Workers int
	// PollInterval is the idle wait between shutdown checks. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger, used as given. Defaults to logger.Log tagged
// with component=task_manager.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStore replaces the default keep-all in-memory registry.
func WithStore(s registry.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithObserver adds an observer of task transitions.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// Stats is a diagnostic snapshot of the manager.
type Stats struct {
	QueueDepth           int    `json:"queue_depth"`
	Capacity             int    `json:"capacity"`
	ActiveWorkers        int    `json:"active_workers"`
	BusyWorkers          int    `json:"busy_workers"`
	ConfiguredWorkers    int    `json:"configured_workers"`
	TotalTasksRegistered int    `json:"total_tasks_registered"`
	Submitted            uint64 `json:"submitted"`
	Completed            uint64 `json:"completed"`
	Failed               uint64 `json:"failed"`
	Started              bool   `json:"started"`
	Stopped              bool   `json:"stopped"`
}

// Manager owns the queue, the registry and the worker goroutines.
type Manager struct {
	cfg       Config
	work      WorkFunc
	queue     *queue.Bounded
	store     registry.Store
	observers []Observer
	log       zerolog.Logger

	// mu serializes lifecycle changes and submissions so no task is accepted
	// after Stop begins waiting on inflight.
	mu       sync.Mutex
	started  bool
	stopping bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	workers  sync.WaitGroup
	inflight sync.WaitGroup

	active    atomic.Int32
	busy      atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New builds a stopped manager. Call Start to launch the workers.
func New(cfg Config, work WorkFunc, opts ...Option) (*Manager, error) {
	if work == nil {
		return nil, errors.New("work function is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	q, err := queue.NewBounded(cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		work:   work,
		queue:  q,
		log:    logger.Log.With().Str("component", "task_manager").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		store, _ := registry.NewMemoryStore(registry.RetentionPolicy{Kind: registry.KeepAll})
		m.store = store
	}
	return m, nil
}

// Start launches the workers. Calling it again is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return ErrShutdownInProgress
	}
	if m.started {
		return nil
	}
	m.launchLocked()
	m.log.Info().
		Int("workers", m.cfg.Workers).
		Int("capacity", m.queue.Cap()).
		Msg("Task manager started")
	return nil
}

func (m *Manager) launchLocked() {
	m.started = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.active.Add(1)
		m.workers.Add(1)
		go m.worker(i)
	}
}

// Submit registers payload as a new Pending task and queues it.
// It returns the task id without waiting for processing to begin.
func (m *Manager) Submit(payload interface{}) (string, error) {
	m.mu.Lock()

	if m.stopping {
		m.mu.Unlock()
		return "", ErrShutdownInProgress
	}

	rec := tasks.NewRecord(uuid.New().String(), payload, time.Now())

	m.inflight.Add(1)
	if err := m.queue.Enqueue(rec); err != nil {
		m.inflight.Done()
		m.mu.Unlock()
		m.log.Warn().Int("capacity", m.queue.Cap()).Msg("Task rejected, queue full")
		return "", err
	}
	m.store.Put(rec)
	m.submitted.Add(1)
	depth := m.queue.Len()
	m.mu.Unlock()

	m.log.Debug().Str("task_id", rec.ID()).Int("queue_depth", depth).Msg("Task queued")
	m.notify(rec.Snapshot())
	return rec.ID(), nil
}

// GetStatus returns a copy of the task's current state. The boolean is false
// when the id is unknown.
func (m *Manager) GetStatus(id string) (tasks.Snapshot, bool) {
	rec, ok := m.store.Get(id)
	if !ok {
		return tasks.Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Stats returns a diagnostic snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		QueueDepth:           m.queue.Len(),
		Capacity:             m.queue.Cap(),
		ActiveWorkers:        int(m.active.Load()),
		BusyWorkers:          int(m.busy.Load()),
		ConfiguredWorkers:    m.cfg.Workers,
		TotalTasksRegistered: m.store.Len(),
		Submitted:            m.submitted.Load(),
		Completed:            m.completed.Load(),
		Failed:               m.failed.Load(),
		Started:              m.started,
		Stopped:              m.stopped,
	}
}

// Run executes payload inline on the caller's goroutine with the same fault
// containment as a worker. Nothing is queued or registered.
func (m *Manager) Run(ctx context.Context, payload interface{}) (interface{}, error) {
	return m.execute(ctx, payload)
}

// Stop rejects new submissions, waits for every accepted task to finish and
// then shuts the workers down. A manager that was never started is started
// so queued tasks still drain.
//
// If ctx expires first, idle workers are cancelled and ctx's error is
// returned; a task that is still executing finishes on its own. Calls after
// the first return nil immediately.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	if !m.started {
		m.launchLocked()
	}
	pending := m.queue.Len()
	m.mu.Unlock()

	m.log.Info().Int("queue_depth", pending).Msg("Draining task manager")

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		m.cancel()
		m.markStopped()
		m.log.Error().Err(ctx.Err()).Int("queue_depth", m.queue.Len()).Msg("Drain interrupted")
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}

	m.cancel()
	m.workers.Wait()
	m.markStopped()
	m.log.Info().Uint64("completed", m.completed.Load()).Uint64("failed", m.failed.Load()).Msg("Task manager stopped")
	return nil
}

func (m *Manager) markStopped() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Manager) notify(snap tasks.Snapshot) {
	for _, o := range m.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("task_id", snap.ID).Msg("Observer panicked")
				}
			}()
			o.TaskTransitioned(snap)
		}()
	}
}
