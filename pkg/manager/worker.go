package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/guido-cesarano/asyncq/pkg/queue"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

// ErrTaskPanicked wraps the value recovered from a panicking work function.
var ErrTaskPanicked = errors.New("task panicked")

// worker pulls records until the manager context is cancelled.
// Dequeue polls with a bounded wait so shutdown is seen even while idle.
func (m *Manager) worker(id int) {
	defer m.workers.Done()
	defer m.active.Add(-1)

	log := m.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("Worker started")

	for {
		if m.ctx.Err() != nil {
			log.Debug().Msg("Worker stopped")
			return
		}

		rec, err := m.queue.Dequeue(m.ctx, m.cfg.PollInterval)
		if errors.Is(err, queue.ErrPollTimeout) {
			continue
		}
		if err != nil {
			log.Debug().Msg("Worker stopped")
			return
		}

		m.process(id, rec)
	}
}

// process runs one record to a terminal state.
func (m *Manager) process(workerID int, rec *tasks.Record) {
	defer m.inflight.Done()

	m.busy.Add(1)
	defer m.busy.Add(-1)

	if err := rec.MarkProcessing(time.Now()); err != nil {
		m.log.Error().Err(err).Str("task_id", rec.ID()).Msg("Task skipped")
		return
	}
	snap := rec.Snapshot()
	m.notify(snap)

	start := time.Now()
	result, err := m.execute(m.ctx, snap.Payload)

	if err != nil {
		m.failed.Add(1)
		_ = rec.Fail(err.Error(), time.Now())
		m.log.Error().
			Err(err).
			Str("task_id", rec.ID()).
			Int("worker_id", workerID).
			Dur("duration", time.Since(start)).
			Msg("Task failed")
	} else {
		m.completed.Add(1)
		_ = rec.Complete(result, time.Now())
		m.log.Debug().
			Str("task_id", rec.ID()).
			Int("worker_id", workerID).
			Dur("duration", time.Since(start)).
			Msg("Task completed")
	}
	m.notify(rec.Snapshot())
}

// execute calls the work function, converting a panic into an error.
func (m *Manager) execute(ctx context.Context, payload interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Work function panicked")
			result = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return m.work(ctx, payload)
}
