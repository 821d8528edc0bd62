// Package tasks defines the task record tracked by the asyncq engine.
// A record is created Pending, moves to Processing when a worker picks it up,
// and ends in exactly one terminal state: Completed or Failed.
package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a record is asked to move to a state
// that is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Snapshot is a point-in-time copy of a Record. It is safe to hand out to
// callers; mutating it does not affect the tracked task.
type Snapshot struct {
	// ID is the unique identifier assigned at creation (UUID).
	ID string `json:"id"`

	// Payload is the data submitted by the caller. The engine never inspects it.
	Payload interface{} `json:"payload"`

	Status Status `json:"status"`

	// Result is set iff Status is StatusCompleted.
	Result interface{} `json:"result,omitempty"`

	// Error is set iff Status is StatusFailed and is never empty in that case.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the tracked, mutable state of a task. All access goes through its
// methods, which serialize writers and hand readers complete snapshots.
type Record struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewRecord creates a Pending record for payload.
func NewRecord(id string, payload interface{}, now time.Time) *Record {
	return &Record{
		snap: Snapshot{
			ID:        id,
			Payload:   payload,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// ID returns the record id. It never changes after creation.
func (r *Record) ID() string {
	return r.snap.ID
}

// Snapshot returns a copy of the record's current fields.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Status
}

// MarkProcessing moves a Pending record to Processing.
func (r *Record) MarkProcessing(now time.Time) error {
	return r.transition(StatusPending, StatusProcessing, now, func(s *Snapshot) {})
}

// Complete moves a Processing record to Completed with result. A nil result is
// stored as an empty object so a completed record always carries one.
func (r *Record) Complete(result interface{}, now time.Time) error {
	if result == nil {
		result = struct{}{}
	}
	return r.transition(StatusProcessing, StatusCompleted, now, func(s *Snapshot) {
		s.Result = result
	})
}

// Fail moves a Processing record to Failed. An empty reason is replaced so the
// record always carries a description.
func (r *Record) Fail(reason string, now time.Time) error {
	if reason == "" {
		reason = "task failed without an error description"
	}
	return r.transition(StatusProcessing, StatusFailed, now, func(s *Snapshot) {
		s.Error = reason
	})
}

func (r *Record) transition(from, to Status, now time.Time, apply func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.Status != from {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, r.snap.Status, to, r.snap.ID)
	}

	apply(&r.snap)
	r.snap.Status = to
	// UpdatedAt never goes backwards even if the wall clock does.
	if now.After(r.snap.UpdatedAt) {
		r.snap.UpdatedAt = now
	}
	return nil
}
