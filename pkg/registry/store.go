// Package registry keeps task records addressable by id for status polling.
//
// The default MemoryStore is append-only: every record lives for the process
// lifetime. A RetentionPolicy can bound that growth by evicting terminal
// records (by count, by age, or least-recently-read first). Pending and
// Processing records are never evicted.
package registry

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

// Store is the id -> record index consulted by the manager.
type Store interface {
	// Put registers rec under rec.ID().
	Put(rec *tasks.Record)
	// Get returns the record for id, if it is known.
	Get(id string) (*tasks.Record, bool)
	// Len returns the number of registered records.
	Len() int
}

// Sweeper is implemented by stores that can drop expired records on demand.
type Sweeper interface {
	Sweep(now time.Time) int
}

// PolicyKind selects a retention strategy.
type PolicyKind string

const (
	KeepAll    PolicyKind = "keep_all"
	MaxEntries PolicyKind = "max_entries"
	TTL        PolicyKind = "ttl"
	LRU        PolicyKind = "lru"
)

// RetentionPolicy bounds registry growth.
type RetentionPolicy struct {
	Kind PolicyKind
	// MaxEntries caps the store size for MaxEntries and LRU.
	MaxEntries int
	// TTL is how long a terminal record is kept after its last update.
	TTL time.Duration
}

// Validate checks that the policy has the parameters its kind needs.
func (p RetentionPolicy) Validate() error {
	switch p.Kind {
	case "", KeepAll:
		return nil
	case MaxEntries, LRU:
		if p.MaxEntries <= 0 {
			return fmt.Errorf("retention %q requires a positive max entries, got %d", p.Kind, p.MaxEntries)
		}
		return nil
	case TTL:
		if p.TTL <= 0 {
			return fmt.Errorf("retention %q requires a positive ttl, got %s", p.Kind, p.TTL)
		}
		return nil
	default:
		return fmt.Errorf("unknown retention policy %q", p.Kind)
	}
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	policy  RetentionPolicy
	entries map[string]*list.Element
	// order holds *tasks.Record, oldest insert (or least recently read for LRU) first.
	order *list.List
}

// NewMemoryStore returns a store applying policy. The zero policy keeps everything.
func NewMemoryStore(policy RetentionPolicy) (*MemoryStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Kind == "" {
		policy.Kind = KeepAll
	}
	return &MemoryStore{
		policy:  policy,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}, nil
}

func (s *MemoryStore) Put(rec *tasks.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[rec.ID()]; ok {
		el.Value = rec
		s.order.MoveToBack(el)
	} else {
		s.entries[rec.ID()] = s.order.PushBack(rec)
	}
	s.evictOverflowLocked()
}

func (s *MemoryStore) Get(id string) (*tasks.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if s.policy.Kind == LRU {
		s.order.MoveToBack(el)
	}
	return el.Value.(*tasks.Record), true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Policy returns the retention policy in effect.
func (s *MemoryStore) Policy() RetentionPolicy {
	return s.policy
}

// Sweep applies the retention policy and returns how many records were dropped.
// Size-bounded policies also run on every Put; Sweep catches records that
// turned terminal after the store overflowed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.policy.Kind {
	case TTL:
		removed := 0
		for el := s.order.Front(); el != nil; {
			next := el.Next()
			snap := el.Value.(*tasks.Record).Snapshot()
			if snap.Status.Terminal() && !now.Before(snap.UpdatedAt.Add(s.policy.TTL)) {
				s.removeLocked(el)
				removed++
			}
			el = next
		}
		return removed
	case MaxEntries, LRU:
		return s.evictOverflowLocked()
	default:
		return 0
	}
}

func (s *MemoryStore) evictOverflowLocked() int {
	if s.policy.Kind != MaxEntries && s.policy.Kind != LRU {
		return 0
	}
	removed := 0
	for el := s.order.Front(); el != nil && len(s.entries) > s.policy.MaxEntries; {
		next := el.Next()
		if el.Value.(*tasks.Record).Status().Terminal() {
			s.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	rec := s.order.Remove(el).(*tasks.Record)
	delete(s.entries, rec.ID())
}
