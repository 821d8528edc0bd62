package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

func pending(id string) *tasks.Record {
	return tasks.NewRecord(id, nil, time.Now())
}

func completed(t *testing.T, id string, at time.Time) *tasks.Record {
	t.Helper()
	r := tasks.NewRecord(id, nil, at)
	require.NoError(t, r.MarkProcessing(at))
	require.NoError(t, r.Complete("ok", at))
	return r
}

func TestMemoryStore_KeepAllNeverEvicts(t *testing.T) {
	s, err := NewMemoryStore(RetentionPolicy{})
	require.NoError(t, err)
	assert.Equal(t, KeepAll, s.Policy().Kind)

	for i := 0; i < 100; i++ {
		s.Put(completed(t, fmt.Sprintf("t-%d", i), time.Now().Add(-time.Hour)))
	}
	assert.Equal(t, 0, s.Sweep(time.Now()))
	assert.Equal(t, 100, s.Len())
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s, _ := NewMemoryStore(RetentionPolicy{})
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestMemoryStore_MaxEntriesEvictsOldestTerminal(t *testing.T) {
	s, err := NewMemoryStore(RetentionPolicy{Kind: MaxEntries, MaxEntries: 2})
	require.NoError(t, err)

	s.Put(completed(t, "old", time.Now()))
	s.Put(pending("busy"))
	s.Put(completed(t, "new", time.Now()))

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("old")
	assert.False(t, ok, "oldest terminal record should be evicted")
	_, ok = s.Get("busy")
	assert.True(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}

func TestMemoryStore_NeverEvictsLiveRecords(t *testing.T) {
	s, _ := NewMemoryStore(RetentionPolicy{Kind: MaxEntries, MaxEntries: 1})

	a := pending("a")
	s.Put(a)
	s.Put(pending("b"))
	assert.Equal(t, 2, s.Len(), "pending records must survive overflow")

	require.NoError(t, a.MarkProcessing(time.Now()))
	require.NoError(t, a.Complete(1, time.Now()))
	assert.Equal(t, 1, s.Sweep(time.Now()))

	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestMemoryStore_LRUKeepsRecentlyRead(t *testing.T) {
	s, _ := NewMemoryStore(RetentionPolicy{Kind: LRU, MaxEntries: 2})

	s.Put(completed(t, "a", time.Now()))
	s.Put(completed(t, "b", time.Now()))
	_, ok := s.Get("a")
	require.True(t, ok)

	s.Put(completed(t, "c", time.Now()))

	_, ok = s.Get("a")
	assert.True(t, ok)
	_, ok = s.Get("b")
	assert.False(t, ok)
}

func TestMemoryStore_TTLSweep(t *testing.T) {
	s, _ := NewMemoryStore(RetentionPolicy{Kind: TTL, TTL: time.Minute})
	now := time.Now()

	s.Put(completed(t, "stale", now.Add(-2*time.Minute)))
	s.Put(completed(t, "fresh", now))
	s.Put(pending("waiting"))

	assert.Equal(t, 1, s.Sweep(now))
	_, ok := s.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestRetentionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{"empty", RetentionPolicy{}, false},
		{"keep all", RetentionPolicy{Kind: KeepAll}, false},
		{"max entries ok", RetentionPolicy{Kind: MaxEntries, MaxEntries: 1}, false},
		{"max entries zero", RetentionPolicy{Kind: MaxEntries}, true},
		{"lru zero", RetentionPolicy{Kind: LRU}, true},
		{"ttl ok", RetentionPolicy{Kind: TTL, TTL: time.Second}, false},
		{"ttl zero", RetentionPolicy{Kind: TTL}, true},
		{"unknown", RetentionPolicy{Kind: "fifo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s, _ := NewMemoryStore(RetentionPolicy{})
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			s.Put(pending(id))
			_, ok := s.Get(id)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep(time.Time) int {
	c.calls.Add(1)
	return 1
}

func TestJanitor_RunsOnSchedule(t *testing.T) {
	sw := &countingSweeper{}
	j, err := NewJanitor(sw, "@every 1s", zerolog.Nop())
	require.NoError(t, err)

	j.Start()
	assert.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	j.Stop()
}

func TestJanitor_InvalidSpec(t *testing.T) {
	_, err := NewJanitor(&countingSweeper{}, "not a spec", zerolog.Nop())
	assert.Error(t, err)
}
