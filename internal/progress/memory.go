package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	total     int64
	processed atomic.Int64
	done      atomic.Bool
	failed    atomic.Bool
	stage     atomic.Pointer[string]
	message   atomic.Pointer[string]
	updated   atomic.Int64 // unix nanos
}

func (e *entry) touch() {
	e.updated.Store(time.Now().UnixNano())
}

func (e *entry) state() State {
	processed := int(e.processed.Load())
	s := State{
		Processed: processed,
		Total:     int(e.total),
		Percent:   Percent(processed, int(e.total)),
		Done:      e.done.Load(),
		Failed:    e.failed.Load(),
		UpdatedAt: time.Unix(0, e.updated.Load()),
	}
	if p := e.stage.Load(); p != nil {
		s.Stage = *p
	}
	if p := e.message.Load(); p != nil {
		s.Message = *p
	}
	return s
}

// MemoryStore keeps entries in process. The map lock is only held for lookups
// and inserts; counters are updated atomically.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	runningTTL time.Duration
	doneTTL    time.Duration
}

// NewMemoryStore creates a store whose finished entries are kept for doneTTL
// and whose abandoned running entries are kept for runningTTL.
func NewMemoryStore(runningTTL, doneTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*entry),
		runningTTL: runningTTL,
		doneTTL:    doneTTL,
	}
}

func (s *MemoryStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Start(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return ErrDuplicateID
	}
	e := &entry{total: int64(max(total, 0))}
	stage := StageQueued
	e.stage.Store(&stage)
	e.touch()
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) Add(_ context.Context, id string, n int) (State, error) {
	e, err := s.lookup(id)
	if err != nil {
		return State{}, err
	}
	if n > 0 {
		for {
			cur := e.processed.Load()
			next := min(cur+int64(n), e.total)
			if next == cur || e.processed.CompareAndSwap(cur, next) {
				break
			}
		}
		e.touch()
	}
	return e.state(), nil
}

func (s *MemoryStore) SetStage(_ context.Context, id, stage string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.stage.Store(&stage)
	e.touch()
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id string, failed bool, message string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	stage := StageDone
	e.stage.Store(&stage)
	e.message.Store(&message)
	e.failed.Store(failed)
	e.touch()
	e.done.Store(true)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (State, error) {
	e, err := s.lookup(id)
	if err != nil {
		return State{}, err
	}
	return e.state(), nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		ttl := s.runningTTL
		if e.done.Load() {
			ttl = s.doneTTL
		}
		if now.Sub(time.Unix(0, e.updated.Load())) > ttl {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
