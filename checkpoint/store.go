package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when no checkpoint exists for the given key.
var ErrNotFound = errors.New("checkpoint not found")

// ErrCorrupted is returned when a stored checkpoint fails its integrity
// check on load. It is always distinct from ErrNotFound.
var ErrCorrupted = errors.New("checkpoint corrupted")

// Store is the persistence contract the workflow core depends on. Stores
// must support concurrent writes from different threads; only
// per-checkpoint atomicity is required.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	ListByThread(ctx context.Context, threadID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryStore keeps checkpoints in process memory. Intended for tests
// and single-process runs; everything else should use a durable store.
type InMemoryStore struct {
	checkpoints map[string]*Checkpoint
	mu          sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *InMemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cp
	stored.StateSnapshot = append([]byte(nil), cp.StateSnapshot...)
	s.checkpoints[cp.ID] = &stored
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *cp
	return &out, nil
}

func (s *InMemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, cp := range s.checkpoints {
		if cp.ThreadID != threadID {
			continue
		}
		if latest == nil || cp.Version > latest.Version {
			latest = cp
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", ErrNotFound, threadID)
	}
	out := *latest
	return &out, nil
}

func (s *InMemoryStore) ListByThread(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.ThreadID == threadID {
			out := *cp
			results = append(results, &out)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Version < results[j].Version })
	return results, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}
