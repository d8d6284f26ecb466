package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

var (
	_ Store   = (*MemoryStore)(nil)
	_ Lister  = (*MemoryStore)(nil)
	_ Clearer = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

// MemoryStore keeps tasks in process memory. It is the orchestrator's
// default store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]Task),
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, task Task) error {
	if s == nil {
		return ErrStoreNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, taskID string) (*Task, error) {
	if s == nil {
		return nil, ErrStoreNotInitialized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Expired(s.now()) {
		return nil, nil
	}
	out := task.clone()
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	if s == nil {
		return ErrStoreNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// List returns stored tasks, newest first. Expired tasks are included until
// they are purged.
func (s *MemoryStore) List(_ context.Context) ([]Task, error) {
	if s == nil {
		return nil, ErrStoreNotInitialized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	if s == nil {
		return ErrStoreNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]Task)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	if s == nil {
		return 0, ErrStoreNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, t := range s.tasks {
		if t.Expired(now) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}
