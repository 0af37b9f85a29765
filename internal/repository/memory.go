package repository

import (
	"context"
	"sync"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// MemoryStore keeps tasks in process memory. Tasks do not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*entity.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]*entity.Task{}}
}

func (m *MemoryStore) Create(ctx context.Context, task *entity.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return alreadyExists(task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := cloneTask(t)
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.tasks[id] = cp
	return cloneTask(cp), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*entity.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Task
	for _, t := range m.tasks {
		if filter.matches(t) {
			out = append(out, cloneTask(t))
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (m *MemoryStore) Evict(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if evictable(t, before) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
