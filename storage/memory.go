package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"taskmaster/domain"
)

// MemoryStore keeps tasks in process memory. It is used for local runs and
// tests; Commit applies a batch under a single lock.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]domain.Task
	version uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]domain.Task)}
}

func (m *MemoryStore) nextVersion() string {
	m.version++
	return strconv.FormatUint(m.version, 10)
}

// GetTask returns the stored task or domain.ErrNotFound.
func (m *MemoryStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

// FindBucket returns the tasks of one owner and category in no particular order.
func (m *MemoryStore) FindBucket(ctx context.Context, owner, category string) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.Owner == owner && t.Category == category {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListTasks returns every task of owner.
func (m *MemoryStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

// InsertTask stores t with a fresh version. An existing id is a conflict.
func (m *MemoryStore) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return "", fmt.Errorf("%w: task %s already exists", domain.ErrConflict, t.ID)
	}
	t.Version = m.nextVersion()
	m.tasks[t.ID] = t
	return t.ID, nil
}

// UpdateTask applies the user fields of patch and bumps the version.
func (m *MemoryStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	patch.Apply(&t)
	t.Version = m.nextVersion()
	m.tasks[id] = t
	return t, nil
}

// DeleteTask removes the task or returns domain.ErrNotFound.
func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

// Commit applies writes all or nothing. A write whose expected version no
// longer matches fails the whole batch with domain.ErrConflict.
func (m *MemoryStore) Commit(ctx context.Context, owner string, writes []domain.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]domain.Task)
	lookup := func(id string) (domain.Task, bool) {
		if t, ok := staged[id]; ok {
			return t, true
		}
		t, ok := m.tasks[id]
		return t, ok
	}

	for _, w := range writes {
		switch w.Kind {
		case domain.WriteShift:
			ids := make([]string, 0, len(m.tasks)+len(staged))
			for id := range m.tasks {
				ids = append(ids, id)
			}
			for id := range staged {
				if _, ok := m.tasks[id]; !ok {
					ids = append(ids, id)
				}
			}
			for _, id := range ids {
				t, _ := lookup(id)
				if t.Owner != owner || t.Category != w.Category || t.Order < w.From {
					continue
				}
				t.Order += w.Delta
				staged[id] = t
			}
		case domain.WriteInsert:
			if _, exists := lookup(w.Task.ID); exists {
				return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, w.Task.ID)
			}
			t := w.Task
			t.Owner = owner
			staged[t.ID] = t
		case domain.WriteSetPosition:
			t, ok := lookup(w.ID)
			if !ok {
				return fmt.Errorf("%w: task %s vanished", domain.ErrConflict, w.ID)
			}
			if t.Owner != owner {
				return domain.ErrForbidden
			}
			if w.Version != "" && m.tasks[w.ID].Version != w.Version {
				return fmt.Errorf("%w: task %s changed since read", domain.ErrConflict, w.ID)
			}
			t.Category = w.Category
			t.Order = w.Order
			staged[w.ID] = t
		default:
			return fmt.Errorf("%w: unknown write kind %d", domain.ErrInvalidArgument, w.Kind)
		}
	}

	for id, t := range staged {
		t.Version = m.nextVersion()
		m.tasks[id] = t
	}
	return nil
}

// Len returns the number of stored tasks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
