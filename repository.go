package taskbus

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Repository stores the tasks of a Manager. Implementations store copies:
// a task handed in or out is never shared with the store.
type Repository interface {
	// Insert adds t, failing with ErrTaskAlreadyExists when its id is taken.
	Insert(ctx context.Context, t *Task) error
	// Update replaces the stored task with the same id.
	Update(ctx context.Context, t *Task) error
	// Get fails with *TaskNotFoundError for an unknown id.
	Get(ctx context.Context, id string) (*Task, error)
	// List returns every task ordered by creation time.
	List(ctx context.Context) ([]*Task, error)
	// Delete removes the task, failing with *TaskNotFoundError for an unknown id.
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps tasks in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*Task)}
}

func (r *MemoryRepository) Insert(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrTaskAlreadyExists
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return &TaskNotFoundError{TaskID: t.ID}
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, &TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Task, error) {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sortTasks(out)
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return &TaskNotFoundError{TaskID: id}
	}
	delete(r.tasks, id)
	return nil
}

func sortTasks(ts []*Task) {
	slices.SortFunc(ts, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
