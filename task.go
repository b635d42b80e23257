package taskbus

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of asynchronous work tracked by a Manager.
type Task struct {
	// ID is the globally unique identifier of the task.
	ID string `json:"id"`
	// Type selects the handler of the task.
	Type string `json:"type"`
	// User owns the task.
	User string `json:"user,omitempty"`
	// Args are opaque to the bus.
	Args map[string]any `json:"args,omitempty"`
	// State is the lifecycle state.
	State State `json:"state"`
	// Progress is in [0,1] and never decreases while running.
	Progress float64 `json:"progress"`
	// Result is only set in StateDone.
	Result *TaskResult `json:"result,omitempty"`
	// Error is only set in StateError.
	Error *TaskError `json:"error,omitempty"`
	// CreatedAt is when the task was started.
	CreatedAt time.Time `json:"createdAt"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// RetriesLeft is the retry budget for retryable handler failures.
	RetriesLeft int `json:"retriesLeft"`
}

// NewTask creates a task in StateCreated with a random id.
func NewTask(taskType, user string, args map[string]any) *Task {
	return NewTaskWithID(uuid.NewString(), taskType, user, args)
}

// NewTaskWithID creates a task in StateCreated.
func NewTaskWithID(id, taskType, user string, args map[string]any) *Task {
	return &Task{
		ID:          id,
		Type:        taskType,
		User:        user,
		Args:        args,
		State:       StateCreated,
		CreatedAt:   now(),
		RetriesLeft: DefaultRetries,
	}
}

// Clone returns a copy that does not share the argument map.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Args = maps.Clone(t.Args)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{id=%s type=%s state=%s progress=%.2f}", t.ID, t.Type, t.State, t.Progress)
}

// MarkQueued moves a created task to StateQueued once its creation event was
// confirmed. A task a worker already reported on is left as is.
func (t *Task) MarkQueued() bool {
	if t.State != StateCreated {
		return false
	}
	t.State = StateQueued
	return true
}

// Apply updates the task with an event emitted for it and reports whether
// the task changed. Events for a terminal task fail with ErrTerminalState
// and leave it untouched.
func (t *Task) Apply(ev TaskEvent) (bool, error) {
	if t.State.IsFinal() {
		return false, fmt.Errorf("%w: %s is %s, %s discarded", ErrTerminalState, t.ID, t.State, ev.EventType())
	}
	switch e := ev.(type) {
	case *ProgressEvent:
		return t.applyProgress(e.Progress), nil
	case *ResultEvent:
		t.State = StateDone
		t.Progress = 1
		t.Result = e.Result
		t.Error = nil
		t.complete(e.CreatedAt)
		return true, nil
	case *ErrorEvent:
		t.State = StateError
		t.Error = e.Error
		t.Result = nil
		t.complete(e.CreatedAt)
		return true, nil
	case *CancelledEvent:
		if e.Requeue {
			t.State = StateQueued
			t.Progress = 0
			return true, nil
		}
		t.State = StateCancelled
		t.complete(e.CreatedAt)
		return true, nil
	default:
		return false, nil
	}
}

func (t *Task) applyProgress(p float64) bool {
	p = clamp01(p)
	changed := t.State != StateRunning
	t.State = StateRunning
	if p > t.Progress {
		t.Progress = p
		changed = true
	}
	return changed
}

func (t *Task) complete(at time.Time) {
	if at.IsZero() {
		at = now()
	}
	t.CompletedAt = &at
}
