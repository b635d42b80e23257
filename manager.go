package taskbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// RoutingStrategy selects the routing key of task creation events.
type RoutingStrategy string

const (
	// RoutingUnique sends every task to the one shared task queue.
	RoutingUnique RoutingStrategy = "UNIQUE"
	// RoutingName routes a task by its type, to workers consuming that type.
	RoutingName RoutingStrategy = "NAME"
)

// ParseRoutingStrategy converts a string into a RoutingStrategy.
func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	switch RoutingStrategy(s) {
	case RoutingUnique, RoutingName:
		return RoutingStrategy(s), nil
	}
	return "", fmt.Errorf("taskbus: unknown routing strategy %q", s)
}

// waitPoll rechecks waited tasks for changes made by other managers sharing
// the repository.
const waitPoll = 200 * time.Millisecond

// Manager creates tasks, publishes them to workers and keeps their state up
// to date from the events workers send back on MANAGER_EVENT.
type Manager struct {
	cm      *ConnectionManager
	repo    Repository
	log     Logger
	metrics *Metrics
	routing RoutingStrategy
	name    string

	// mu serializes every mutation of the task table.
	mu      sync.Mutex
	changed chan struct{}

	consumer *Consumer
	closeMu  sync.Mutex
	closed   bool
}

// NewManager prepares a manager on cm: it opens the publish channels of
// TASK and WORKER_EVENT (and MONITORING when monitoring is enabled) and
// declares its MANAGER_EVENT consumer. Call Start to consume events.
func NewManager(cm *ConnectionManager, opts ...Option) (*Manager, error) {
	o := buildOptions(append([]Option{WithLogger(cm.log)}, opts...))
	repo := o.repository
	if repo == nil {
		repo = NewMemoryRepository()
	}
	name := o.name
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("manager-%s-%d", host, os.Getpid())
	}
	m := &Manager{
		cm:      cm,
		repo:    cm.metrics.instrument(repo),
		log:     o.logger,
		metrics: cm.metrics,
		routing: o.routing,
		name:    name,
		changed: make(chan struct{}),
	}
	queues := []Queue{QueueTask, QueueWorkerEvent}
	if cm.cfg.Monitoring {
		queues = append(queues, QueueMonitoring)
	}
	if err := cm.CreatePublishChannels(queues...); err != nil {
		return nil, err
	}
	c, err := NewConsumer(cm, QueueManagerEvent, m.HandleEvent)
	if err != nil {
		return nil, err
	}
	m.consumer = c
	return m, nil
}

// Start consumes manager events in the background until Close or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		if err := m.consumer.Run(ctx); err != nil {
			m.log.Errorf("taskbus: manager event consumer stopped: %v", err)
		}
	}()
}

// Close stops consuming events and waits for the event in flight. The
// connection manager is left open.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()
	if err := m.consumer.Cancel(); err != nil {
		return err
	}
	select {
	case <-m.consumer.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyLocked wakes up WaitTasksToBeDone callers.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) routingKey(t *Task) string {
	if m.routing == RoutingName {
		return t.Type
	}
	return ""
}

// StartTask creates a task with a random id and publishes it.
// See StartTaskWithID.
func (m *Manager) StartTask(ctx context.Context, taskType, user string, args map[string]any) (string, error) {
	return m.start(ctx, NewTask(taskType, user, args))
}

// StartTaskWithID records a task in StateCreated, publishes its creation
// event on TASK and moves it to StateQueued once the broker confirmed it.
// When the publish fails the id is returned with a *PublishError and the
// task stays in StateCreated.
func (m *Manager) StartTaskWithID(ctx context.Context, id, taskType, user string, args map[string]any) (string, error) {
	return m.start(ctx, NewTaskWithID(id, taskType, user, args))
}

func (m *Manager) start(ctx context.Context, t *Task) (string, error) {
	m.mu.Lock()
	err := m.repo.Insert(ctx, t)
	if err == nil {
		m.metrics.Transitions.WithLabelValues(string(StateCreated)).Inc()
		m.notifyLocked()
	}
	m.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrTaskAlreadyExists) {
			return "", fmt.Errorf("%w: %s", ErrTaskAlreadyExists, t.ID)
		}
		return "", err
	}

	if err := m.cm.PublishWithKey(ctx, QueueTask, m.routingKey(t), NewTaskCreation(t)); err != nil {
		m.log.Errorf("taskbus: task %s not published: %v", t.ID, err)
		return t.ID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.repo.Get(ctx, t.ID)
	if err != nil {
		return t.ID, err
	}
	if cur.MarkQueued() {
		if err := m.repo.Update(ctx, cur); err != nil {
			return t.ID, err
		}
		m.metrics.Transitions.WithLabelValues(string(StateQueued)).Inc()
		m.notifyLocked()
	}
	m.log.Debugf("taskbus: started %s", cur)
	return t.ID, nil
}

// GetTask returns a copy of the task, or a *TaskNotFoundError.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	return m.repo.Get(ctx, id)
}

// GetTasks returns the tasks matching filter, oldest first.
func (m *Manager) GetTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	matcher, err := filter.Compile()
	if err != nil {
		return nil, err
	}
	all, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if matcher.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Cancel asks workers to stop the task. The task only becomes CANCELLED
// (or QUEUED again with requeue) once a worker acknowledged it.
func (m *Manager) Cancel(ctx context.Context, id string, requeue bool) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, t.State)
	}
	return m.cm.Publish(ctx, QueueWorkerEvent, NewCancelEvent(id, requeue))
}

// StopTasks cancels, without requeue, every non-terminal task matching
// filter and returns their ids.
func (m *Manager) StopTasks(ctx context.Context, filter TaskFilter) ([]string, error) {
	filter.States = NonFinalStates
	tasks, err := m.GetTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := m.cm.Publish(ctx, QueueWorkerEvent, NewCancelEvent(t.ID, false)); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ClearTask removes one task. A running task cannot be removed.
func (m *Manager) ClearTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrRunningTask, id)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	m.notifyLocked()
	return t, nil
}

// ClearDoneTasks removes the terminal tasks matching filter and returns them.
// Messages already delivered to the broker are not affected.
func (m *Manager) ClearDoneTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	filter.States = FinalStates
	matcher, err := filter.Compile()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []*Task
	for _, t := range all {
		if !matcher.Match(t) {
			continue
		}
		if err := m.repo.Delete(ctx, t.ID); err != nil {
			var nf *TaskNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return removed, err
		}
		removed = append(removed, t)
	}
	if len(removed) > 0 {
		m.notifyLocked()
	}
	return removed, nil
}

// CleanDoneTasks removes every terminal task.
func (m *Manager) CleanDoneTasks(ctx context.Context) ([]*Task, error) {
	return m.ClearDoneTasks(ctx, TaskFilter{})
}

// WaitTasksToBeDone blocks until every task that is not terminal when it is
// called reaches a terminal state or is removed. It fails with an error
// wrapping context.DeadlineExceeded when timeout elapses first.
func (m *Manager) WaitTasksToBeDone(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pending, err := m.GetTasks(ctx, TaskFilter{States: NonFinalStates})
	if err != nil {
		return err
	}
	ids := make(map[string]struct{}, len(pending))
	for _, t := range pending {
		ids[t.ID] = struct{}{}
	}
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		changed := m.changed
		for id := range ids {
			t, err := m.repo.Get(ctx, id)
			var nf *TaskNotFoundError
			if errors.As(err, &nf) || (err == nil && t.State.IsFinal()) {
				delete(ids, id)
			}
		}
		m.mu.Unlock()
		if len(ids) == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("taskbus: %d tasks not done: %w", len(ids), ctx.Err())
		}
	}
}

// Shutdown asks every worker to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.cm.Publish(ctx, QueueWorkerEvent, NewShutdownEvent())
}

// Health checks the broker connection and, when monitoring is enabled,
// publishes a heartbeat on MONITORING.
func (m *Manager) Health(ctx context.Context) error {
	if !m.cm.IsOpen() {
		return ErrClosed
	}
	if !m.cm.cfg.Monitoring {
		return nil
	}
	return m.cm.Publish(ctx, QueueMonitoring, NewMonitoringEvent(m.name))
}

// HandleEvent applies a worker event to its task. It is the handler of the
// MANAGER_EVENT consumer. A progress event for an unknown task is rejected
// without requeue. Final events for an unknown task, and any event for a
// terminal task, are logged and discarded.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) error {
	te, ok := ev.(TaskEvent)
	if !ok {
		m.log.Debugf("taskbus: manager ignores %s", ev.EventType())
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.repo.Get(ctx, te.ForTask())
	if err != nil {
		var nf *TaskNotFoundError
		if errors.As(err, &nf) {
			switch te.(type) {
			case *ResultEvent, *ErrorEvent, *CancelledEvent:
				// late duplicate for a task already cleared
				m.log.Warnf("taskbus: %s for unknown task %s discarded", ev.EventType(), te.ForTask())
				return nil
			}
			return Reject(err, false)
		}
		return Reject(err, true)
	}
	changed, err := t.Apply(te)
	if errors.Is(err, ErrTerminalState) {
		m.log.Warnf("taskbus: %v", err)
		return nil
	}
	if err != nil || !changed {
		return err
	}
	if err := m.repo.Update(ctx, t); err != nil {
		return Reject(err, true)
	}
	m.metrics.Transitions.WithLabelValues(string(t.State)).Inc()
	m.notifyLocked()
	return nil
}
