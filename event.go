package taskbus

import (
	"sync"
	"time"
)

// DefaultRetries is the retry budget of a new event.
const DefaultRetries = 3

// Event is a message exchanged on the bus. Concrete events embed EventHeader
// and are always handled by pointer.
type Event interface {
	// EventType is the value of the wire discriminator.
	EventType() string
	// Header gives access to the envelope fields.
	Header() *EventHeader
}

// TaskEvent is an event bound to one task.
type TaskEvent interface {
	Event
	ForTask() string
}

// EventHeader holds the fields shared by every event.
type EventHeader struct {
	CreatedAt   time.Time `json:"createdAt"`
	RetriesLeft int       `json:"retriesLeft"`
}

func newHeader() EventHeader {
	return EventHeader{CreatedAt: now(), RetriesLeft: DefaultRetries}
}

// now is millisecond precise so that timestamps survive a JSON round trip.
func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func (h *EventHeader) Header() *EventHeader { return h }

// CanBeReinjected reports whether a retry is left.
func (h *EventHeader) CanBeReinjected() bool { return h.RetriesLeft > 0 }

// Reinject consumes one retry. It fails with ErrRetriesExhausted, leaving the
// counter untouched, once none is left.
func (h *EventHeader) Reinject() error {
	if h.RetriesLeft <= 0 {
		return ErrRetriesExhausted
	}
	h.RetriesLeft--
	return nil
}

// TaskCreation carries the full task to a worker.
type TaskCreation struct {
	EventHeader
	Task *Task `json:"task"`
}

// NewTaskCreation wraps t. The event inherits the retries left of the task.
func NewTaskCreation(t *Task) *TaskCreation {
	h := newHeader()
	if t != nil {
		h.RetriesLeft = t.RetriesLeft
	}
	return &TaskCreation{EventHeader: h, Task: t}
}

func (*TaskCreation) EventType() string { return "TaskCreation" }

func (e *TaskCreation) ForTask() string {
	if e.Task == nil {
		return ""
	}
	return e.Task.ID
}

// ProgressEvent reports the progress of a running task.
type ProgressEvent struct {
	EventHeader
	TaskID   string  `json:"taskId"`
	Progress float64 `json:"progress"`
}

func NewProgressEvent(taskID string, progress float64) *ProgressEvent {
	return &ProgressEvent{EventHeader: newHeader(), TaskID: taskID, Progress: clamp01(progress)}
}

func (*ProgressEvent) EventType() string { return "ProgressEvent" }
func (e *ProgressEvent) ForTask() string { return e.TaskID }

// ResultEvent reports the successful completion of a task.
type ResultEvent struct {
	EventHeader
	TaskID string      `json:"taskId"`
	Result *TaskResult `json:"result"`
}

func NewResultEvent(taskID string, value any) *ResultEvent {
	return &ResultEvent{EventHeader: newHeader(), TaskID: taskID, Result: NewTaskResult(value)}
}

func (*ResultEvent) EventType() string { return "ResultEvent" }
func (e *ResultEvent) ForTask() string { return e.TaskID }

// ErrorEvent reports the failure of a task.
type ErrorEvent struct {
	EventHeader
	TaskID string     `json:"taskId"`
	Error  *TaskError `json:"error"`
}

func NewErrorEvent(taskID string, err *TaskError) *ErrorEvent {
	return &ErrorEvent{EventHeader: newHeader(), TaskID: taskID, Error: err}
}

func (*ErrorEvent) EventType() string { return "ErrorEvent" }
func (e *ErrorEvent) ForTask() string { return e.TaskID }

// CancelEvent asks the worker running a task to stop it.
type CancelEvent struct {
	EventHeader
	TaskID  string `json:"taskId"`
	Requeue bool   `json:"requeue"`
}

func NewCancelEvent(taskID string, requeue bool) *CancelEvent {
	return &CancelEvent{EventHeader: newHeader(), TaskID: taskID, Requeue: requeue}
}

func (*CancelEvent) EventType() string { return "CancelEvent" }
func (e *CancelEvent) ForTask() string { return e.TaskID }

// CancelledEvent acknowledges a CancelEvent.
type CancelledEvent struct {
	EventHeader
	TaskID  string `json:"taskId"`
	Requeue bool   `json:"requeue"`
}

func NewCancelledEvent(taskID string, requeue bool) *CancelledEvent {
	return &CancelledEvent{EventHeader: newHeader(), TaskID: taskID, Requeue: requeue}
}

func (*CancelledEvent) EventType() string { return "CancelledEvent" }
func (e *CancelledEvent) ForTask() string { return e.TaskID }

// ShutdownEvent tells every worker to stop consuming.
type ShutdownEvent struct {
	EventHeader
}

func NewShutdownEvent() *ShutdownEvent { return &ShutdownEvent{EventHeader: newHeader()} }

func (*ShutdownEvent) EventType() string { return "ShutdownEvent" }

// MonitoringEvent is a heartbeat.
type MonitoringEvent struct {
	EventHeader
	Source string `json:"source"`
}

func NewMonitoringEvent(source string) *MonitoringEvent {
	return &MonitoringEvent{EventHeader: newHeader(), Source: source}
}

func (*MonitoringEvent) EventType() string { return "MonitoringEvent" }

var (
	eventsMu sync.RWMutex
	events   = map[string]func() Event{}
)

// RegisterEvent makes a custom event type known to Deserialize. Registering
// an existing name replaces it.
func RegisterEvent(name string, factory func() Event) {
	eventsMu.Lock()
	defer eventsMu.Unlock()
	events[name] = factory
}

func lookupEvent(name string) (func() Event, bool) {
	eventsMu.RLock()
	defer eventsMu.RUnlock()
	f, ok := events[name]
	return f, ok
}

func init() {
	for _, f := range []func() Event{
		func() Event { return &TaskCreation{} },
		func() Event { return &ProgressEvent{} },
		func() Event { return &ResultEvent{} },
		func() Event { return &ErrorEvent{} },
		func() Event { return &CancelEvent{} },
		func() Event { return &CancelledEvent{} },
		func() Event { return &ShutdownEvent{} },
		func() Event { return &MonitoringEvent{} },
	} {
		RegisterEvent(f().EventType(), f)
	}
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
