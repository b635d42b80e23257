package taskbus

import (
	"errors"
	"fmt"
)

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("taskbus: unknown state")

// ErrUnknownQueue is returned for a queue name missing from the registry.
var ErrUnknownQueue = errors.New("taskbus: unknown queue")

// ErrTaskAlreadyExists is returned when starting a task with an id already tracked.
var ErrTaskAlreadyExists = errors.New("taskbus: task already exists")

// ErrRunningTask is returned when clearing a task that is still running.
var ErrRunningTask = errors.New("taskbus: operation not allowed on running task")

// ErrTerminalState is returned when an event targets a task that already finished.
var ErrTerminalState = errors.New("taskbus: task is in a terminal state")

// ErrRetriesExhausted is returned by Reinject once no retry is left.
var ErrRetriesExhausted = errors.New("taskbus: no retries left")

// ErrConfirmTimeout is returned when the broker did not confirm a publish in time.
var ErrConfirmTimeout = errors.New("taskbus: publish confirm timeout")

// ErrNacked is returned when the broker negatively acknowledged a publish.
var ErrNacked = errors.New("taskbus: publish nacked by broker")

// ErrClosed is returned by operations on a closed connection manager, channel or consumer.
var ErrClosed = errors.New("taskbus: closed")

// ErrNoHandler indicates there is no handler registered for the task type.
var ErrNoHandler = errors.New("taskbus: no handler")

// TaskNotFoundError is returned when a task id is not tracked.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("taskbus: task %q not found", e.TaskID)
}

// SerializationError is returned when an event cannot be encoded.
type SerializationError struct {
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("taskbus: cannot serialize %s: %v", e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializeError is returned when a payload is not a valid event. It is
// never retryable: consumers reject such messages without requeue.
type DeserializeError struct {
	Payload []byte
	Err     error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("taskbus: cannot deserialize %q: %v", truncate(e.Payload, 128), e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// PublishError is returned when a message was not confirmed by the broker.
type PublishError struct {
	Queue Queue
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("taskbus: publish on %s failed: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UnknownChannelError is returned when publishing on a queue whose publish
// channel was never created. It is a configuration error.
type UnknownChannelError struct {
	Queue Queue
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("taskbus: no publish channel for queue %s", e.Queue)
}

// NackError is returned by a handler to reject the message it is processing.
// Requeue asks the broker to deliver it again.
type NackError struct {
	Requeue bool
	Err     error
}

// Reject wraps err into a NackError.
func Reject(err error, requeue bool) *NackError {
	return &NackError{Requeue: requeue, Err: err}
}

func (e *NackError) Error() string {
	return fmt.Sprintf("taskbus: rejected (requeue=%t): %v", e.Requeue, e.Err)
}

func (e *NackError) Unwrap() error { return e.Err }

// retryableError marks a handler failure worth retrying.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the worker reinjects the task while it
// has retries left instead of failing it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
