package taskbus

// State is the lifecycle state of a task.
//
//	CREATED -> QUEUED -> RUNNING -> DONE | ERROR | CANCELLED
//
// Terminal states accept no further transition.
type State string

const (
	// StateCreated is a task recorded by the manager but not confirmed by the broker yet.
	StateCreated State = "CREATED"
	// StateQueued is a task whose creation event was confirmed by the broker.
	StateQueued State = "QUEUED"
	// StateRunning is a task a worker reported progress for.
	StateRunning State = "RUNNING"
	// StateCancelled is a task whose cancellation the worker acknowledged.
	StateCancelled State = "CANCELLED"
	// StateError is a task that failed; Task.Error holds the cause.
	StateError State = "ERROR"
	// StateDone is a task that completed; Task.Result holds its value.
	StateDone State = "DONE"
)

// AllStates lists every valid task state in lifecycle order.
var AllStates = []State{StateCreated, StateQueued, StateRunning, StateCancelled, StateError, StateDone}

// FinalStates are the terminal states.
var FinalStates = []State{StateCancelled, StateError, StateDone}

// NonFinalStates are the states a task can still leave.
var NonFinalStates = []State{StateCreated, StateQueued, StateRunning}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// IsFinal reports whether s is terminal.
func (s State) IsFinal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// IsLast reports whether s is the last state of AllStates.
func (s State) IsLast() bool { return s == AllStates[len(AllStates)-1] }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateCreated, StateQueued, StateRunning, StateCancelled, StateError, StateDone:
		return State(s), nil
	default:
		return "", ErrUnknownState
	}
}
