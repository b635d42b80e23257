package taskbus

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// StackFrame is one entry of a TaskError stacktrace.
type StackFrame struct {
	File string `json:"file"`
	Line int    `json:"lineno"`
	Name string `json:"name"`
}

// TaskError is the serializable description of a task failure.
type TaskError struct {
	Name       string       `json:"name"`
	Message    string       `json:"message"`
	Cause      string       `json:"cause,omitempty"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

// Named lets an error choose the Name of its TaskError instead of its Go type.
type Named interface {
	ErrorName() string
}

const maxFrames = 32

// NewTaskError describes err. The stacktrace is the one of the caller. A
// *TaskError anywhere in the chain is returned as is.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	out := &TaskError{
		Name:       errorName(err),
		Message:    err.Error(),
		Stacktrace: callers(2),
	}
	if cause := errors.Unwrap(err); cause != nil {
		out.Cause = cause.Error()
	}
	return out
}

func errorName(err error) string {
	var n Named
	if errors.As(err, &n) {
		return n.ErrorName()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func callers(skip int) []StackFrame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]StackFrame, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, StackFrame{File: f.File, Line: f.Line, Name: f.Function})
		}
		if !more {
			break
		}
	}
	return out
}

func (e *TaskError) Error() string {
	if e.Cause != "" && !strings.Contains(e.Message, e.Cause) {
		return fmt.Sprintf("%s: %s (cause: %s)", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
