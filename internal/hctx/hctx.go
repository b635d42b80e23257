package hctx

import (
	"context"
	"sync"
)

// State holds per-execution metadata shared between a running handler and
// the worker that started it.
type State struct {
	TaskID string

	mu       sync.Mutex
	progress float64
	report   func(float64)
}

// New creates a state for taskID. report, when set, is called with every
// progress value that moved forward.
func New(taskID string, report func(float64)) *State {
	return &State{TaskID: taskID, report: report}
}

// SetProgress clamps p to [0,1] and records it when it moves forward.
func (s *State) SetProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	s.mu.Lock()
	if p <= s.progress {
		s.mu.Unlock()
		return
	}
	s.progress = p
	report := s.report
	s.mu.Unlock()
	if report != nil {
		report(p)
	}
}

// Progress returns the last recorded progress.
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
