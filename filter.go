package taskbus

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// TaskFilter selects tasks. Every set criterion must match.
type TaskFilter struct {
	// States keeps tasks in one of these states. Empty keeps all.
	States []State
	// Name is a regular expression searched in the task type, so a plain
	// prefix such as "Index" matches "IndexTask".
	Name string
	// User keeps tasks owned by this user.
	User string
	// Args maps an argument key to a regular expression searched in the
	// string form of its value. A dotted key such as "batch.project" walks
	// nested maps. A missing argument never matches.
	Args map[string]string
}

// FilterOption builds a TaskFilter.
type FilterOption func(*TaskFilter)

// WithStates keeps tasks in one of states.
func WithStates(states ...State) FilterOption {
	return func(f *TaskFilter) { f.States = append(f.States, states...) }
}

// WithNamePattern keeps tasks whose type matches pattern.
func WithNamePattern(pattern string) FilterOption {
	return func(f *TaskFilter) { f.Name = pattern }
}

// WithUser keeps tasks of user.
func WithUser(user string) FilterOption {
	return func(f *TaskFilter) { f.User = user }
}

// WithArg keeps tasks whose argument key matches pattern.
func WithArg(key, pattern string) FilterOption {
	return func(f *TaskFilter) {
		if f.Args == nil {
			f.Args = map[string]string{}
		}
		f.Args[key] = pattern
	}
}

// NewTaskFilter combines opts.
func NewTaskFilter(opts ...FilterOption) TaskFilter {
	var f TaskFilter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Matcher is a compiled TaskFilter.
type Matcher struct {
	states []State
	name   *regexp.Regexp
	user   string
	args   map[string]*regexp.Regexp
}

// Compile validates the patterns of f.
func (f TaskFilter) Compile() (*Matcher, error) {
	m := &Matcher{states: slices.Clone(f.States), user: f.User}
	for _, s := range f.States {
		if _, err := ParseState(string(s)); err != nil {
			return nil, fmt.Errorf("%w: %q", err, s)
		}
	}
	if f.Name != "" {
		re, err := regexp.Compile(f.Name)
		if err != nil {
			return nil, fmt.Errorf("taskbus: name filter: %w", err)
		}
		m.name = re
	}
	if len(f.Args) > 0 {
		m.args = make(map[string]*regexp.Regexp, len(f.Args))
		for k, p := range f.Args {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("taskbus: argument filter %s: %w", k, err)
			}
			m.args[k] = re
		}
	}
	return m, nil
}

// Match reports whether t passes every criterion.
func (m *Matcher) Match(t *Task) bool {
	if len(m.states) > 0 && !slices.Contains(m.states, t.State) {
		return false
	}
	if m.name != nil && !m.name.MatchString(t.Type) {
		return false
	}
	if m.user != "" && m.user != t.User {
		return false
	}
	for k, re := range m.args {
		v, ok := argValue(t.Args, k)
		if !ok || !re.MatchString(fmt.Sprint(v)) {
			return false
		}
	}
	return true
}

// argValue looks key up in args, descending into nested maps on dots. A key
// present as is wins over the nested path.
func argValue(args map[string]any, key string) (any, bool) {
	if v, ok := args[key]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	nested, ok := args[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return argValue(nested, rest)
}
