package taskbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
)

// TaskResult is the value produced by a successful task. Only values of a
// registered type can be serialized.
type TaskResult struct {
	Value any
}

// NewTaskResult wraps v. A *TaskResult is returned as is.
func NewTaskResult(v any) *TaskResult {
	if r, ok := v.(*TaskResult); ok {
		return r
	}
	return &TaskResult{Value: v}
}

type resultWire struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

const nullResult = "null"

var (
	resultsMu     sync.RWMutex
	resultsByName = map[string]reflect.Type{}
	resultsByType = map[reflect.Type]string{}
)

// RegisterResultType makes T usable as a task result under name.
func RegisterResultType[T any](name string) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	resultsMu.Lock()
	defer resultsMu.Unlock()
	resultsByName[name] = t
	resultsByType[t] = name
}

func init() {
	RegisterResultType[string]("string")
	RegisterResultType[bool]("bool")
	RegisterResultType[int]("int")
	RegisterResultType[int64]("long")
	RegisterResultType[float64]("double")
	RegisterResultType[[]byte]("bytes")
	RegisterResultType[[]any]("list")
	RegisterResultType[map[string]any]("map")
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	if r.Value == nil {
		return json.Marshal(resultWire{Type: nullResult})
	}
	resultsMu.RLock()
	name, ok := resultsByType[reflect.TypeOf(r.Value)]
	resultsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unregistered result type %T", r.Value)
	}
	v, err := json.Marshal(r.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resultWire{Type: name, Value: v})
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == nullResult {
		r.Value = nil
		return nil
	}
	resultsMu.RLock()
	t, ok := resultsByName[w.Type]
	resultsMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown result type %q", w.Type)
	}
	ptr := reflect.New(t)
	if err := sonic.Unmarshal(w.Value, ptr.Interface()); err != nil {
		return err
	}
	r.Value = ptr.Elem().Interface()
	return nil
}
