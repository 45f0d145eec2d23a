package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// CallbackFunc is invoked when a task fires.
type CallbackFunc func(ctx context.Context, task *Task) error

// CallbackRegistry maps callback names to functions. Tasks record the
// name only, so a restarted process re-binds callbacks by registering
// under the same names before Start.
type CallbackRegistry struct {
	mu  sync.RWMutex
	fns map[string]CallbackFunc
}

func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{fns: make(map[string]CallbackFunc)}
}

// Register binds a name. Re-registering replaces the previous binding.
func (r *CallbackRegistry) Register(name string, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Get resolves a callback by name.
func (r *CallbackRegistry) Get(name string) (CallbackFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names lists registered callback names.
func (r *CallbackRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	return out
}

func (r *CallbackRegistry) mustGet(name string) (CallbackFunc, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("scheduler: callback %q not registered", name)
	}
	return fn, nil
}
