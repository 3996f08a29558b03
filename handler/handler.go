// Package handler defines step handler functions and their registry.
// A handler receives the step's immutable payload and returns a result
// blob that is persisted on the step and visible to downstream steps.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// Task is the execution view of one step attempt handed to a handler.
type Task struct {
	WorkflowID id.WorkflowID
	StepID     id.StepID
	Name       string
	Payload    []byte
	Attempt    int
	MaxRetries int
	Timeout    time.Duration
}

// Func executes one step attempt. Returning nil marks the step SUCCESS with
// the returned result. Returning an error schedules a retry, unless the
// error is wrapped with djr.NonRetryable or retries are exhausted.
type Func func(ctx context.Context, t *Task) ([]byte, error)

// Registry maps step names to handler functions. Safe for concurrent use,
// though registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds a handler to a step name. Registering the same name twice
// is a wiring bug and returns an error.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("handler already registered for step %q", name)
	}
	r.handlers[name] = fn
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", name)
	}
	return fn, nil
}

// Names returns all registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
