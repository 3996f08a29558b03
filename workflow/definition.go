package workflow

import (
	"fmt"
	"sync"
	"time"
)

// StepTemplate describes one step of a workflow definition.
type StepTemplate struct {
	// Name identifies the step and selects its handler.
	Name string

	// Type of the step. Defaults to TASK.
	Type StepType

	// ParallelGroup names a barrier group. All templates sharing a
	// non-empty group are dispatched together and must all succeed
	// before downstream steps run.
	ParallelGroup string

	// MaxRetries bounds handler-failure retries for this step.
	// Zero means the registry default.
	MaxRetries int

	// Timeout is the execution deadline enforced through a TIMEOUT timer
	// scheduled at claim time. Zero disables the deadline.
	Timeout time.Duration

	// Payload is the static step payload. Nil means the workflow input
	// is passed through.
	Payload []byte
}

// Definition is a registered workflow type: an ordered list of step
// templates materialized into Step rows by Machine.Start.
type Definition struct {
	// Type is the workflow type key, e.g. "etl_batch".
	Type string

	// Steps in stepIndex order.
	Steps []StepTemplate
}

// Template returns the template with the given step name.
func (d *Definition) Template(name string) (*StepTemplate, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// DefaultMaxRetries is applied to templates that leave MaxRetries at zero.
const DefaultMaxRetries = 3

// Registry maps workflow types to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering an empty or duplicate type, or a
// definition without steps, is a programming error.
func (r *Registry) Register(def *Definition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow: definition has empty type")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow: definition %q has no steps", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("workflow: definition %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for the given workflow type.
func (r *Registry) Get(workflowType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[workflowType]
	return d, ok
}

// Types returns all registered workflow types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
