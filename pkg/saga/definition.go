package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Execution carries the per-run state a forward function can read: the
// original request payload and the data accumulated by earlier steps.
type Execution struct {
	SagaID        string
	SagaType      Type
	CorrelationID string
	Input         map[string]interface{}
	Data          map[string]interface{}
}

// ForwardFunc performs one step. The returned map becomes the step's
// stepData, is merged into the execution data, and is handed unchanged to the
// paired compensation.
type ForwardFunc func(ctx context.Context, exec *Execution) (map[string]interface{}, error)

// CompensateFunc reverses one completed step. It receives exactly the data
// the forward function returned, and must be idempotent.
type CompensateFunc func(ctx context.Context, data map[string]interface{}) error

// StepDef describes one step of a saga template
type StepDef struct {
	Name              string
	ServiceName       string
	Forward           ForwardFunc
	Compensate        CompensateFunc
	ExpectedPrevState State
	ExpectedPostState State
	Timeout           time.Duration
}

// Definition is a saga template: an ordered list of steps with paired
// compensations. Templates are built once at startup and never mutated.
type Definition struct {
	Type        Type
	Description string
	Steps       []*StepDef
	Timeout     time.Duration
}

// NewDefinition creates an empty saga definition
func NewDefinition(t Type, description string) *Definition {
	return &Definition{
		Type:        t,
		Description: description,
		Steps:       make([]*StepDef, 0),
		Timeout:     5 * time.Minute,
	}
}

// AddStep appends a step to the definition
func (d *Definition) AddStep(step *StepDef) *Definition {
	if step.Timeout == 0 {
		step.Timeout = 30 * time.Second
	}
	d.Steps = append(d.Steps, step)
	return d
}

// WithTimeout sets the overall saga timeout
func (d *Definition) WithTimeout(timeout time.Duration) *Definition {
	d.Timeout = timeout
	return d
}

// StepByName returns the step definition with the given name, or nil
func (d *Definition) StepByName(name string) *StepDef {
	for _, s := range d.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Descriptors returns the step name/service pairs for record creation
func (d *Definition) Descriptors() []StepDescriptor {
	out := make([]StepDescriptor, 0, len(d.Steps))
	for _, s := range d.Steps {
		out = append(out, StepDescriptor{Name: s.Name, ServiceName: s.ServiceName})
	}
	return out
}

// Validate checks the definition's state chain against the type's legal path
func (d *Definition) Validate() error {
	prev := InitialState(d.Type)
	for _, s := range d.Steps {
		if s.Forward == nil {
			return fmt.Errorf("step %s of %s has no forward function", s.Name, d.Type)
		}
		if s.ExpectedPrevState != prev {
			return fmt.Errorf("step %s of %s expects prev state %s, chain is at %s",
				s.Name, d.Type, s.ExpectedPrevState, prev)
		}
		if err := ValidateTransition(d.Type, s.ExpectedPrevState, s.ExpectedPostState); err != nil {
			return fmt.Errorf("step %s of %s: %w", s.Name, d.Type, err)
		}
		prev = s.ExpectedPostState
	}
	return nil
}

// Registry maps saga types to their templates. Dispatch stays explicit and
// inspectable instead of hiding behind interface wiring.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Type]*Definition)}
}

// Register adds a definition; registering the same type twice is an error
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a saga type
func (r *Registry) Get(t Type) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, t)
	}
	return def, nil
}

// Types returns the registered saga types
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}
