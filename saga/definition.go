package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Action is a side effecting operation attached to a step, either the
// forward action or its compensation. Implementations must honor ctx
// cancellation and be idempotent: the orchestrator retries compensations and
// may re-invoke an action after a crash, always supplying the same
// idempotency key through the execution.
type Action func(ctx context.Context, ex *Execution) error

// Step is one unit of a saga: a forward action and the compensating action
// that semantically reverses it.
type Step struct {
	Name       string
	Forward    Action
	Compensate Action
}

// Definition is the static description of a multi step workflow. Definitions
// are registered once at process start and never mutated afterwards.
type Definition struct {
	Name  string
	Steps []Step
}

// validate checks the definition is complete: at least one step, unique step
// names and both handlers present on every step. Catching a missing
// compensation here, at registration time, is what replaces late bound
// string lookups at execution time.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("a definition requires a name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition '%s' has no steps", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("definition '%s' has a step without a name", d.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("definition '%s' declares step '%s' twice", d.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Forward == nil {
			return fmt.Errorf("step '%s' of definition '%s' has no forward action", s.Name, d.Name)
		}
		if s.Compensate == nil {
			return fmt.Errorf("step '%s' of definition '%s' has no compensating action", s.Name, d.Name)
		}
	}
	return nil
}

// step returns the step with the given name, or nil.
func (d *Definition) step(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Execution is handed to actions and gives them controlled access to the
// instance they run for.
type Execution struct {
	instance *Instance
	step     string
	forward  bool
}

// InstanceId returns the identifier of the saga instance.
func (e *Execution) InstanceId() uuid.UUID {
	return e.instance.Id
}

// CorrelationId returns the correlation identifier tying this instance to
// the originating business request.
func (e *Execution) CorrelationId() string {
	return e.instance.CorrelationId
}

// Get reads a value from the instance context.
func (e *Execution) Get(key string) (string, bool) {
	v, ok := e.instance.Context[key]
	return v, ok
}

// Set stores a value in the instance context. Values written by a step are
// persisted with the step's completion and visible to later steps and to
// compensations.
func (e *Execution) Set(key, value string) {
	if e.instance.Context == nil {
		e.instance.Context = make(map[string]string)
	}
	e.instance.Context[key] = value
}

// IdempotencyKey returns a key that is stable across retries of the same
// logical operation, so downstream services can deduplicate (e.g. a refund
// that must not be applied twice).
func (e *Execution) IdempotencyKey() string {
	direction := "forward"
	if !e.forward {
		direction = "compensate"
	}
	return fmt.Sprintf("%s:%s:%s", e.instance.Id, e.step, direction)
}
