// Package transform implements the per-route transform pipeline and
// the built-in transforms (filter, dedup, enrich, gate, cel).
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Step is one named transform in a chain.
type Step struct {
	Name      string
	Transform connector.Transform
}

// Chain executes a route's transforms in order. A step returning nil
// drops the event from this route's pipeline; a step returning an
// error does the same and is surfaced to observers by the caller.
type Chain struct {
	route string
	steps []Step
}

// NewChain creates a chain for the named route.
func NewChain(route string, steps ...Step) *Chain {
	return &Chain{route: route, steps: steps}
}

// Execute runs all steps in order. Returns the final event, or nil and
// the name of the step that dropped it. An error names the failing
// step.
func (c *Chain) Execute(ctx context.Context, ev *event.Event, tc *connector.TransformContext) (*event.Event, string, error) {
	current := ev
	for _, step := range c.steps {
		next, err := step.Transform.Execute(ctx, current, tc)
		if err != nil {
			return nil, step.Name, fmt.Errorf("transform %s: %w", step.Name, err)
		}
		if next == nil {
			return nil, step.Name, nil
		}
		current = next
	}
	return current, "", nil
}

// Len returns the number of steps.
func (c *Chain) Len() int { return len(c.steps) }

// Shutdown closes every step. All errors are joined.
func (c *Chain) Shutdown(ctx context.Context) error {
	var errs []error
	for _, step := range c.steps {
		if err := step.Transform.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("transform %s: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}

// GateProbe answers whether an external capability is currently open.
type GateProbe func(ctx context.Context) (bool, error)

// Deps carries the engine facilities built-in transforms need.
type Deps struct {
	// Gates resolves a capability name to its probe; nil (or a nil
	// return) means the capability is unknown.
	Gates func(name string) GateProbe
}

// Builtins returns a registry holding the built-in transform types.
func Builtins(deps Deps) *connector.Registry[connector.Transform] {
	reg := connector.NewRegistry[connector.Transform]("transform")
	mustRegister(reg, "filter", func() connector.Transform { return &Filter{} })
	mustRegister(reg, "dedup", func() connector.Transform { return &Dedup{} })
	mustRegister(reg, "enrich", func() connector.Transform { return &Enrich{} })
	mustRegister(reg, "gate", func() connector.Transform { return &Gate{lookup: deps.Gates} })
	mustRegister(reg, "cel", func() connector.Transform { return &CEL{} })
	return reg
}

func mustRegister(reg *connector.Registry[connector.Transform], name string, f func() connector.Transform) {
	if err := reg.Register(name, f); err != nil {
		panic(err)
	}
}
