// Package runner executes single component invocations. The engine decides
// WHAT runs and when; runners only know HOW one invocation of one component
// happens: in-process, in a container, or against a remote executor.
package runner

import (
	"context"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
)

// Invocation is one node execution request. ChildIndex is -1 for the scalar
// invocation and the element index for fan-out children.
type Invocation struct {
	RunID      string
	NodeID     string
	ChildIndex int
	Attempt    int
	Def        *component.Definition
	Inputs     map[string]any
	Params     map[string]any
}

// Runner executes invocations for one runner kind. Invoke returns the node's
// output values keyed by port id; failures carry a fault classification.
type Runner interface {
	Kind() component.RunnerKind
	Invoke(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error)
}

// Dispatcher routes an invocation to the runner for its definition's kind.
type Dispatcher struct {
	runners map[component.RunnerKind]Runner
}

func NewDispatcher(runners ...Runner) *Dispatcher {
	d := &Dispatcher{runners: map[component.RunnerKind]Runner{}}
	for _, r := range runners {
		d.runners[r.Kind()] = r
	}
	return d
}

func (d *Dispatcher) Invoke(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
	if inv.Def == nil {
		return nil, fault.New(fault.KindInternal, "invocation without definition")
	}
	r, ok := d.runners[inv.Def.Runner]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "no runner for kind %q", inv.Def.Runner)
	}
	return r.Invoke(ctx, inv, cap)
}
