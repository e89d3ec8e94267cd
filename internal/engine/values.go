package engine

import (
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/store"
)

// fanOut describes the one input a family splits on: the port and the
// already-coerced element values, in source order.
type fanOut struct {
	port     string
	elements []any
}

// buildInputs assembles a family's effective input values: delivered edge
// values coerced to the target port type, merged with manual overrides under
// the port's value priority, and the trigger payload for entry nodes. A
// fan-out edge's list is returned separately; the scheduler splits it into
// child invocations.
func (r *run) buildInputs(f *family) (map[string]any, *fanOut, error) {
	n := f.node
	inputs := map[string]any{}
	incoming := r.plan.Incoming(n.ID)
	var fan *fanOut

	for _, field := range n.Inputs {
		var delivered []any
		var sawDelivery bool

		for _, e := range incoming {
			if e.TargetPort != field.ID {
				continue
			}
			src := r.families[e.Source]
			if !edgeDelivers(e, src) {
				continue
			}
			raw := src.outputs[e.SourcePort]
			if e.FanOut {
				if fan != nil {
					return nil, nil, fault.New(fault.KindValidation,
						"node %s has more than one fan-out delivery", n.ID)
				}
				elems, ok := raw.([]any)
				if !ok {
					if raw == nil {
						elems = nil
					} else {
						return nil, nil, fault.New(fault.KindValidation,
							"fan-out source %s.%s did not produce a list", e.Source, e.SourcePort)
					}
				}
				coerced := make([]any, len(elems))
				for i, el := range elems {
					v, err := r.eng.cfg.Ports.Coerce(el, e.SourceType.ElemType(), e.TargetType)
					if err != nil {
						return nil, nil, fault.Wrap(fault.KindValidation, err)
					}
					coerced[i] = v
				}
				fan = &fanOut{port: field.ID, elements: coerced}
				continue
			}
			v, err := r.eng.cfg.Ports.Coerce(raw, e.SourceType, e.TargetType)
			if err != nil {
				return nil, nil, fault.Wrap(fault.KindValidation, err)
			}
			delivered = append(delivered, v)
			sawDelivery = true
		}

		override, hasOverride := lookupOverride(n, field.ID)
		switch {
		case field.MultiArity:
			if sawDelivery {
				inputs[field.ID] = delivered
			} else if hasOverride {
				inputs[field.ID] = override
			}
		case field.ValuePriority == component.PriorityManualFirst && hasOverride:
			inputs[field.ID] = override
		case sawDelivery:
			// Connection-first: a delivered value wins even when it is null.
			inputs[field.ID] = delivered[0]
		case hasOverride:
			inputs[field.ID] = override
		}
	}

	// Entry nodes additionally receive the trigger payload; payload keys win
	// over overrides because they are this run's actual external input.
	if len(incoming) == 0 && r.payload != nil {
		for k, v := range r.payload {
			inputs[k] = v
		}
	}
	return inputs, fan, nil
}

func lookupOverride(n *compiler.PlanNode, port string) (any, bool) {
	if n.InputOverrides == nil {
		return nil, false
	}
	v, ok := n.InputOverrides[port]
	return v, ok
}

// edgeDelivers reports whether an edge carries a value: its source succeeded
// and, for branch edges, its arm fired.
func edgeDelivers(e compiler.PlanEdge, src *family) bool {
	if src.status != store.NodeSucceeded {
		return false
	}
	if e.Branch != "" && e.Branch != src.fired {
		return false
	}
	return true
}
