// Package compiler turns an authored graph into an immutable, content-hashed
// execution plan. Compilation is the only validation gate: a run can only be
// started from a plan this package produced, so the engine never re-checks
// types, arity, or acyclicity.
package compiler

import (
	"fmt"
	"sort"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/ports"
)

// Rule identifiers attached to diagnostics.
const (
	RuleShape            = "graph-shape"
	RuleUnknownComponent = "unknown-component"
	RuleResolvePorts     = "resolve-ports"
	RuleParams           = "params"
	RuleEdgeEndpoint     = "edge-endpoint"
	RuleEdgeType         = "edge-type"
	RuleMultiArity       = "multi-arity"
	RuleRequiredInput    = "required-input"
	RuleCycle            = "cycle"
	RuleEmptyGraph       = "empty-graph"
)

// Compiler validates graphs against the component catalog and the port type
// system and emits plans.
type Compiler struct {
	components *component.Registry
	ports      *ports.Registry
}

func New(components *component.Registry, portRegistry *ports.Registry) *Compiler {
	return &Compiler{components: components, ports: portRegistry}
}

// Compile validates g and builds its plan. On any ERROR diagnostic the plan
// is nil; the diagnostics slice carries every finding, not just the first, so
// the editor can surface them all at once. Compilation is deterministic: the
// same graph against the same catalog produces a byte-identical plan and
// therefore the same hash.
func (c *Compiler) Compile(g *graph.Graph) (*Plan, []Diagnostic) {
	var diags []Diagnostic

	if err := g.CheckShape(); err != nil {
		return nil, []Diagnostic{errDiag(RuleShape, err.Error())}
	}
	if len(g.Nodes) == 0 {
		return nil, []Diagnostic{errDiag(RuleEmptyGraph, "graph has no nodes")}
	}

	// Pass 1: resolve every node against the catalog and build its effective
	// port tables. Nodes that fail to resolve are excluded from edge checks to
	// avoid cascading noise.
	plan := &Plan{WorkflowName: g.Name, GraphVersion: g.Version}
	resolved := map[string]*PlanNode{}
	for _, n := range g.Nodes {
		def, ok := c.components.Get(n.ComponentID)
		if !ok {
			d := errDiag(RuleUnknownComponent, fmt.Sprintf("unknown component %q", n.ComponentID))
			d.NodeID = n.ID
			diags = append(diags, d)
			continue
		}
		ins, outs, err := c.components.ResolveDynamicPorts(def, n.Params())
		if err != nil {
			d := errDiag(RuleResolvePorts, err.Error())
			d.NodeID = n.ID
			diags = append(diags, d)
			continue
		}
		for _, pe := range c.components.ValidateParams(def.ID, n.Params()) {
			d := errDiag(RuleParams, pe.Message)
			d.NodeID = n.ID
			d.Field = pe.Field
			diags = append(diags, d)
		}
		pn := PlanNode{
			ID:             n.ID,
			ComponentID:    def.ID,
			Inputs:         ins.Fields,
			Outputs:        outs.Fields,
			Params:         n.Config.Params,
			InputOverrides: n.Config.InputOverrides,
			JoinStrategy:   joinStrategy(n.Config.JoinStrategy),
			MaxConcurrency: n.Config.MaxConcurrency,
			Retry:          def.RetryPolicy(),
			Branching:      hasBranchingOutput(outs.Fields),
		}
		plan.Nodes = append(plan.Nodes, pn)
		resolved[n.ID] = &plan.Nodes[len(plan.Nodes)-1]
	}

	// Pass 2: edge validation. Endpoint ports must exist, types must be
	// compatible under the coercion table, and a single-arity input takes at
	// most one inbound edge.
	inbound := map[string]map[string]int{}
	for _, e := range g.Edges {
		src, srcOK := resolved[e.Source]
		dst, dstOK := resolved[e.Target]
		if !srcOK || !dstOK {
			continue
		}
		srcField, ok := src.Output(e.SourcePort)
		if !ok {
			d := errDiag(RuleEdgeEndpoint, fmt.Sprintf("node %s has no output port %q", e.Source, e.SourcePort))
			d.EdgeID = e.ID
			diags = append(diags, d)
			continue
		}
		dstField, ok := dst.Input(e.TargetPort)
		if !ok {
			d := errDiag(RuleEdgeEndpoint, fmt.Sprintf("node %s has no input port %q", e.Target, e.TargetPort))
			d.EdgeID = e.ID
			diags = append(diags, d)
			continue
		}

		if inbound[e.Target] == nil {
			inbound[e.Target] = map[string]int{}
		}
		inbound[e.Target][e.TargetPort]++
		if inbound[e.Target][e.TargetPort] > 1 && !dstField.MultiArity {
			d := errDiag(RuleMultiArity, fmt.Sprintf(
				"input %s.%s accepts a single connection", e.Target, e.TargetPort))
			d.EdgeID = e.ID
			diags = append(diags, d)
			continue
		}

		fanOut := false
		compatible := c.ports.Compatible(srcField.Type, dstField.Type)
		if !compatible && srcField.Type.Kind == ports.KindList &&
			dstField.Type.Kind != ports.KindList && srcField.Type.Elem != nil {
			// A list source feeding a scalar-compatible input fans out: the
			// engine runs one child per element and joins the results.
			if c.ports.Compatible(*srcField.Type.Elem, dstField.Type) {
				compatible = true
				fanOut = true
			}
		}
		if !compatible {
			d := errDiag(RuleEdgeType, fmt.Sprintf(
				"cannot connect %s.%s (%s) to %s.%s (%s)",
				e.Source, e.SourcePort, ports.Describe(srcField.Type),
				e.Target, e.TargetPort, ports.Describe(dstField.Type)))
			d.EdgeID = e.ID
			diags = append(diags, d)
			continue
		}

		branch := ""
		if srcField.Branching {
			branch = e.SourcePort
		}
		plan.Edges = append(plan.Edges, PlanEdge{
			ID:         e.ID,
			Source:     e.Source,
			SourcePort: e.SourcePort,
			Target:     e.Target,
			TargetPort: e.TargetPort,
			SourceType: srcField.Type,
			TargetType: dstField.Type,
			FanOut:     fanOut,
			Branch:     branch,
		})
	}

	// Pass 3: required inputs must be satisfied by an edge or an override.
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		for _, f := range pn.Inputs {
			if !f.Required {
				continue
			}
			if inbound[pn.ID][f.ID] > 0 {
				continue
			}
			if _, ok := pn.InputOverrides[f.ID]; ok {
				continue
			}
			d := errDiag(RuleRequiredInput, fmt.Sprintf("required input %q is not connected", f.ID))
			d.NodeID = pn.ID
			d.Field = f.ID
			diags = append(diags, d)
		}
	}

	if HasErrors(diags) {
		return nil, diags
	}

	order, entries, cycleErr := topoOrder(plan)
	if cycleErr != nil {
		diags = append(diags, errDiag(RuleCycle, cycleErr.Error()))
		return nil, diags
	}
	plan.Order = order
	plan.Entries = entries

	sort.Slice(plan.Nodes, func(i, j int) bool { return plan.Nodes[i].ID < plan.Nodes[j].ID })
	sort.Slice(plan.Edges, func(i, j int) bool { return plan.Edges[i].ID < plan.Edges[j].ID })

	hash, err := hashPlan(plan)
	if err != nil {
		diags = append(diags, errDiag(RuleShape, err.Error()))
		return nil, diags
	}
	plan.Hash = hash
	return plan, diags
}

func joinStrategy(s graph.JoinStrategy) graph.JoinStrategy {
	if s == "" {
		return graph.JoinAll
	}
	return s
}

func hasBranchingOutput(fields []component.Field) bool {
	for _, f := range fields {
		if f.Branching {
			return true
		}
	}
	return false
}

// topoOrder is Kahn's algorithm with a sorted ready set, so sibling order is
// stable across compiles. Returns the visit order and the entry nodes, or an
// error naming a node on a cycle.
func topoOrder(p *Plan) (order, entries []string, err error) {
	indeg := map[string]int{}
	next := map[string][]string{}
	for _, n := range p.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range p.Edges {
		indeg[e.Target]++
		next[e.Source] = append(next[e.Source], e.Target)
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	entries = append([]string{}, ready...)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unlocked []string
		for _, t := range next[id] {
			indeg[t]--
			if indeg[t] == 0 {
				unlocked = append(unlocked, t)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}
	if len(order) != len(p.Nodes) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, nil, fmt.Errorf("graph contains a cycle through %v", stuck)
	}
	return order, entries, nil
}
