package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/ports"
)

// PlanNode is one node of a compiled plan with its effective port tables.
type PlanNode struct {
	ID          string `json:"id"`
	ComponentID string `json:"componentId"`

	Inputs  []component.Field `json:"inputs"`
	Outputs []component.Field `json:"outputs"`

	Params         map[string]any        `json:"params,omitempty"`
	InputOverrides map[string]any        `json:"inputOverrides,omitempty"`
	JoinStrategy   graph.JoinStrategy    `json:"joinStrategy,omitempty"`
	MaxConcurrency int                   `json:"maxConcurrency,omitempty"`
	Retry          component.RetryPolicy `json:"retry"`

	// Branching is true when any output is a branch arm.
	Branching bool `json:"branching,omitempty"`
}

func (n *PlanNode) Input(id string) (component.Field, bool) {
	for _, f := range n.Inputs {
		if f.ID == id {
			return f, true
		}
	}
	return component.Field{}, false
}

func (n *PlanNode) Output(id string) (component.Field, bool) {
	for _, f := range n.Outputs {
		if f.ID == id {
			return f, true
		}
	}
	return component.Field{}, false
}

// PlanEdge is a validated edge with its type projection.
type PlanEdge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort"`

	SourceType ports.Type `json:"sourceType"`
	TargetType ports.Type `json:"targetType"`

	// FanOut marks a list-typed source feeding a scalar input: the engine
	// spawns one child invocation per element.
	FanOut bool `json:"fanOut,omitempty"`

	// Branch names the source's branching output arm this edge hangs off,
	// empty for non-branching sources.
	Branch string `json:"branch,omitempty"`
}

// Plan is the compiled, validated, content-addressed executable form of a
// graph. Node and edge slices are sorted by id; Order carries the execution
// topology. Plans are immutable once committed.
type Plan struct {
	WorkflowName string `json:"workflowName,omitempty"`
	GraphVersion int    `json:"graphVersion"`

	Nodes []PlanNode `json:"nodes"`
	Edges []PlanEdge `json:"edges"`

	// Order is a topological order over dataflow edges, ties broken by
	// node id for determinism.
	Order []string `json:"order"`

	// Entries are the in-degree-zero nodes; every plan has at least one.
	Entries []string `json:"entries"`

	// Hash is the blake3 content hash of the normalized plan; it doubles as
	// the plan version for run-to-plan binding.
	Hash string `json:"hash"`
}

func (p *Plan) Node(id string) (*PlanNode, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Incoming returns plan edges entering nodeID, in edge-id order.
func (p *Plan) Incoming(nodeID string) []PlanEdge {
	var out []PlanEdge
	for _, e := range p.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns plan edges leaving nodeID, in edge-id order.
func (p *Plan) Outgoing(nodeID string) []PlanEdge {
	var out []PlanEdge
	for _, e := range p.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Encode renders the plan snapshot for persistence.
func (p *Plan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePlan parses a persisted plan snapshot and re-verifies its hash so a
// corrupted snapshot cannot silently bind to a run.
func DecodePlan(b []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	want := p.Hash
	got, err := hashPlan(&p)
	if err != nil {
		return nil, err
	}
	if want != "" && want != got {
		return nil, fmt.Errorf("plan hash mismatch: stored %s, computed %s", want, got)
	}
	p.Hash = got
	return &p, nil
}
