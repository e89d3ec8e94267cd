// Package graph is the authored workflow graph: flat node and edge tables
// with a version counter. Adjacency is reconstructed on demand so the model
// itself never holds cyclic references; the compiler is the single place
// that rejects cycles.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

type JoinStrategy string

const (
	JoinAll   JoinStrategy = "all"
	JoinAny   JoinStrategy = "any"
	JoinFirst JoinStrategy = "first"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeConfig is the per-node authoring config block.
type NodeConfig struct {
	Params         map[string]any `json:"params,omitempty"`
	InputOverrides map[string]any `json:"inputOverrides,omitempty"`
	JoinStrategy   JoinStrategy   `json:"joinStrategy,omitempty"`
	StreamID       string         `json:"streamId,omitempty"`
	GroupID        string         `json:"groupId,omitempty"`
	// MaxConcurrency bounds parallel fan-out children of this node;
	// 0 means unbounded.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
}

type Node struct {
	ID          string     `json:"id"`
	ComponentID string     `json:"componentId"`
	Position    Position   `json:"position"`
	Config      NodeConfig `json:"config"`
}

func (n *Node) Params() map[string]any {
	if n.Config.Params == nil {
		return map[string]any{}
	}
	return n.Config.Params
}

type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort"`
}

// Graph is one version of an authored workflow.
type Graph struct {
	Name    string `json:"name,omitempty"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns edges leaving nodeID in declaration order.
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns edges entering nodeID in declaration order.
func (g *Graph) Incoming(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// CheckShape rejects structurally broken graphs before compilation: empty or
// duplicate ids and dangling edge endpoints. Type rules live in the compiler.
func (g *Graph) CheckShape() error {
	nodeIDs := map[string]bool{}
	for _, n := range g.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return fmt.Errorf("node with empty id")
		}
		if nodeIDs[id] {
			return fmt.Errorf("duplicate node id %s", id)
		}
		nodeIDs[id] = true
	}
	edgeIDs := map[string]bool{}
	for _, e := range g.Edges {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return fmt.Errorf("edge with empty id")
		}
		if edgeIDs[id] {
			return fmt.Errorf("duplicate edge id %s", id)
		}
		edgeIDs[id] = true
		if !nodeIDs[e.Source] {
			return fmt.Errorf("edge %s: unknown source node %s", id, e.Source)
		}
		if !nodeIDs[e.Target] {
			return fmt.Errorf("edge %s: unknown target node %s", id, e.Target)
		}
	}
	return nil
}

// Decode parses a graph from its JSON wire form and checks its shape.
func Decode(b []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := g.CheckShape(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Encode renders the graph in its JSON wire form.
func (g *Graph) Encode() ([]byte, error) {
	return json.Marshal(g)
}
