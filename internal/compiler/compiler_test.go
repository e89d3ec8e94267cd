package compiler

import (
	"testing"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/ports"
)

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	comps := component.NewRegistry()
	defs := []*component.Definition{
		{
			ID:      "core.entrypoint",
			Runner:  component.RunnerInline,
			Outputs: []component.Field{{ID: "started", Type: ports.Prim(ports.Boolean)}},
			ResolvePorts: func(params map[string]any) ([]component.Field, []component.Field, error) {
				var outs []component.Field
				if raw, ok := params["runtimeInputs"].([]any); ok {
					for _, v := range raw {
						name, _ := v.(string)
						outs = append(outs, component.Field{ID: name, Type: ports.Prim(ports.Text)})
					}
				}
				return nil, outs, nil
			},
		},
		{
			ID:      "scan.subfinder",
			Runner:  component.RunnerInline,
			Inputs:  []component.Field{{ID: "domain", Type: ports.Prim(ports.Text), Required: true}},
			Outputs: []component.Field{{ID: "hosts", Type: ports.ListOf(ports.Prim(ports.Text))}},
		},
		{
			ID:      "scan.httpx",
			Runner:  component.RunnerInline,
			Inputs:  []component.Field{{ID: "host", Type: ports.Prim(ports.Text), Required: true}},
			Outputs: []component.Field{{ID: "alive", Type: ports.Prim(ports.Boolean)}},
		},
		{
			ID:     "core.approval",
			Runner: component.RunnerInline,
			Inputs: []component.Field{{ID: "summary", Type: ports.Prim(ports.Text)}},
			Outputs: []component.Field{
				{ID: "approved", Type: ports.Prim(ports.Any), Branching: true},
				{ID: "rejected", Type: ports.Prim(ports.Any), Branching: true},
			},
		},
		{
			ID:     "core.log",
			Runner: component.RunnerInline,
			Inputs: []component.Field{{ID: "message", Type: ports.Prim(ports.Text), MultiArity: true}},
		},
	}
	for _, d := range defs {
		if err := comps.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	return New(comps, ports.NewRegistry())
}

func linearGraph() *graph.Graph {
	return &graph.Graph{
		Name:    "recon",
		Version: 3,
		Nodes: []graph.Node{
			{ID: "entry", ComponentID: "core.entrypoint"},
			{ID: "sub", ComponentID: "scan.subfinder", Config: graph.NodeConfig{
				InputOverrides: map[string]any{"domain": "example.com"},
			}},
			{ID: "probe", ComponentID: "scan.httpx"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "sub", SourcePort: "hosts", Target: "probe", TargetPort: "host"},
		},
	}
}

func TestCompile_LinearGraph(t *testing.T) {
	c := testCompiler(t)
	plan, diags := c.Compile(linearGraph())
	if HasErrors(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	if plan == nil {
		t.Fatal("nil plan without errors")
	}
	if plan.Hash == "" {
		t.Fatal("plan has no hash")
	}
	// entry and sub have no inbound edges.
	wantEntries := []string{"entry", "sub"}
	if len(plan.Entries) != 2 || plan.Entries[0] != wantEntries[0] || plan.Entries[1] != wantEntries[1] {
		t.Fatalf("entries = %v, want %v", plan.Entries, wantEntries)
	}
	// sub must precede probe in the order.
	pos := map[string]int{}
	for i, id := range plan.Order {
		pos[id] = i
	}
	if pos["sub"] > pos["probe"] {
		t.Fatalf("order = %v, sub after probe", plan.Order)
	}
	// list<text> into text is a fan-out edge.
	edge := plan.Edges[0]
	if !edge.FanOut {
		t.Fatalf("edge %s not marked fan-out: %+v", edge.ID, edge)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	c := testCompiler(t)
	p1, d1 := c.Compile(linearGraph())
	p2, d2 := c.Compile(linearGraph())
	if HasErrors(d1) || HasErrors(d2) {
		t.Fatalf("diagnostics: %v %v", d1, d2)
	}
	if p1.Hash != p2.Hash {
		t.Fatalf("hashes differ: %s vs %s", p1.Hash, p2.Hash)
	}
	// Any semantic change must move the hash.
	g := linearGraph()
	g.Nodes[1].Config.InputOverrides["domain"] = "other.example"
	p3, d3 := c.Compile(g)
	if HasErrors(d3) {
		t.Fatalf("diagnostics: %v", d3)
	}
	if p3.Hash == p1.Hash {
		t.Fatal("changed override did not change the hash")
	}
}

func TestCompile_Diagnostics(t *testing.T) {
	c := testCompiler(t)

	t.Run("unknown component", func(t *testing.T) {
		g := &graph.Graph{Nodes: []graph.Node{{ID: "n1", ComponentID: "does.not.exist"}}}
		plan, diags := c.Compile(g)
		if plan != nil {
			t.Fatal("plan produced despite error")
		}
		if len(diags) != 1 || diags[0].Rule != RuleUnknownComponent || diags[0].NodeID != "n1" {
			t.Fatalf("diags = %v", diags)
		}
	})

	t.Run("unknown port", func(t *testing.T) {
		g := &graph.Graph{
			Nodes: []graph.Node{
				{ID: "probe", ComponentID: "scan.httpx", Config: graph.NodeConfig{
					InputOverrides: map[string]any{"host": "example.com"},
				}},
				{ID: "sub", ComponentID: "scan.subfinder", Config: graph.NodeConfig{
					InputOverrides: map[string]any{"domain": "x"},
				}},
			},
			Edges: []graph.Edge{
				{ID: "bad", Source: "probe", SourcePort: "alive", Target: "sub", TargetPort: "nope"},
			},
		}
		plan, diags := c.Compile(g)
		if plan != nil {
			t.Fatal("plan produced despite error")
		}
		if len(diags) != 1 || diags[0].Rule != RuleEdgeEndpoint || diags[0].EdgeID != "bad" {
			t.Fatalf("diags = %v", diags)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		comps := component.NewRegistry()
		must := func(err error) {
			if err != nil {
				t.Fatalf("register: %v", err)
			}
		}
		must(comps.Register(&component.Definition{
			ID:      "emit.flag",
			Runner:  component.RunnerInline,
			Outputs: []component.Field{{ID: "flag", Type: ports.Prim(ports.Boolean)}},
		}))
		must(comps.Register(&component.Definition{
			ID:     "math.count",
			Runner: component.RunnerInline,
			Inputs: []component.Field{{ID: "n", Type: ports.Prim(ports.Number)}},
		}))
		g := &graph.Graph{
			Nodes: []graph.Node{
				{ID: "src", ComponentID: "emit.flag"},
				{ID: "dst", ComponentID: "math.count"},
			},
			Edges: []graph.Edge{
				{ID: "bad", Source: "src", SourcePort: "flag", Target: "dst", TargetPort: "n"},
			},
		}
		plan, diags := New(comps, ports.NewRegistry()).Compile(g)
		if plan != nil {
			t.Fatal("plan produced despite error")
		}
		if len(diags) != 1 || diags[0].Rule != RuleEdgeType || diags[0].EdgeID != "bad" {
			t.Fatalf("diags = %v", diags)
		}
	})

	t.Run("multi arity", func(t *testing.T) {
		g := &graph.Graph{
			Nodes: []graph.Node{
				{ID: "s1", ComponentID: "scan.subfinder", Config: graph.NodeConfig{InputOverrides: map[string]any{"domain": "a"}}},
				{ID: "s2", ComponentID: "scan.subfinder", Config: graph.NodeConfig{InputOverrides: map[string]any{"domain": "b"}}},
				{ID: "probe", ComponentID: "scan.httpx"},
				{ID: "log", ComponentID: "core.log"},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "s1", SourcePort: "hosts", Target: "probe", TargetPort: "host"},
				{ID: "e2", Source: "s2", SourcePort: "hosts", Target: "probe", TargetPort: "host"},
				// message is multi-arity, so two inbound edges are fine.
				{ID: "e3", Source: "s1", SourcePort: "hosts", Target: "log", TargetPort: "message"},
				{ID: "e4", Source: "s2", SourcePort: "hosts", Target: "log", TargetPort: "message"},
			},
		}
		_, diags := c.Compile(g)
		var arity []Diagnostic
		for _, d := range diags {
			if d.Rule == RuleMultiArity {
				arity = append(arity, d)
			}
		}
		if len(arity) != 1 || arity[0].EdgeID != "e2" {
			t.Fatalf("arity diags = %v (all %v)", arity, diags)
		}
	})

	t.Run("required input unsatisfied", func(t *testing.T) {
		g := &graph.Graph{Nodes: []graph.Node{{ID: "sub", ComponentID: "scan.subfinder"}}}
		plan, diags := c.Compile(g)
		if plan != nil {
			t.Fatal("plan produced despite error")
		}
		if len(diags) != 1 || diags[0].Rule != RuleRequiredInput || diags[0].Field != "domain" {
			t.Fatalf("diags = %v", diags)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		g := &graph.Graph{
			Nodes: []graph.Node{
				{ID: "a", ComponentID: "core.log"},
				{ID: "b", ComponentID: "core.log"},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "a", SourcePort: "done", Target: "b", TargetPort: "message"},
				{ID: "e2", Source: "b", SourcePort: "done", Target: "a", TargetPort: "message"},
			},
		}
		// core.log has no outputs in the shared catalog, so register a
		// variant with one to close the loop.
		comps := component.NewRegistry()
		if err := comps.Register(&component.Definition{
			ID:      "core.log",
			Runner:  component.RunnerInline,
			Inputs:  []component.Field{{ID: "message", Type: ports.Prim(ports.Text), MultiArity: true}},
			Outputs: []component.Field{{ID: "done", Type: ports.Prim(ports.Text)}},
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
		plan, diags := New(comps, ports.NewRegistry()).Compile(g)
		if plan != nil {
			t.Fatal("plan produced despite cycle")
		}
		found := false
		for _, d := range diags {
			if d.Rule == RuleCycle {
				found = true
			}
		}
		if !found {
			t.Fatalf("no cycle diagnostic: %v", diags)
		}
	})
}

func TestCompile_BranchingEdges(t *testing.T) {
	c := testCompiler(t)
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "gate", ComponentID: "core.approval"},
			{ID: "yes", ComponentID: "core.log"},
			{ID: "no", ComponentID: "core.log"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "gate", SourcePort: "approved", Target: "yes", TargetPort: "message"},
			{ID: "e2", Source: "gate", SourcePort: "rejected", Target: "no", TargetPort: "message"},
		},
	}
	plan, diags := c.Compile(g)
	if HasErrors(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	gate, ok := plan.Node("gate")
	if !ok || !gate.Branching {
		t.Fatal("approval node not marked branching")
	}
	for _, e := range plan.Edges {
		if e.Branch != e.SourcePort {
			t.Fatalf("edge %s branch = %q, want %q", e.ID, e.Branch, e.SourcePort)
		}
	}
}

func TestPlan_RoundTrip(t *testing.T) {
	c := testCompiler(t)
	plan, diags := c.Compile(linearGraph())
	if HasErrors(diags) {
		t.Fatalf("diagnostics: %v", diags)
	}
	b, err := plan.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodePlan(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Hash != plan.Hash {
		t.Fatalf("hash changed over round trip: %s vs %s", back.Hash, plan.Hash)
	}
	if len(back.Nodes) != len(plan.Nodes) || len(back.Edges) != len(plan.Edges) {
		t.Fatal("round trip lost nodes or edges")
	}

	// A tampered snapshot must be rejected.
	tampered := append([]byte{}, b...)
	tampered = tamper(tampered, `"recon"`, `"hacked"`)
	if _, err := DecodePlan(tampered); err == nil {
		t.Fatal("tampered plan accepted")
	}
}

func tamper(b []byte, old, repl string) []byte {
	s := string(b)
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return []byte(s[:i] + repl + s[i+len(old):])
		}
	}
	return b
}
