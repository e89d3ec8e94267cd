package main

import (
	"fmt"
	"os"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/component/builtin"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
)

// validate compiles a graph file against the builtin catalog and prints the
// diagnostics. Exit code 1 when the graph does not compile.
func validate(args []string) {
	var graphPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	g, err := graph.Decode(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	comps := component.NewRegistry()
	if err := builtin.Register(comps, runner.NewInline()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	plan, diags := compiler.New(comps, ports.NewRegistry()).Compile(g)
	for _, d := range diags {
		fmt.Fprintln(os.Stderr, d.String())
	}
	if compiler.HasErrors(diags) {
		os.Exit(1)
	}
	fmt.Printf("ok: %d nodes, %d edges, plan %s\n", len(plan.Nodes), len(plan.Edges), plan.Hash[:12])
}
