package schedule

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/engine"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/store"
)

func TestValidate(t *testing.T) {
	for _, expr := range []string{"* * * * *", "*/5 * * * *", "0 3 * * 1", "@hourly", "@every 10s", "*/2 * * * * *"} {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v", expr, err)
		}
	}
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * *"} {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) accepted", expr)
		}
	}
}

type testEnv struct {
	store *store.Store
	sched *Scheduler
	eng   *engine.Engine
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	comps := component.NewRegistry()
	portReg := ports.NewRegistry()
	inline := runner.NewInline()
	if err := comps.Register(&component.Definition{
		ID:     "noop",
		Runner: component.RunnerInline,
		Outputs: []component.Field{
			{ID: "done", Type: ports.Prim(ports.Boolean)},
		},
	}); err != nil {
		t.Fatalf("register component: %v", err)
	}
	if err := inline.Register("noop", func(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	eng := engine.New(engine.Config{
		Store:       st,
		Components:  comps,
		Ports:       portReg,
		Dispatcher:  runner.NewDispatcher(inline),
		Bus:         engine.NewEventBus(st, logger),
		Logger:      logger,
		CancelGrace: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	sched := New(Config{
		Store:    st,
		Engine:   eng,
		Compiler: compiler.New(comps, portReg),
		Logger:   logger,
		Resync:   100 * time.Millisecond,
	})
	return &testEnv{store: st, sched: sched, eng: eng}
}

func (env *testEnv) createWorkflow(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{ID: "wf1", Name: "nightly"}
	if err := env.store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	g := &graph.Graph{Nodes: []graph.Node{{ID: "n1", ComponentID: "noop"}}}
	raw, err := g.Encode()
	if err != nil {
		t.Fatalf("encode graph: %v", err)
	}
	if _, err := env.store.SaveVersion(ctx, wf.ID, raw); err != nil {
		t.Fatalf("save version: %v", err)
	}
	return wf.ID
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wfID := env.createWorkflow(t)
	if err := env.store.CreateSchedule(ctx, &store.Schedule{
		ID: "sc1", WorkflowID: wfID, CronExpr: "@every 1s", Enabled: true,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	if err := env.sched.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer env.sched.Stop()

	deadline := time.After(10 * time.Second)
	for {
		runs, err := env.store.ListRuns(ctx, wfID, 10)
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		if len(runs) > 0 {
			if runs[0].Trigger != store.TriggerSchedule {
				t.Fatalf("trigger = %s, want schedule", runs[0].Trigger)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("schedule never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestScheduler_DisabledScheduleIsRemoved(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t)
	if err := env.store.CreateSchedule(ctx, &store.Schedule{
		ID: "sc1", WorkflowID: wfID, CronExpr: "@every 1s", Enabled: true,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if err := env.sched.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := len(env.sched.entries); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	if err := env.store.SetScheduleEnabled(ctx, "sc1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := env.sched.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := len(env.sched.entries); n != 0 {
		t.Fatalf("entries = %d, want 0 after disable", n)
	}
}

func TestScheduler_BrokenWorkflowSkipsFiring(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	wf := &store.Workflow{ID: "wf-broken", Name: "broken"}
	if err := env.store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	g := &graph.Graph{Nodes: []graph.Node{{ID: "n1", ComponentID: "no.such.component"}}}
	raw, _ := g.Encode()
	if _, err := env.store.SaveVersion(ctx, wf.ID, raw); err != nil {
		t.Fatalf("save version: %v", err)
	}

	// fire must not panic or create a run.
	env.sched.fire(store.Schedule{ID: "sc-x", WorkflowID: wf.ID, CronExpr: "@hourly"})
	runs, err := env.store.ListRuns(ctx, wf.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("broken workflow produced %d runs", len(runs))
	}
}
