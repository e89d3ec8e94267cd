// Package engine executes compiled plans. It owns run lifecycle, node
// scheduling, joins, fan-out, retries, suspension, cancellation, and the
// durable write-ahead of every transition. Runners execute individual
// invocations; the engine never touches a container or an HTTP endpoint
// itself.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/metrics"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/secrets"
	"github.com/shipsec/shipsec/internal/store"
)

// Config wires the engine's collaborators.
type Config struct {
	Store      *store.Store
	Components *component.Registry
	Ports      *ports.Registry
	Dispatcher *runner.Dispatcher
	Secrets    secrets.Resolver
	Artifacts  *artifacts.Manager
	Bus        *EventBus
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	TenantID   string

	// CancelGrace is how long inflight invocations get to wind down after a
	// cancel before the run is marked cancelled regardless.
	CancelGrace time.Duration
}

type Engine struct {
	cfg Config

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
	closed bool
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}
	return &Engine{cfg: cfg, active: map[string]*run{}}
}

// StartRun persists a new run bound to the plan's content hash and launches
// its scheduler. The trigger payload becomes the entry nodes' inputs.
func (e *Engine) StartRun(ctx context.Context, plan *compiler.Plan, workflowID string, trigger store.TriggerKind, payload map[string]any) (*store.Run, error) {
	snapshot, err := plan.Encode()
	if err != nil {
		return nil, err
	}
	if err := e.cfg.Store.SavePlan(ctx, &store.PlanRecord{
		Hash:       plan.Hash,
		WorkflowID: workflowID,
		Version:    plan.GraphVersion,
		Snapshot:   snapshot,
	}); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	var payloadJSON []byte
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	rec := &store.Run{
		ID:             ulid.Make().String(),
		WorkflowID:     workflowID,
		PlanHash:       plan.Hash,
		Status:         store.RunPending,
		Trigger:        trigger,
		TriggerPayload: payloadJSON,
	}
	if err := e.cfg.Store.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	if err := e.launch(rec.ID, plan, payload, nil); err != nil {
		return nil, err
	}
	e.cfg.Metrics.RunStarted(string(trigger))
	return rec, nil
}

// launch registers and starts a run scheduler. restored carries prior node
// states during recovery, nil for fresh runs.
func (e *Engine) launch(runID string, plan *compiler.Plan, payload map[string]any, restored []store.NodeState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is shutting down")
	}
	if _, exists := e.active[runID]; exists {
		return fmt.Errorf("run %s already active", runID)
	}
	r := newRun(e, runID, plan, payload, restored)
	e.active[runID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.forget(runID)
		r.loop()
	}()
	return nil
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// Cancel requests cooperative cancellation of a run. Inflight invocations
// receive context cancellation and get the configured grace period.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	r.requestCancel()
	return nil
}

// Resolve consumes a suspension token and hands the resolution to the
// suspended node. A reused token fails with store.ErrAlreadyResolved. The
// token burns only after the run is known live and the payload maps onto the
// node's outputs; a rejected payload leaves the suspension pending.
func (e *Engine) Resolve(ctx context.Context, token string, resolution map[string]any) error {
	susp, err := e.cfg.Store.GetSuspension(ctx, token)
	if err != nil {
		return err
	}
	if susp.Status != store.SuspensionPending {
		return store.ErrAlreadyResolved
	}

	e.mu.Lock()
	r, ok := e.active[susp.RunID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not active", susp.RunID)
	}
	node, ok := r.plan.Node(susp.NodeID)
	if !ok {
		return fault.New(fault.KindInternal, "suspension %s references unknown node %s", token, susp.NodeID)
	}
	outputs, err := resolutionOutputs(node, resolution)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	if err := e.cfg.Store.ResolveSuspension(ctx, token, raw); err != nil {
		return err
	}
	r.resume(susp.NodeID, outputs)
	return nil
}

// Recover relaunches runs a previous process left running or suspended.
// Completed node invocations are replayed from their persisted outputs;
// everything else is scheduled again.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.cfg.Store.ListRunsByStatus(ctx, store.RunPending, store.RunRunning, store.RunSuspended)
	if err != nil {
		return err
	}
	for _, rec := range runs {
		planRec, err := e.cfg.Store.GetPlan(ctx, rec.PlanHash)
		if err != nil {
			e.cfg.Logger.Error("recover: plan missing", "run", rec.ID, "hash", rec.PlanHash, "err", err)
			_ = e.cfg.Store.SetRunStatus(ctx, rec.ID, store.RunFailed, "plan snapshot missing")
			continue
		}
		plan, err := compiler.DecodePlan(planRec.Snapshot)
		if err != nil {
			e.cfg.Logger.Error("recover: plan corrupt", "run", rec.ID, "err", err)
			_ = e.cfg.Store.SetRunStatus(ctx, rec.ID, store.RunFailed, "plan snapshot corrupt")
			continue
		}
		states, err := e.cfg.Store.GetNodeStates(ctx, rec.ID)
		if err != nil {
			return err
		}
		var payload map[string]any
		if len(rec.TriggerPayload) > 0 {
			_ = json.Unmarshal(rec.TriggerPayload, &payload)
		}
		if err := e.launch(rec.ID, plan, payload, states); err != nil {
			return err
		}
		e.cfg.Logger.Info("recovered run", "run", rec.ID, "status", rec.Status)
	}
	return nil
}

// Shutdown cancels all active runs and waits for their schedulers to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.active {
		r.detach()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns reports ids of runs currently scheduled in this process.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	return out
}

func newToken() string { return uuid.NewString() }
