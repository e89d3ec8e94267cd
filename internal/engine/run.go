package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/store"
)

// family is the execution state of one plan node: the scalar invocation or
// the whole set of fan-out children, joined.
type family struct {
	node    *compiler.PlanNode
	status  store.NodeStatus
	outputs map[string]any
	// fired is the branch arm that carried a value, for branching nodes.
	fired string
	// token is the open suspension token while status is suspended.
	token string
}

type familyResult struct {
	nodeID  string
	outputs map[string]any
	suspend *runner.Suspend
	err     error
}

type resumeMsg struct {
	nodeID     string
	resolution map[string]any
}

type expireMsg struct {
	nodeID string
	token  string
}

type run struct {
	eng  *Engine
	id   string
	plan *compiler.Plan

	ctx    context.Context
	cancel context.CancelFunc

	payload  map[string]any
	restored []store.NodeState

	families map[string]*family
	inflight int

	doneCh   chan familyResult
	resumeCh chan resumeMsg
	expireCh chan expireMsg

	// detached is set on engine shutdown: the loop stops without writing
	// terminal statuses, leaving the run recoverable by the next process.
	detached atomic.Bool
}

func newRun(e *Engine, id string, plan *compiler.Plan, payload map[string]any, restored []store.NodeState) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		eng:      e,
		id:       id,
		plan:     plan,
		ctx:      ctx,
		cancel:   cancel,
		payload:  payload,
		restored: restored,
		families: map[string]*family{},
		doneCh:   make(chan familyResult),
		resumeCh: make(chan resumeMsg, 4),
		expireCh: make(chan expireMsg, 4),
	}
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		r.families[n.ID] = &family{node: n, status: store.NodePending}
	}
	return r
}

func (r *run) requestCancel() { r.cancel() }

// detach stops the scheduler without marking the run cancelled; used on
// graceful shutdown so Recover can pick the run back up.
func (r *run) detach() {
	r.detached.Store(true)
	r.cancel()
}

func (r *run) resume(nodeID string, resolution map[string]any) {
	select {
	case r.resumeCh <- resumeMsg{nodeID: nodeID, resolution: resolution}:
	case <-r.ctx.Done():
	}
}

// loop is the per-run scheduler. It is the only goroutine that mutates
// family state; workers communicate exclusively through doneCh.
func (r *run) loop() {
	defer r.cancel()
	bg := context.Background()
	kind := "run.started"
	if r.restored != nil {
		r.restore(bg)
		kind = "run.resumed"
	}
	_ = r.eng.cfg.Store.SetRunStatus(bg, r.id, store.RunRunning, "")
	r.eng.cfg.Bus.Emit(bg, r.id, "", kind, map[string]any{"planHash": r.plan.Hash})

	var failure error
	for {
		r.schedule()

		if r.inflight == 0 {
			if failure != nil {
				// Nodes the failure stranded are cancelled, not left pending.
				for _, f := range r.families {
					if !f.status.Terminal() && f.status != store.NodeFailed {
						f.status = store.NodeCancelled
						r.persistNode(f, -1, 0, nil, nil)
					}
				}
				r.finish(store.RunFailed, failure.Error())
				return
			}
			if r.countSuspended() > 0 {
				_ = r.eng.cfg.Store.SetRunStatus(bg, r.id, store.RunSuspended, "")
				r.eng.cfg.Bus.Emit(bg, r.id, "", "run.suspended", nil)
				if !r.awaitResume(&failure) {
					if !r.detached.Load() {
						r.finishCancelled()
					}
					return
				}
				_ = r.eng.cfg.Store.SetRunStatus(bg, r.id, store.RunRunning, "")
				continue
			}
			if r.allTerminal() {
				r.finish(store.RunSucceeded, "")
				return
			}
			// Pending nodes with no path to readiness: defensive stop, a
			// compiled DAG should never get here.
			r.finish(store.RunFailed, "scheduler stalled with pending nodes")
			return
		}

		select {
		case res := <-r.doneCh:
			r.inflight--
			if done := r.handleResult(res, &failure); done {
				return
			}
		case msg := <-r.resumeCh:
			r.handleResume(msg)
		case msg := <-r.expireCh:
			r.handleExpire(msg, &failure)
		case <-r.ctx.Done():
			if r.detached.Load() {
				r.drainDetached()
				return
			}
			r.drainCancelled()
			return
		}
	}
}

// drainDetached waits out inflight workers without writing any status:
// unfinished invocations stay "running" in the store and revert to pending
// on recovery.
func (r *run) drainDetached() {
	deadline := time.NewTimer(r.eng.cfg.CancelGrace)
	defer deadline.Stop()
	for r.inflight > 0 {
		select {
		case <-r.doneCh:
			r.inflight--
		case <-deadline.C:
			return
		}
	}
}

func (r *run) handleResult(res familyResult, failure *error) (done bool) {
	bg := context.Background()
	f := r.families[res.nodeID]

	if res.suspend != nil {
		token := newToken()
		payload, _ := json.Marshal(res.suspend.Payload)
		sp := &store.Suspension{
			Token:       token,
			RunID:       r.id,
			NodeID:      res.nodeID,
			Kind:        res.suspend.Kind,
			PayloadJSON: payload,
		}
		if res.suspend.Timeout > 0 {
			sp.TimeoutAt = sql.NullTime{Time: time.Now().UTC().Add(res.suspend.Timeout), Valid: true}
		}
		if err := r.eng.cfg.Store.CreateSuspension(bg, sp); err != nil {
			res.err = fault.Wrap(fault.KindInternal, err)
		} else {
			f.status = store.NodeSuspended
			f.token = token
			r.persistNode(f, -1, 0, nil, nil)
			r.eng.cfg.Bus.Emit(bg, r.id, res.nodeID, "node.suspended", map[string]any{
				"token": token, "kind": res.suspend.Kind, "payload": res.suspend.Payload,
			})
			r.eng.cfg.Metrics.SuspensionOpened()
			if sp.TimeoutAt.Valid {
				r.armExpiry(res.nodeID, token, sp.TimeoutAt.Time)
			}
			return false
		}
	}

	if errors.Is(res.err, errFanNoResult) {
		// An empty any/first fan-out has nothing to deliver; the node and its
		// descendants are skipped, not failed.
		f.status = store.NodeSkipped
		r.persistNode(f, -1, 0, nil, nil)
		r.eng.cfg.Bus.Emit(bg, r.id, res.nodeID, "node.skipped", nil)
		return false
	}

	if res.err != nil {
		if r.ctx.Err() != nil {
			r.drainCancelledAfter(res.nodeID)
			return true
		}
		f.status = store.NodeFailed
		r.persistNode(f, -1, 0, nil, res.err)
		r.eng.cfg.Bus.Emit(bg, r.id, res.nodeID, "node.failed", map[string]any{
			"error": res.err.Error(), "kind": string(fault.KindOf(res.err)),
		})
		*failure = fmt.Errorf("node %s: %w", res.nodeID, res.err)
		// One failed node fails the run; stop everything else.
		r.cancel()
		r.drainInflight()
		return false
	}

	f.status = store.NodeSucceeded
	f.outputs = res.outputs
	f.fired = firedArm(f.node, res.outputs)
	r.persistNode(f, -1, 0, res.outputs, nil)
	data := map[string]any{}
	if f.fired != "" {
		data["branch"] = f.fired
	}
	r.eng.cfg.Bus.Emit(bg, r.id, res.nodeID, "node.succeeded", data)
	return false
}

func (r *run) handleResume(msg resumeMsg) {
	bg := context.Background()
	f, ok := r.families[msg.nodeID]
	if !ok || f.status != store.NodeSuspended {
		return
	}
	f.status = store.NodeSucceeded
	f.outputs = msg.resolution
	f.fired = firedArm(f.node, msg.resolution)
	f.token = ""
	r.persistNode(f, -1, 0, msg.resolution, nil)
	r.eng.cfg.Bus.Emit(bg, r.id, msg.nodeID, "node.resumed", map[string]any{"branch": f.fired})
	r.eng.cfg.Metrics.SuspensionResolved()
}

// awaitResume blocks a fully suspended run until a resolution, an expiry, or
// a cancel arrives. Returns false on cancel.
func (r *run) awaitResume(failure *error) bool {
	select {
	case msg := <-r.resumeCh:
		r.handleResume(msg)
		return true
	case msg := <-r.expireCh:
		r.handleExpire(msg, failure)
		return true
	case <-r.ctx.Done():
		return false
	}
}

// armExpiry schedules the suspension's expiry delivery. The timer dies with
// the run context; a resolved token is recognized and ignored on delivery.
func (r *run) armExpiry(nodeID, token string, at time.Time) {
	go func() {
		t := time.NewTimer(time.Until(at))
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
			return
		}
		select {
		case r.expireCh <- expireMsg{nodeID: nodeID, token: token}:
		case <-r.ctx.Done():
		}
	}()
}

// handleExpire fails a node whose suspension outlived its timeout. A stale
// expiry for an already resolved token is dropped.
func (r *run) handleExpire(msg expireMsg, failure *error) {
	f, ok := r.families[msg.nodeID]
	if !ok || f.status != store.NodeSuspended || f.token != msg.token {
		return
	}
	bg := context.Background()
	if err := r.eng.cfg.Store.ExpireSuspension(bg, msg.token); err != nil {
		r.eng.cfg.Logger.Error("expire suspension", "run", r.id, "node", msg.nodeID, "err", err)
	}
	err := fault.New(fault.KindTimedOut, "human input timed out")
	f.status = store.NodeFailed
	f.token = ""
	r.persistNode(f, -1, 0, nil, err)
	r.eng.cfg.Bus.Emit(bg, r.id, msg.nodeID, "node.failed", map[string]any{
		"error": err.Error(), "kind": string(fault.KindTimedOut),
	})
	r.eng.cfg.Metrics.SuspensionResolved()
	*failure = fmt.Errorf("node %s: %w", msg.nodeID, err)
	r.cancel()
	r.drainInflight()
}

// schedule marks skips to a fixpoint and launches every ready family. After
// cancellation nothing new starts.
func (r *run) schedule() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		progressed := false
		for _, id := range r.plan.Order {
			f := r.families[id]
			if f.status != store.NodePending {
				continue
			}
			switch r.readiness(f) {
			case readyRun:
				f.status = store.NodeRunning
				r.inflight++
				go r.executeFamily(f)
				progressed = true
			case readySkip:
				f.status = store.NodeSkipped
				r.persistNode(f, -1, 0, nil, nil)
				r.eng.cfg.Bus.Emit(context.Background(), r.id, id, "node.skipped", nil)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

type readiness int

const (
	readyWait readiness = iota
	readyRun
	readySkip
)

// readiness evaluates a pending family's join condition over its inbound
// edges. An edge is dead when its source was skipped or its branch arm did
// not fire; dead edges never block a join.
func (r *run) readiness(f *family) readiness {
	in := r.plan.Incoming(f.node.ID)
	if len(in) == 0 {
		return readyRun
	}
	var live, dead, pending int
	for _, e := range in {
		src := r.families[e.Source]
		switch {
		case src.status == store.NodeSkipped:
			dead++
		case src.status == store.NodeSucceeded:
			if e.Branch != "" && e.Branch != src.fired {
				dead++
			} else {
				live++
			}
		case src.status.Terminal():
			// Failed or cancelled sources never deliver; the run is ending.
			dead++
		default:
			pending++
		}
	}
	join := f.node.JoinStrategy
	if join == "" {
		join = graph.JoinAll
	}
	switch join {
	case graph.JoinAny, graph.JoinFirst:
		if live > 0 {
			return readyRun
		}
		if pending > 0 {
			return readyWait
		}
		return readySkip
	default: // all
		if pending > 0 {
			return readyWait
		}
		if live == 0 {
			return readySkip
		}
		return readyRun
	}
}

func (r *run) countSuspended() int {
	n := 0
	for _, f := range r.families {
		if f.status == store.NodeSuspended {
			n++
		}
	}
	return n
}

func (r *run) allTerminal() bool {
	for _, f := range r.families {
		if !f.status.Terminal() {
			return false
		}
	}
	return true
}

// drainInflight waits for outstanding workers after the run context has been
// cancelled, bounded by the cancel grace period.
func (r *run) drainInflight() {
	deadline := time.NewTimer(r.eng.cfg.CancelGrace)
	defer deadline.Stop()
	for r.inflight > 0 {
		select {
		case res := <-r.doneCh:
			r.inflight--
			f := r.families[res.nodeID]
			if res.err == nil && res.suspend == nil {
				f.status = store.NodeSucceeded
				f.outputs = res.outputs
				r.persistNode(f, -1, 0, res.outputs, nil)
			} else {
				f.status = store.NodeCancelled
				r.persistNode(f, -1, 0, nil, nil)
			}
		case <-deadline.C:
			return
		}
	}
}

func (r *run) drainCancelled() {
	r.drainInflight()
	r.finishCancelled()
}

func (r *run) drainCancelledAfter(nodeID string) {
	f := r.families[nodeID]
	f.status = store.NodeCancelled
	r.persistNode(f, -1, 0, nil, nil)
	r.drainCancelled()
}

func (r *run) finishCancelled() {
	// Open suspensions die with the run; their tokens stop resolving.
	if err := r.eng.cfg.Store.CancelOpenSuspensions(context.Background(), r.id); err != nil {
		r.eng.cfg.Logger.Error("cancel suspensions", "run", r.id, "err", err)
	}
	for _, f := range r.families {
		if f.status == store.NodeSuspended {
			f.token = ""
			r.eng.cfg.Metrics.SuspensionResolved()
		}
		if !f.status.Terminal() {
			f.status = store.NodeCancelled
			r.persistNode(f, -1, 0, nil, nil)
		}
	}
	r.finish(store.RunCancelled, "")
}

func (r *run) finish(status store.RunStatus, msg string) {
	bg := context.Background()
	_ = r.eng.cfg.Store.SetRunStatus(bg, r.id, status, msg)
	data := map[string]any{}
	if msg != "" {
		data["error"] = msg
	}
	r.eng.cfg.Bus.Emit(bg, r.id, "", "run."+string(status), data)
	r.eng.cfg.Metrics.RunFinished(string(status))
}

// restore replays persisted node states into family state.
func (r *run) restore(ctx context.Context) {
	for _, ns := range r.restored {
		if ns.ChildIndex != -1 {
			continue
		}
		f, ok := r.families[ns.NodeID]
		if !ok {
			continue
		}
		switch ns.Status {
		case store.NodeSucceeded:
			f.status = store.NodeSucceeded
			if len(ns.OutputJSON) > 0 {
				_ = json.Unmarshal(ns.OutputJSON, &f.outputs)
			}
			f.fired = firedArm(f.node, f.outputs)
		case store.NodeSkipped:
			f.status = store.NodeSkipped
		case store.NodeSuspended:
			f.status = store.NodeSuspended
		}
		// Running, retrying, failed, and cancelled rows revert to pending:
		// the invocation did not complete and runs again.
	}
	if r.countSuspended() > 0 {
		susps, err := r.eng.cfg.Store.OpenSuspensions(ctx, r.id)
		if err == nil {
			for _, sp := range susps {
				if f, ok := r.families[sp.NodeID]; ok && f.status == store.NodeSuspended {
					f.token = sp.Token
					if sp.TimeoutAt.Valid {
						r.armExpiry(sp.NodeID, sp.Token, sp.TimeoutAt.Time)
					}
				}
			}
		}
	}
}

// persistNode writes one family-level transition. childIdx -1 is the family
// row; fan-out children write their own rows from the worker.
func (r *run) persistNode(f *family, childIdx, attempt int, outputs map[string]any, failure error) {
	var outJSON []byte
	if outputs != nil {
		outJSON, _ = json.Marshal(outputs)
	}
	ns := &store.NodeState{
		RunID:      r.id,
		NodeID:     f.node.ID,
		ChildIndex: childIdx,
		Status:     f.status,
		Attempt:    attempt,
		OutputJSON: outJSON,
	}
	if failure != nil {
		ns.Error = failure.Error()
		ns.ErrorKind = string(fault.KindOf(failure))
	}
	if err := r.eng.cfg.Store.UpsertNodeState(context.Background(), ns); err != nil {
		r.eng.cfg.Logger.Error("persist node state", "run", r.id, "node", f.node.ID, "err", err)
	}
}

// firedArm picks the branching output that carried a value. An explicit false
// is a non-answer, not a fired arm.
func firedArm(n *compiler.PlanNode, outputs map[string]any) string {
	for _, arm := range branchArms(n) {
		if v, ok := outputs[arm]; ok && armValue(v) {
			return arm
		}
	}
	return ""
}

func branchArms(n *compiler.PlanNode) []string {
	if !n.Branching {
		return nil
	}
	var arms []string
	for _, out := range n.Outputs {
		if out.Branching {
			arms = append(arms, out.ID)
		}
	}
	sort.Strings(arms)
	return arms
}

func armValue(v any) bool {
	if v == nil {
		return false
	}
	b, isBool := v.(bool)
	return !isBool || b
}

// resolutionOutputs maps an external resolution onto the suspended node's
// output ports. Non-branching nodes take the payload verbatim. Branching
// nodes accept, in order: a status string naming an arm, the approval
// convention of a boolean "approved", or a direct arm key carrying a value.
// Anything else is a validation failure and the suspension stays pending.
func resolutionOutputs(n *compiler.PlanNode, resolution map[string]any) (map[string]any, error) {
	arms := branchArms(n)
	if len(arms) == 0 {
		return resolution, nil
	}
	if s, ok := resolution["status"].(string); ok {
		for _, arm := range arms {
			if arm == s {
				return map[string]any{arm: resolution}, nil
			}
		}
	}
	if b, ok := resolution["approved"].(bool); ok && hasArm(arms, "approved") && hasArm(arms, "rejected") {
		arm := "rejected"
		if b {
			arm = "approved"
		}
		return map[string]any{arm: resolution}, nil
	}
	for _, arm := range arms {
		if v, ok := resolution[arm]; ok && armValue(v) {
			return resolution, nil
		}
	}
	return nil, fault.New(fault.KindValidation,
		"resolution selects no branch of node %s (expected one of %s)", n.ID, strings.Join(arms, ", "))
}

func hasArm(arms []string, id string) bool {
	for _, a := range arms {
		if a == id {
			return true
		}
	}
	return false
}

func asSuspend(err error) *runner.Suspend {
	var s *runner.Suspend
	if errors.As(err, &s) {
		return s
	}
	return nil
}
