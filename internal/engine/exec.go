package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/store"
)

// executeFamily runs one family to completion on a worker goroutine and
// reports the joined result on doneCh. It never touches family state
// directly; the scheduler owns that.
func (r *run) executeFamily(f *family) {
	inputs, fan, err := r.buildInputs(f)
	if err != nil {
		r.report(familyResult{nodeID: f.node.ID, err: err})
		return
	}
	if fan == nil {
		outputs, err := r.invokeWithRetry(f, inputs, -1)
		if s := asSuspend(err); s != nil {
			r.report(familyResult{nodeID: f.node.ID, suspend: s})
			return
		}
		r.report(familyResult{nodeID: f.node.ID, outputs: outputs, err: err})
		return
	}
	outputs, err := r.executeFan(f, inputs, fan)
	if s := asSuspend(err); s != nil {
		r.report(familyResult{nodeID: f.node.ID, suspend: s})
		return
	}
	r.report(familyResult{nodeID: f.node.ID, outputs: outputs, err: err})
}

// errFanNoResult marks an empty fan-out under an any/first join: there is
// nothing to deliver and nothing failed. The scheduler turns it into a skip.
var errFanNoResult = errors.New("fan-out produced no result")

func (r *run) report(res familyResult) {
	select {
	case r.doneCh <- res:
	case <-time.After(r.eng.cfg.CancelGrace + time.Minute):
		// Scheduler is gone; drop the result rather than leak the goroutine.
	}
}

type childResult struct {
	index   int
	outputs map[string]any
	err     error
}

// executeFan splits the fan-out list into child invocations, bounded by the
// node's MaxConcurrency, and joins the results under the node's strategy.
// All-join output ports carry one list per port in source order; any/first
// carry the winning child's values.
func (r *run) executeFan(f *family, baseInputs map[string]any, fan *fanOut) (map[string]any, error) {
	n := len(fan.elements)
	join := f.node.JoinStrategy
	if join == "" {
		join = graph.JoinAll
	}
	if n == 0 {
		if join == graph.JoinAll {
			return emptyLists(f), nil
		}
		return nil, errFanNoResult
	}

	limit := f.node.MaxConcurrency
	if limit <= 0 || limit > n {
		limit = n
	}
	childCtx, cancelChildren := context.WithCancel(r.ctx)
	defer cancelChildren()

	jobs := make(chan int)
	results := make(chan childResult, n)
	var wg sync.WaitGroup
	for w := 0; w < limit; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if childCtx.Err() != nil {
					results <- childResult{index: idx, err: fault.Wrap(fault.KindCancelled, childCtx.Err())}
					continue
				}
				inputs := make(map[string]any, len(baseInputs)+1)
				for k, v := range baseInputs {
					inputs[k] = v
				}
				inputs[fan.port] = fan.elements[idx]
				out, err := r.invokeChild(childCtx, f, inputs, idx)
				results <- childResult{index: idx, outputs: out, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			jobs <- i
		}
	}()

	collected := make([]childResult, 0, n)
	var winner *childResult
	var firstErr error
	var firstSuspend *runner.Suspend
	for len(collected) < n {
		res := <-results
		collected = append(collected, res)
		if s := asSuspend(res.err); s != nil {
			// The first suspending child parks the whole family; siblings
			// are cancelled and the resolution becomes the family's output.
			if firstSuspend == nil {
				firstSuspend = s
				cancelChildren()
			}
			continue
		}
		switch join {
		case graph.JoinAny, graph.JoinFirst:
			if res.err == nil && winner == nil {
				cp := res
				winner = &cp
				// Siblings are cancelled synchronously: the join result is
				// not reported until every child has acknowledged.
				cancelChildren()
			}
		default:
			if res.err != nil && firstErr == nil && firstSuspend == nil {
				firstErr = res.err
				cancelChildren()
			}
		}
	}
	wg.Wait()

	switch join {
	case graph.JoinAny, graph.JoinFirst:
		if winner != nil {
			return winner.outputs, nil
		}
		if firstSuspend != nil {
			return nil, firstSuspend
		}
		return nil, earliestError(collected)
	default:
		if firstErr != nil {
			return nil, earliestError(collected)
		}
		if firstSuspend != nil {
			return nil, firstSuspend
		}
		return joinAll(f, collected), nil
	}
}

// invokeChild persists child rows under the child's index and retries
// independently of its siblings.
func (r *run) invokeChild(ctx context.Context, f *family, inputs map[string]any, idx int) (map[string]any, error) {
	return r.attempt(ctx, f, inputs, idx)
}

// invokeWithRetry runs the scalar invocation under the node's retry policy.
func (r *run) invokeWithRetry(f *family, inputs map[string]any, childIdx int) (map[string]any, error) {
	return r.attempt(r.ctx, f, inputs, childIdx)
}

// attempt runs the full retry loop for one invocation.
func (r *run) attempt(ctx context.Context, f *family, inputs map[string]any, childIdx int) (map[string]any, error) {
	policy := f.node.Retry
	def, ok := r.eng.cfg.Components.Get(f.node.ComponentID)
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "component %s not registered", f.node.ComponentID)
	}

	for att := 1; ; att++ {
		r.persistAttempt(f, childIdx, att, store.NodeRunning)
		r.eng.cfg.Bus.Emit(context.Background(), r.id, f.node.ID, "node.started", map[string]any{
			"attempt": att, "child": childIdx,
		})

		cap := runner.NewCapability(
			r.id, f.node.ID, r.eng.cfg.TenantID,
			r.eng.cfg.Logger.With("run", r.id, "node", f.node.ID, "attempt", att),
			r.eng.cfg.Secrets, r.eng.cfg.Artifacts,
			func(kind string, data map[string]any) {
				r.eng.cfg.Bus.Emit(context.Background(), r.id, f.node.ID, kind, data)
			},
		)
		inv := &runner.Invocation{
			RunID:      r.id,
			NodeID:     f.node.ID,
			ChildIndex: childIdx,
			Attempt:    att,
			Def:        def,
			Inputs:     inputs,
			Params:     f.node.Params,
		}
		started := time.Now()
		outputs, err := r.eng.cfg.Dispatcher.Invoke(ctx, inv, cap)
		r.eng.cfg.Metrics.ObserveInvocation(string(def.Runner), time.Since(started))
		if err == nil {
			r.eng.cfg.Metrics.NodeAttempt(def.ID, "success")
			if childIdx >= 0 {
				r.persistChild(f, childIdx, att, store.NodeSucceeded, outputs, nil)
			}
			return outputs, nil
		}
		if asSuspend(err) != nil {
			r.eng.cfg.Metrics.NodeAttempt(def.ID, "suspended")
			return nil, err
		}
		r.eng.cfg.Metrics.NodeAttempt(def.ID, string(fault.KindOf(err)))
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}

		kind := fault.KindOf(err)
		if att >= policy.MaxAttempts || !policy.Retryable(kind) {
			if childIdx >= 0 {
				r.persistChild(f, childIdx, att, store.NodeFailed, nil, err)
			}
			return nil, err
		}

		delay := policy.Delay(att + 1)
		var failure *fault.Failure
		if errors.As(err, &failure) && failure.RetryAfter > delay {
			delay = failure.RetryAfter
		}
		r.persistAttempt(f, childIdx, att, store.NodeRetrying)
		r.eng.cfg.Bus.Emit(context.Background(), r.id, f.node.ID, "node.retrying", map[string]any{
			"attempt": att, "child": childIdx, "delay": delay.String(), "error": err.Error(),
		})
		if !sleepCtx(ctx, delay) {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
	}
}

func (r *run) persistAttempt(f *family, childIdx, attempt int, status store.NodeStatus) {
	ns := &store.NodeState{
		RunID:      r.id,
		NodeID:     f.node.ID,
		ChildIndex: childIdx,
		Status:     status,
		Attempt:    attempt,
	}
	if err := r.eng.cfg.Store.UpsertNodeState(context.Background(), ns); err != nil {
		r.eng.cfg.Logger.Error("persist attempt", "run", r.id, "node", f.node.ID, "err", err)
	}
}

func (r *run) persistChild(f *family, childIdx, attempt int, status store.NodeStatus, outputs map[string]any, failure error) {
	var outJSON []byte
	if outputs != nil {
		outJSON, _ = json.Marshal(outputs)
	}
	ns := &store.NodeState{
		RunID:      r.id,
		NodeID:     f.node.ID,
		ChildIndex: childIdx,
		Status:     status,
		Attempt:    attempt,
		OutputJSON: outJSON,
	}
	if failure != nil {
		ns.Error = failure.Error()
		ns.ErrorKind = string(fault.KindOf(failure))
	}
	if err := r.eng.cfg.Store.UpsertNodeState(context.Background(), ns); err != nil {
		r.eng.cfg.Logger.Error("persist child state", "run", r.id, "node", f.node.ID, "err", err)
	}
}

// joinAll builds one list per output port, child values in source order.
func joinAll(f *family, collected []childResult) map[string]any {
	byIndex := make(map[int]map[string]any, len(collected))
	for _, c := range collected {
		byIndex[c.index] = c.outputs
	}
	out := map[string]any{}
	for _, port := range f.node.Outputs {
		vals := make([]any, len(collected))
		for i := 0; i < len(collected); i++ {
			if m := byIndex[i]; m != nil {
				vals[i] = m[port.ID]
			}
		}
		out[port.ID] = vals
	}
	return out
}

func emptyLists(f *family) map[string]any {
	out := map[string]any{}
	for _, port := range f.node.Outputs {
		out[port.ID] = []any{}
	}
	return out
}

// earliestError returns the lowest-index child failure, preferring real
// failures over the cancellations they triggered, so the reported error is
// deterministic regardless of completion order.
func earliestError(collected []childResult) error {
	var best *childResult
	for i := range collected {
		c := &collected[i]
		if c.err == nil || asSuspend(c.err) != nil {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		bestCancelled := fault.KindOf(best.err) == fault.KindCancelled
		cCancelled := fault.KindOf(c.err) == fault.KindCancelled
		if bestCancelled != cCancelled {
			if bestCancelled {
				best = c
			}
			continue
		}
		if c.index < best.index {
			best = c
		}
	}
	if best == nil {
		return fault.New(fault.KindInternal, "fan-out join failed without a child error")
	}
	return best.err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
