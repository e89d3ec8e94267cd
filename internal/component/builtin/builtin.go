// Package builtin registers the components every deployment ships with:
// the entry point, HTTP request, script transform, human-input gates, log,
// and delay. Each pairs a catalog definition with its inline handler.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
)

// Register installs all builtin components into the catalog and the inline
// runner. Call once at startup.
func Register(comps *component.Registry, inline *runner.Inline) error {
	for _, b := range []struct {
		def *component.Definition
		h   runner.Handler
	}{
		{entrypointDef(), entrypointHandler},
		{httpRequestDef(), httpRequestHandler},
		{transformDef(), transformHandler},
		{approvalDef(), approvalHandler},
		{formDef(), formHandler},
		{logDef(), logHandler},
		{delayDef(), delayHandler},
	} {
		if err := comps.Register(b.def); err != nil {
			return err
		}
		if err := inline.Register(b.def.ID, b.h); err != nil {
			return err
		}
	}
	return nil
}

// entrypointDef exposes the run's trigger payload as typed output ports. The
// runtimeInputs param declares which payload keys exist and their types.
func entrypointDef() *component.Definition {
	return &component.Definition{
		ID:       "core.entrypoint",
		Label:    "Entry Point",
		Category: "core",
		Runner:   component.RunnerInline,
		Outputs: []component.Field{
			{ID: "started", Type: ports.Prim(ports.Boolean)},
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"runtimeInputs": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []any{"id"},
						"properties": map[string]any{
							"id":   map[string]any{"type": "string"},
							"type": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
		ResolvePorts: func(params map[string]any) ([]component.Field, []component.Field, error) {
			var outs []component.Field
			raw, _ := params["runtimeInputs"].([]any)
			for _, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id, _ := m["id"].(string)
				if id == "" {
					continue
				}
				typ := ports.Prim(ports.Any)
				if ts, _ := m["type"].(string); ts != "" {
					p, ok := ports.ParsePrimitive(ts)
					if !ok {
						return nil, nil, fmt.Errorf("runtime input %s: unknown type %q", id, ts)
					}
					typ = ports.Prim(p)
				}
				outs = append(outs, component.Field{ID: id, Type: typ})
			}
			return nil, outs, nil
		},
	}
}

func entrypointHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	out := map[string]any{"started": true}
	for k, v := range inv.Inputs {
		out[k] = v
	}
	return out, nil
}

func httpRequestDef() *component.Definition {
	return &component.Definition{
		ID:       "core.http_request",
		Label:    "HTTP Request",
		Category: "core",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "url", Type: ports.Prim(ports.Text), Required: true},
			{ID: "body", Type: ports.Prim(ports.Text)},
		},
		Outputs: []component.Field{
			{ID: "status", Type: ports.Prim(ports.Number)},
			{ID: "body", Type: ports.Prim(ports.Text)},
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method": map[string]any{
					"type": "string",
					"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
				},
				"headers":        map[string]any{"type": "object"},
				"timeoutSeconds": map[string]any{"type": "number"},
			},
		},
		Retry: component.RetryPolicy{
			MaxAttempts:            3,
			InitialIntervalSeconds: 2,
			MaximumIntervalSeconds: 30,
			BackoffCoefficient:     2,
		},
	}
}

func httpRequestHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	url, _ := inv.Inputs["url"].(string)
	if url == "" {
		return nil, fault.New(fault.KindValidation, "url is required")
	}
	method, _ := inv.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	timeout := 30 * time.Second
	if secs, ok := inv.Params["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if b, _ := inv.Inputs["body"].(string); b != "" {
		reqBody = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	if headers, ok := inv.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			s, _ := v.(string)
			// Header values may reference secrets: Authorization tokens,
			// API keys.
			expanded, err := cap.ExpandSecrets(ctx, s)
			if err != nil {
				return nil, fault.Wrap(fault.KindConfiguration, err)
			}
			req.Header.Set(k, expanded)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.KindTimedOut, "request to %s timed out", url)
		}
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.FromHTTPStatus(resp.StatusCode, string(body))
	}
	return map[string]any{
		"status": float64(resp.StatusCode),
		"body":   string(body),
	}, nil
}

func transformDef() *component.Definition {
	return &component.Definition{
		ID:       "core.transform",
		Label:    "Transform",
		Category: "core",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "value", Type: ports.Prim(ports.Any)},
		},
		Outputs: []component.Field{
			{ID: "result", Type: ports.Prim(ports.Any)},
		},
		ParamSchema: map[string]any{
			"type":     "object",
			"required": []any{"script"},
			"properties": map[string]any{
				"script": map[string]any{"type": "string"},
			},
		},
	}
}

// transformHandler evaluates the node's script against the input value. Each
// invocation gets a fresh VM: scripts cannot leak state into each other.
func transformHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	script, _ := inv.Params["script"].(string)
	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()

	if err := vm.Set("value", inv.Inputs["value"]); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	v, err := vm.RunString(script)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		return nil, fault.New(fault.KindValidation, "transform script: %v", err)
	}
	return map[string]any{"result": v.Export()}, nil
}

func approvalDef() *component.Definition {
	return &component.Definition{
		ID:       "core.approval",
		Label:    "Approval Gate",
		Category: "human",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "summary", Type: ports.Prim(ports.Text)},
		},
		Outputs: []component.Field{
			{ID: "approved", Type: ports.Prim(ports.Any), Branching: true},
			{ID: "rejected", Type: ports.Prim(ports.Any), Branching: true},
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":          map[string]any{"type": "string"},
				"timeoutSeconds": map[string]any{"type": "number", "minimum": 0},
			},
		},
	}
}

func approvalHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	return nil, &runner.Suspend{
		Kind: "approval",
		Payload: map[string]any{
			"title":   inv.Params["title"],
			"summary": inv.Inputs["summary"],
		},
		Timeout: suspendTimeout(inv.Params),
	}
}

// suspendTimeout reads the optional timeoutSeconds param of a human gate.
func suspendTimeout(params map[string]any) time.Duration {
	secs, _ := params["timeoutSeconds"].(float64)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func formDef() *component.Definition {
	return &component.Definition{
		ID:       "core.form",
		Label:    "Form",
		Category: "human",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "prompt", Type: ports.Prim(ports.Text)},
		},
		Outputs: []component.Field{
			{ID: "submission", Type: ports.Prim(ports.JSON)},
		},
		ParamSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fields":         map[string]any{"type": "array"},
				"timeoutSeconds": map[string]any{"type": "number", "minimum": 0},
			},
		},
	}
}

func formHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	return nil, &runner.Suspend{
		Kind: "form",
		Payload: map[string]any{
			"prompt": inv.Inputs["prompt"],
			"fields": inv.Params["fields"],
		},
		Timeout: suspendTimeout(inv.Params),
	}
}

func logDef() *component.Definition {
	return &component.Definition{
		ID:       "core.log",
		Label:    "Log",
		Category: "core",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "message", Type: ports.Prim(ports.Any), MultiArity: true},
		},
		Outputs: []component.Field{
			{ID: "message", Type: ports.Prim(ports.Any)},
		},
	}
}

func logHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	msg := inv.Inputs["message"]
	cap.Logger().Info("workflow log", "message", msg)
	cap.Progress("log", map[string]any{"message": msg})
	return map[string]any{"message": msg}, nil
}

func delayDef() *component.Definition {
	return &component.Definition{
		ID:       "core.delay",
		Label:    "Delay",
		Category: "core",
		Runner:   component.RunnerInline,
		Inputs: []component.Field{
			{ID: "value", Type: ports.Prim(ports.Any)},
		},
		Outputs: []component.Field{
			{ID: "value", Type: ports.Prim(ports.Any)},
		},
		ParamSchema: map[string]any{
			"type":     "object",
			"required": []any{"seconds"},
			"properties": map[string]any{
				"seconds": map[string]any{"type": "number", "minimum": 0},
			},
		},
	}
}

func delayHandler(ctx context.Context, inv *runner.Invocation, cap *runner.Capability) (map[string]any, error) {
	secs, _ := inv.Params["seconds"].(float64)
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"value": inv.Inputs["value"]}, nil
}
