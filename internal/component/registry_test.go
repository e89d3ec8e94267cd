package component

import (
	"testing"
	"time"

	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/ports"
)

func textField(id string) Field {
	return Field{ID: id, Type: ports.Prim(ports.Text)}
}

func TestRegister_DuplicateAndValidation(t *testing.T) {
	r := NewRegistry()
	def := &Definition{ID: "core.log", Runner: RunnerInline, Inputs: []Field{textField("message")}}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Fatal("duplicate id accepted")
	}
	if err := r.Register(&Definition{ID: "bad.runner", Runner: "vm"}); err == nil {
		t.Fatal("unknown runner kind accepted")
	}
	if err := r.Register(&Definition{ID: "bad.container", Runner: RunnerContainer}); err == nil {
		t.Fatal("container runner without image accepted")
	}
	if err := r.Register(&Definition{ID: "bad.remote", Runner: RunnerRemote}); err == nil {
		t.Fatal("remote runner without endpoint accepted")
	}
	if _, ok := r.Get("core.log"); !ok {
		t.Fatal("Get missed registered definition")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get found unregistered definition")
	}
}

func TestValidateParams_PerField(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Definition{
		ID:     "scan.nuclei",
		Runner: RunnerInline,
		ParamSchema: map[string]any{
			"type":     "object",
			"required": []any{"target"},
			"properties": map[string]any{
				"target":   map[string]any{"type": "string"},
				"severity": map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if errs := r.ValidateParams("scan.nuclei", map[string]any{"target": "example.com"}); len(errs) != 0 {
		t.Fatalf("valid params rejected: %v", errs)
	}
	errs := r.ValidateParams("scan.nuclei", map[string]any{"severity": "apocalyptic"})
	if len(errs) == 0 {
		t.Fatal("invalid params accepted")
	}
	// No schema registered means anything goes.
	_ = r.Register(&Definition{ID: "free.form", Runner: RunnerInline})
	if errs := r.ValidateParams("free.form", map[string]any{"whatever": 1}); len(errs) != 0 {
		t.Fatalf("schemaless params rejected: %v", errs)
	}
}

func TestResolveDynamicPorts_MergeRules(t *testing.T) {
	r := NewRegistry()
	def := &Definition{
		ID:     "core.entrypoint",
		Runner: RunnerInline,
		Outputs: []Field{
			{ID: "started", Type: ports.Prim(ports.Boolean)},
		},
		ResolvePorts: func(params map[string]any) ([]Field, []Field, error) {
			var outs []Field
			if raw, ok := params["runtimeInputs"].([]any); ok {
				for _, f := range raw {
					name, _ := f.(string)
					outs = append(outs, Field{ID: name, Type: ports.Prim(ports.Text)})
				}
			}
			return nil, outs, nil
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, outs, err := r.ResolveDynamicPorts(def, map[string]any{"runtimeInputs": []any{"repo_name", "is_push"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"started", "repo_name", "is_push"}
	got := outs.IDs()
	if len(got) != len(want) {
		t.Fatalf("outputs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outputs = %v, want %v", got, want)
		}
	}

	// Determinism: same params, same table.
	_, outs2, err := r.ResolveDynamicPorts(def, map[string]any{"runtimeInputs": []any{"repo_name", "is_push"}})
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	for i := range outs.Fields {
		if outs.Fields[i] != outs2.Fields[i] {
			t.Fatal("resolveDynamicPorts is not deterministic")
		}
	}
}

func TestResolveDynamicPorts_RejectsRetype(t *testing.T) {
	r := NewRegistry()
	def := &Definition{
		ID:      "bad.hook",
		Runner:  RunnerInline,
		Outputs: []Field{{ID: "result", Type: ports.Prim(ports.Text)}},
		ResolvePorts: func(map[string]any) ([]Field, []Field, error) {
			return nil, []Field{{ID: "result", Type: ports.Prim(ports.Number)}}, nil
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := r.ResolveDynamicPorts(def, nil); err == nil {
		t.Fatal("hook retyped a static port and was accepted")
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialIntervalSeconds: 2, MaximumIntervalSeconds: 5, BackoffCoefficient: 2}
	if d := p.Delay(1); d != 0 {
		t.Fatalf("delay before first attempt = %s", d)
	}
	if d := p.Delay(2); d != 2*time.Second {
		t.Fatalf("delay before attempt 2 = %s", d)
	}
	if d := p.Delay(3); d != 4*time.Second {
		t.Fatalf("delay before attempt 3 = %s", d)
	}
	// Capped at maximum.
	if d := p.Delay(4); d != 5*time.Second {
		t.Fatalf("delay before attempt 4 = %s", d)
	}
}

func TestRetryPolicy_Retryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, NonRetryableErrorKinds: []fault.Kind{fault.KindRateLimited}}
	if p.Retryable(fault.KindConfiguration) {
		t.Fatal("ConfigurationError retryable")
	}
	if !p.Retryable(fault.KindTransient) {
		t.Fatal("Transient not retryable")
	}
	// Policy-level opt-out beats the kind default.
	if p.Retryable(fault.KindRateLimited) {
		t.Fatal("policy non-retryable kind was retryable")
	}
}
