package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
)

func inlineDef(id string) *component.Definition {
	return &component.Definition{ID: id, Runner: component.RunnerInline}
}

func TestInline_DispatchAndPanic(t *testing.T) {
	inline := NewInline()
	if err := inline.Register("core.upper", func(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
		s, _ := inv.Inputs["text"].(string)
		return map[string]any{"text": strings.ToUpper(s)}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := inline.Register("core.boom", func(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := inline.Register("core.upper", nil); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	d := NewDispatcher(inline)
	out, err := d.Invoke(context.Background(),
		&Invocation{Def: inlineDef("core.upper"), Inputs: map[string]any{"text": "hello"}}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["text"] != "HELLO" {
		t.Fatalf("out = %v", out)
	}

	// A panicking handler becomes a classified failure, not a crash.
	_, err = d.Invoke(context.Background(), &Invocation{Def: inlineDef("core.boom")}, nil)
	if fault.KindOf(err) != fault.KindInternal {
		t.Fatalf("panic kind = %v", fault.KindOf(err))
	}

	// Unknown component and unknown runner kind are configuration errors.
	_, err = d.Invoke(context.Background(), &Invocation{Def: inlineDef("core.missing")}, nil)
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Fatalf("missing handler kind = %v", fault.KindOf(err))
	}
	_, err = d.Invoke(context.Background(), &Invocation{Def: &component.Definition{ID: "x", Runner: component.RunnerContainer}}, nil)
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Fatalf("missing runner kind = %v", fault.KindOf(err))
	}
}

func TestInline_CancelledContext(t *testing.T) {
	inline := NewInline()
	_ = inline.Register("core.slow", func(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inline.Invoke(ctx, &Invocation{Def: inlineDef("core.slow")}, nil)
	if fault.KindOf(err) != fault.KindCancelled {
		t.Fatalf("kind = %v", fault.KindOf(err))
	}
}

func TestParseEnvelope(t *testing.T) {
	stdout := "scanning...\nprogress 50%\n---RESULT_START---\n{\"hosts\": [\"a\", \"b\"]}\n---RESULT_END---\ntrailing noise\n"
	out, err := parseEnvelope(stdout, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	hosts, ok := out["hosts"].([]any)
	if !ok || len(hosts) != 2 {
		t.Fatalf("out = %v", out)
	}

	if _, err := parseEnvelope("no envelope here", true); fault.KindOf(err) != fault.KindContainer {
		t.Fatalf("missing envelope kind = %v", fault.KindOf(err))
	}
	if _, err := parseEnvelope("---RESULT_START---\n{", true); fault.KindOf(err) != fault.KindContainer {
		t.Fatalf("unterminated envelope kind = %v", fault.KindOf(err))
	}
	if _, err := parseEnvelope("---RESULT_START---\nnot json\n---RESULT_END---", true); fault.KindOf(err) != fault.KindContainer {
		t.Fatalf("bad json kind = %v", fault.KindOf(err))
	}

	// Envelope off: raw stdout becomes the output port.
	out, err = parseEnvelope("  93.184.216.34\n", false)
	if err != nil || out["output"] != "93.184.216.34" {
		t.Fatalf("raw = %v, %v", out, err)
	}
}

func TestVolumeBind(t *testing.T) {
	if got := volumeBind("vol-1", false); got != "vol-1:/workspace" {
		t.Fatalf("bind = %q", got)
	}
	// Read-only components get a read-only mount.
	if got := volumeBind("vol-1", true); got != "vol-1:/workspace:ro" {
		t.Fatalf("ro bind = %q", got)
	}
}

func remoteDef(endpoint string) *component.Definition {
	return &component.Definition{
		ID:     "remote.scan",
		Runner: component.RunnerRemote,
		Remote: &component.RemoteConfig{Endpoint: endpoint},
	}
}

func TestRemote_SuccessAndClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body remoteRequest
		if err := decodeJSON(req, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch body.Params["mode"] {
		case "ok":
			w.Write([]byte(`{"outputs":{"alive":true}}`))
		case "denied":
			http.Error(w, "bad token", http.StatusUnauthorized)
		case "throttled":
			w.Header().Set("Retry-After", "7")
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			http.Error(w, "upstream broke", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	r := NewRemote()
	invoke := func(mode string) (map[string]any, error) {
		return r.Invoke(context.Background(), &Invocation{
			Def:    remoteDef(srv.URL),
			Params: map[string]any{"mode": mode},
		}, nil)
	}

	out, err := invoke("ok")
	if err != nil {
		t.Fatalf("ok: %v", err)
	}
	if out["alive"] != true {
		t.Fatalf("out = %v", out)
	}

	_, err = invoke("denied")
	if fault.KindOf(err) != fault.KindAuthentication {
		t.Fatalf("denied kind = %v", fault.KindOf(err))
	}

	_, err = invoke("throttled")
	var f *fault.Failure
	if !errors.As(err, &f) || f.Kind != fault.KindRateLimited {
		t.Fatalf("throttled = %v", err)
	}
	if f.RetryAfter.Seconds() != 7 {
		t.Fatalf("retry-after = %s", f.RetryAfter)
	}

	_, err = invoke("boom")
	if fault.KindOf(err) != fault.KindTransient {
		t.Fatalf("5xx kind = %v", fault.KindOf(err))
	}
}

func TestRemote_BreakerOpensOnTransport(t *testing.T) {
	// Endpoint that nothing listens on.
	r := NewRemote()
	def := remoteDef("http://127.0.0.1:1/invoke")
	def.Remote.TimeoutSeconds = 1
	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = r.Invoke(context.Background(), &Invocation{Def: def}, nil)
	}
	if fault.KindOf(lastErr) != fault.KindTransient {
		t.Fatalf("kind = %v (%v)", fault.KindOf(lastErr), lastErr)
	}
	// After five consecutive transport failures the breaker is open and the
	// failure is immediate.
	_, err := r.Invoke(context.Background(), &Invocation{Def: def}, nil)
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("breaker err = %v", err)
	}
}

func decodeJSON(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}
