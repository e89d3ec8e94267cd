package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/component/builtin"
	"github.com/shipsec/shipsec/internal/engine"
	"github.com/shipsec/shipsec/internal/metrics"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/secrets"
	"github.com/shipsec/shipsec/internal/store"
)

type testAPI struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	comps := component.NewRegistry()
	portReg := ports.NewRegistry()
	inline := runner.NewInline()
	if err := builtin.Register(comps, inline); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	bus := engine.NewEventBus(st, logger)
	secretMgr := secrets.NewManager(st)
	objects, err := artifacts.NewFSStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	artMgr := artifacts.NewManager(st, objects)
	eng := engine.New(engine.Config{
		Store:       st,
		Components:  comps,
		Ports:       portReg,
		Dispatcher:  runner.NewDispatcher(inline),
		Secrets:     secretMgr,
		Artifacts:   artMgr,
		Bus:         bus,
		Logger:      logger,
		Metrics:     metrics.New(),
		CancelGrace: 2 * time.Second,
	})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(sctx)
	})

	s := New(Config{Addr: ":0"}, Deps{
		Store:      st,
		Components: comps,
		Ports:      portReg,
		Compiler:   compiler.New(comps, portReg),
		Engine:     eng,
		Bus:        bus,
		Secrets:    secretMgr,
		Artifacts:  artMgr,
		Metrics:    metrics.New(),
		Logger:     logger,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv}
}

func (a *testAPI) do(method, path string, body any) (*http.Response, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		a.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.srv.Client().Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (a *testAPI) expect(method, path string, body any, wantStatus int) map[string]any {
	a.t.Helper()
	resp, out := a.do(method, path, body)
	if resp.StatusCode != wantStatus {
		a.t.Fatalf("%s %s = %d, want %d (body %v)", method, path, resp.StatusCode, wantStatus, out)
	}
	return out
}

// upperGraph is an entrypoint feeding a transform that uppercases the
// "target" runtime input.
func upperGraph() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{
				"id": "entry", "componentId": "core.entrypoint",
				"config": map[string]any{
					"params": map[string]any{
						"runtimeInputs": []any{
							map[string]any{"id": "target", "type": "text"},
						},
					},
				},
			},
			map[string]any{
				"id": "xf", "componentId": "core.transform",
				"config": map[string]any{
					"params": map[string]any{"script": "value.toUpperCase()"},
				},
			},
		},
		"edges": []any{
			map[string]any{
				"id": "e1", "source": "entry", "sourcePort": "target",
				"target": "xf", "targetPort": "value",
			},
		},
	}
}

func (a *testAPI) createCommitted(name string, g map[string]any) string {
	a.t.Helper()
	out := a.expect(http.MethodPost, "/workflows", map[string]any{"name": name}, http.StatusCreated)
	id, _ := out["id"].(string)
	if id == "" {
		a.t.Fatalf("workflow id missing: %v", out)
	}
	a.expect(http.MethodPut, "/workflows/"+id, g, http.StatusOK)
	commit := a.expect(http.MethodPost, "/workflows/"+id+"/commit", nil, http.StatusOK)
	if commit["valid"] != true || commit["planHash"] == "" {
		a.t.Fatalf("commit = %v", commit)
	}
	return id
}

func (a *testAPI) waitRun(runID, want string) map[string]any {
	a.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		out := a.expect(http.MethodGet, "/workflows/runs/"+runID+"/status", nil, http.StatusOK)
		got, _ := out["status"].(string)
		if got == want {
			return out
		}
		switch got {
		case "COMPLETED", "FAILED", "CANCELLED":
			a.t.Fatalf("run %s reached %s, want %s (%v)", runID, got, want, out["error"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestWorkflowLifecycle(t *testing.T) {
	api := newTestAPI(t)
	wfID := api.createCommitted("uppercase", upperGraph())

	out := api.expect(http.MethodPost, "/workflows/"+wfID+"/run",
		map[string]any{"inputs": map[string]any{"target": "acme corp"}}, http.StatusAccepted)
	runID, _ := out["runId"].(string)
	if runID == "" {
		t.Fatalf("runId missing: %v", out)
	}

	status := api.waitRun(runID, "COMPLETED")
	states, _ := status["nodeStates"].([]any)
	byNode := map[string]string{}
	for _, raw := range states {
		ns := raw.(map[string]any)
		byNode[ns["nodeId"].(string)] = ns["status"].(string)
	}
	if byNode["entry"] != "success" || byNode["xf"] != "success" {
		t.Fatalf("node states = %v", byNode)
	}

	cfg := api.expect(http.MethodGet, "/executions/"+runID+"/config", nil, http.StatusOK)
	inputs, _ := cfg["inputs"].(map[string]any)
	if inputs["target"] != "acme corp" {
		t.Fatalf("captured inputs = %v", cfg)
	}
	if cfg["workflowVersionId"] != float64(1) {
		t.Fatalf("workflowVersionId = %v", cfg["workflowVersionId"])
	}

	runs := api.expect(http.MethodGet, "/workflows/"+wfID+"/runs", nil, http.StatusOK)
	if list, _ := runs["runs"].([]any); len(list) != 1 {
		t.Fatalf("runs = %v", runs)
	}
}

func TestCommitRejectsBrokenGraph(t *testing.T) {
	api := newTestAPI(t)
	out := api.expect(http.MethodPost, "/workflows", map[string]any{"name": "broken"}, http.StatusCreated)
	wfID := out["id"].(string)

	g := map[string]any{
		"nodes": []any{map[string]any{"id": "n1", "componentId": "no.such.component"}},
		"edges": []any{},
	}
	api.expect(http.MethodPut, "/workflows/"+wfID, g, http.StatusOK)

	validated := api.expect(http.MethodPost, "/workflows/"+wfID+"/validate", nil, http.StatusOK)
	if validated["valid"] != false {
		t.Fatalf("validate = %v", validated)
	}
	commit := api.expect(http.MethodPost, "/workflows/"+wfID+"/commit", nil, http.StatusUnprocessableEntity)
	diags, _ := commit["diagnostics"].([]any)
	if len(diags) == 0 {
		t.Fatal("no diagnostics on broken commit")
	}
}

func TestHumanInputResolve(t *testing.T) {
	api := newTestAPI(t)
	g := map[string]any{
		"nodes": []any{
			map[string]any{
				"id": "entry", "componentId": "core.entrypoint",
				"config": map[string]any{
					"params": map[string]any{
						"runtimeInputs": []any{map[string]any{"id": "target", "type": "text"}},
					},
				},
			},
			map[string]any{"id": "gate", "componentId": "core.approval"},
		},
		"edges": []any{
			map[string]any{
				"id": "e1", "source": "entry", "sourcePort": "target",
				"target": "gate", "targetPort": "summary",
			},
		},
	}
	wfID := api.createCommitted("gated", g)

	out := api.expect(http.MethodPost, "/workflows/"+wfID+"/run",
		map[string]any{"inputs": map[string]any{"target": "prod firewall"}}, http.StatusAccepted)
	runID := out["runId"].(string)

	status := api.waitRun(runID, "AWAITING_INPUT")
	susps, _ := status["outstandingSuspensions"].([]any)
	if len(susps) != 1 {
		t.Fatalf("suspensions = %v", susps)
	}
	sv := susps[0].(map[string]any)
	token := sv["token"].(string)
	if sv["kind"] != "approval" {
		t.Fatalf("suspension kind = %v", sv["kind"])
	}

	api.expect(http.MethodPost, "/humanInputs/"+token+"/resolve",
		map[string]any{"status": "approved"}, http.StatusOK)
	api.waitRun(runID, "COMPLETED")

	// Tokens are single use.
	api.expect(http.MethodPost, "/humanInputs/"+token+"/resolve",
		map[string]any{"status": "approved"}, http.StatusConflict)
	api.expect(http.MethodPost, "/humanInputs/nope/resolve",
		map[string]any{"status": "approved"}, http.StatusNotFound)
}

func TestHumanInputResolveSelectsBranch(t *testing.T) {
	api := newTestAPI(t)
	g := map[string]any{
		"nodes": []any{
			map[string]any{"id": "gate", "componentId": "core.approval",
				"config": map[string]any{
					"inputOverrides": map[string]any{"summary": "rotate the keys?"},
				},
			},
			map[string]any{"id": "logYes", "componentId": "core.log"},
			map[string]any{"id": "logNo", "componentId": "core.log"},
		},
		"edges": []any{
			map[string]any{
				"id": "e1", "source": "gate", "sourcePort": "approved",
				"target": "logYes", "targetPort": "message",
			},
			map[string]any{
				"id": "e2", "source": "gate", "sourcePort": "rejected",
				"target": "logNo", "targetPort": "message",
			},
		},
	}
	wfID := api.createCommitted("branched", g)
	out := api.expect(http.MethodPost, "/workflows/"+wfID+"/run", nil, http.StatusAccepted)
	runID := out["runId"].(string)

	status := api.waitRun(runID, "AWAITING_INPUT")
	susps, _ := status["outstandingSuspensions"].([]any)
	if len(susps) != 1 {
		t.Fatalf("suspensions = %v", susps)
	}
	token := susps[0].(map[string]any)["token"].(string)

	// A responseData that names no branch is rejected and the token survives.
	api.expect(http.MethodPost, "/humanInputs/"+token+"/resolve",
		map[string]any{"status": "resolved", "responseData": map[string]any{"status": "maybe"}},
		http.StatusUnprocessableEntity)

	// The responseData status picks the arm; the outer status is transport.
	api.expect(http.MethodPost, "/humanInputs/"+token+"/resolve",
		map[string]any{"status": "resolved", "responseData": map[string]any{"status": "approved"}},
		http.StatusOK)
	final := api.waitRun(runID, "COMPLETED")

	byNode := map[string]string{}
	states, _ := final["nodeStates"].([]any)
	for _, raw := range states {
		ns := raw.(map[string]any)
		byNode[ns["nodeId"].(string)] = ns["status"].(string)
	}
	if byNode["logYes"] != "success" {
		t.Fatalf("logYes = %v", byNode)
	}
	if byNode["logNo"] != "skipped" {
		t.Fatalf("logNo = %v", byNode)
	}
}

func TestRunLogsStream(t *testing.T) {
	api := newTestAPI(t)
	wfID := api.createCommitted("logged", upperGraph())
	out := api.expect(http.MethodPost, "/workflows/"+wfID+"/run",
		map[string]any{"inputs": map[string]any{"target": "x"}}, http.StatusAccepted)
	runID := out["runId"].(string)
	api.waitRun(runID, "COMPLETED")

	resp, err := api.srv.Client().Get(api.srv.URL + "/executions/" + runID + "/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var kinds []string
	done := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kind := strings.TrimPrefix(line, "event: ")
			if kind == "done" {
				done = true
				break
			}
			kinds = append(kinds, kind)
		}
	}
	if !done {
		t.Fatal("stream never sent done")
	}
	joined := strings.Join(kinds, " ")
	for _, want := range []string{"run.started", "node.started", "node.succeeded", "run.succeeded"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("kinds %v missing %s", kinds, want)
		}
	}
}

func TestWebhookInbound(t *testing.T) {
	api := newTestAPI(t)
	wfID := api.createCommitted("hooked", upperGraph())

	cfg := api.expect(http.MethodPost, "/webhooks/configurations", map[string]any{
		"workflowId": wfID,
		"name":       "github push",
		"script":     "({ target: payload.repository.name })",
	}, http.StatusCreated)
	path, _ := cfg["path"].(string)
	secret, _ := cfg["secret"].(string)
	if path == "" || secret == "" {
		t.Fatalf("webhook config = %v", cfg)
	}

	delivery := `{"repository":{"name":"shipsec"},"pusher":"alice"}`
	req, _ := http.NewRequest(http.MethodPost, api.srv.URL+path, strings.NewReader(delivery))

	// Missing secret is rejected before the script runs.
	resp, err := api.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no secret = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, api.srv.URL+path, strings.NewReader(delivery))
	req.Header.Set(webhookSecretHeader, secret)
	resp, err = api.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	var accepted map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inbound = %d (%v)", resp.StatusCode, accepted)
	}
	runID, _ := accepted["runId"].(string)

	api.waitRun(runID, "COMPLETED")
	got := api.expect(http.MethodGet, "/executions/"+runID+"/config", nil, http.StatusOK)
	if got["trigger"] != "webhook" {
		t.Fatalf("trigger = %v", got["trigger"])
	}
	inputs, _ := got["inputs"].(map[string]any)
	if inputs["target"] != "shipsec" {
		t.Fatalf("parsed inputs = %v", inputs)
	}
}

func TestWebhookRejectsBadRuntimeInputType(t *testing.T) {
	api := newTestAPI(t)
	wfID := api.createCommitted("typed", upperGraph())
	cfg := api.expect(http.MethodPost, "/webhooks/configurations", map[string]any{
		"workflowId": wfID,
		"script":     "({ target: 42 })",
	}, http.StatusCreated)

	req, _ := http.NewRequest(http.MethodPost, api.srv.URL+cfg["path"].(string), strings.NewReader(`{}`))
	req.Header.Set(webhookSecretHeader, cfg["secret"].(string))
	resp, err := api.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("typed mismatch = %d, want 422", resp.StatusCode)
	}
}

func TestSecretsAPI(t *testing.T) {
	api := newTestAPI(t)
	out := api.expect(http.MethodPut, "/secrets/api_key",
		map[string]any{"value": "hunter2"}, http.StatusOK)
	if out["version"] != float64(1) {
		t.Fatalf("put secret = %v", out)
	}
	api.expect(http.MethodPut, "/secrets/api_key",
		map[string]any{"value": "hunter3"}, http.StatusOK)

	list := api.expect(http.MethodGet, "/secrets", nil, http.StatusOK)
	names, _ := list["secrets"].([]any)
	if len(names) != 1 || names[0] != "api_key" {
		t.Fatalf("secret names = %v", names)
	}
	// Values never appear in list responses.
	raw, _ := json.Marshal(list)
	if strings.Contains(string(raw), "hunter") {
		t.Fatalf("secret value leaked: %s", raw)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	wfID := api.createCommitted("nightly", upperGraph())

	api.expect(http.MethodPost, "/workflows/"+wfID+"/schedules",
		map[string]any{"cronExpr": "totally wrong"}, http.StatusBadRequest)

	sc := api.expect(http.MethodPost, "/workflows/"+wfID+"/schedules",
		map[string]any{"cronExpr": "0 3 * * *"}, http.StatusCreated)
	scID, _ := sc["id"].(string)
	if scID == "" || sc["enabled"] != true {
		t.Fatalf("schedule = %v", sc)
	}

	api.expect(http.MethodPost, "/schedules/"+scID+"/disable", nil, http.StatusOK)
	list := api.expect(http.MethodGet, "/schedules", nil, http.StatusOK)
	scs, _ := list["schedules"].([]any)
	if len(scs) != 1 || scs[0].(map[string]any)["enabled"] != false {
		t.Fatalf("schedules = %v", scs)
	}
	api.expect(http.MethodDelete, "/schedules/"+scID, nil, http.StatusNoContent)
}

func TestCancelEndpoint(t *testing.T) {
	api := newTestAPI(t)
	g := map[string]any{
		"nodes": []any{
			map[string]any{
				"id": "wait", "componentId": "core.delay",
				"config": map[string]any{
					"params": map[string]any{"seconds": float64(30)},
				},
			},
		},
		"edges": []any{},
	}
	wfID := api.createCommitted("slow", g)
	out := api.expect(http.MethodPost, "/workflows/"+wfID+"/run", nil, http.StatusAccepted)
	runID := out["runId"].(string)

	api.waitRun(runID, "RUNNING")
	api.expect(http.MethodPost, "/workflows/runs/"+runID+"/cancel", nil, http.StatusAccepted)

	deadline := time.Now().Add(10 * time.Second)
	for {
		status := api.expect(http.MethodGet, "/workflows/runs/"+runID+"/status", nil, http.StatusOK)
		if status["status"] == "CANCELLED" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never cancelled: %v", status["status"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Cancelling a finished run is a no-op, not an error.
	resp, out := api.do(http.MethodPost, fmt.Sprintf("/workflows/runs/%s/cancel", runID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel finished run = %d", resp.StatusCode)
	}
	if out["status"] != "CANCELLED" {
		t.Fatalf("cancel finished run body = %v", out)
	}
}
