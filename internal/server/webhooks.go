package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/store"
)

const webhookSecretHeader = "X-Webhook-Secret"

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	if _, err := s.deps.Store.GetWorkflow(r.Context(), req.WorkflowID); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Script != "" {
		// Compile once now so a broken script fails registration, not the
		// first delivery.
		if _, err := goja.Compile("webhook", req.Script, false); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing script: %v", err))
			return
		}
	}
	wh := &store.Webhook{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		Name:       req.Name,
		Secret:     uuid.NewString(),
		Script:     req.Script,
		Enabled:    true,
	}
	if err := s.deps.Store.CreateWebhook(r.Context(), wh); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The secret is returned exactly once, at registration.
	writeJSON(w, http.StatusCreated, webhookConfigResponse{
		ID:     wh.ID,
		Path:   "/webhooks/inbound/" + wh.ID,
		Secret: wh.Secret,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	whs, err := s.deps.Store.ListWebhooks(r.Context(), r.URL.Query().Get("workflowId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": whs})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhookInbound is the public ingress: it authenticates the delivery,
// runs the registered parsing script over the payload, validates the result
// against the workflow's runtime inputs, and starts a run.
func (s *Server) handleWebhookInbound(w http.ResponseWriter, r *http.Request) {
	wh, err := s.deps.Store.GetWebhook(r.Context(), chi.URLParam(r, "path"))
	if err != nil || !wh.Enabled {
		// Unknown and disabled paths are indistinguishable to callers.
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(webhookSecretHeader)), []byte(wh.Secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		payload = string(body)
	}

	inputs, err := runParsingScript(wh.Script, payload, headerMap(r.Header))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	plan, _, diags, err := s.compileVersion(r, wh.WorkflowID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if compiler.HasErrors(diags) {
		writeError(w, http.StatusConflict, "workflow does not compile")
		return
	}
	if err := checkRuntimeInputs(plan, inputs); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	run, err := s.deps.Engine.StartRun(r.Context(), plan, wh.WorkflowID, store.TriggerWebhook, inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runId": run.ID})
}

// runParsingScript evaluates the webhook's script in a fresh VM with the
// delivery payload and headers in scope. VMs are never shared across
// deliveries. An empty script passes the payload through unchanged, which
// then must already be an object.
func runParsingScript(script string, payload any, headers map[string]string) (map[string]any, error) {
	if script == "" {
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("payload is not an object and no parsing script is registered")
		}
		return m, nil
	}
	vm := goja.New()
	if err := vm.Set("payload", payload); err != nil {
		return nil, err
	}
	if err := vm.Set("headers", headers); err != nil {
		return nil, err
	}
	v, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("parsing script: %v", err)
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parsing script must evaluate to an object")
	}
	return m, nil
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

// checkRuntimeInputs validates the parsed inputs against the typed output
// ports the plan's entry nodes declare.
func checkRuntimeInputs(plan *compiler.Plan, inputs map[string]any) error {
	for _, entryID := range plan.Entries {
		node, ok := plan.Node(entryID)
		if !ok {
			continue
		}
		for _, out := range node.Outputs {
			v, present := inputs[out.ID]
			if !present {
				continue
			}
			if err := checkValueType(out.Type, v); err != nil {
				return fmt.Errorf("runtime input %s: %w", out.ID, err)
			}
		}
	}
	return nil
}

func checkValueType(t ports.Type, v any) error {
	if v == nil {
		return nil
	}
	switch t.Kind {
	case ports.KindList:
		elems, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
		for _, e := range elems {
			if err := checkValueType(t.ElemType(), e); err != nil {
				return err
			}
		}
		return nil
	case ports.KindContract, ports.KindMap:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
		return nil
	}
	switch t.Primitive {
	case ports.Text:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
	case ports.Number:
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
	case ports.Boolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
	case ports.File:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected %s", ports.Describe(t))
		}
	}
	return nil
}
