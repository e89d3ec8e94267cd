package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/schedule"
	"github.com/shipsec/shipsec/internal/store"
)

const maxBodyBytes = 4 << 20

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	wf := &store.Workflow{
		ID:          ulid.Make().String(),
		Name:        req.Name,
		Description: req.Description,
	}
	if err := s.deps.Store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateGraph saves the request body as a new draft version of the
// workflow's graph. Only shape is checked here; type rules wait for commit.
func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetWorkflow(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := graph.Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := s.deps.Store.SaveVersion(r.Context(), id, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflowId": id, "version": version})
}

// compileVersion loads and compiles one stored graph version. version 0 means
// latest.
func (s *Server) compileVersion(r *http.Request, workflowID string, version int) (*compiler.Plan, int, []compiler.Diagnostic, error) {
	ver, err := s.deps.Store.GetVersion(r.Context(), workflowID, version)
	if err != nil {
		return nil, 0, nil, err
	}
	g, err := graph.Decode(ver.GraphJSON)
	if err != nil {
		return nil, ver.Version, nil, err
	}
	plan, diags := s.deps.Compiler.Compile(g)
	return plan, ver.Version, diags, nil
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req commitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, version, diags, err := s.compileVersion(r, id, req.Version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := commitResponse{WorkflowID: id, Version: version, Diagnostics: diags}
	if compiler.HasErrors(diags) {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	snapshot, err := plan.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Commit is idempotent: recompiling an unchanged graph yields the same
	// content hash and the insert is a no-op.
	if err := s.deps.Store.SavePlan(r.Context(), &store.PlanRecord{
		Hash:       plan.Hash,
		WorkflowID: id,
		Version:    version,
		Snapshot:   snapshot,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Valid = true
	resp.PlanHash = plan.Hash
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req commitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, version, diags, err := s.compileVersion(r, id, req.Version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse{
		WorkflowID:  id,
		Version:     version,
		Valid:       !compiler.HasErrors(diags),
		Diagnostics: diags,
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, _, diags, err := s.compileVersion(r, id, req.Version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if compiler.HasErrors(diags) {
		writeJSON(w, http.StatusUnprocessableEntity, commitResponse{
			WorkflowID: id, Diagnostics: diags,
		})
		return
	}
	run, err := s.deps.Engine.StartRun(r.Context(), plan, id, store.TriggerManual, req.Inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: run.ID, Status: apiRunStatus(run.Status)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		views = append(views, map[string]any{
			"runId":     run.ID,
			"status":    apiRunStatus(run.Status),
			"trigger":   string(run.Trigger),
			"createdAt": run.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	states, err := s.deps.Store.GetNodeStates(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	susps, err := s.deps.Store.OpenSuspensions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodeViews := make([]nodeStateView, 0, len(states))
	for _, ns := range states {
		nodeViews = append(nodeViews, nodeStateView{
			NodeID:     ns.NodeID,
			ChildIndex: ns.ChildIndex,
			Status:     apiNodeStatus(ns.Status),
			Attempt:    ns.Attempt,
			Error:      ns.Error,
		})
	}
	writeJSON(w, http.StatusOK, runStatusResponse{
		RunID:                  run.ID,
		WorkflowID:             run.WorkflowID,
		Status:                 apiRunStatus(run.Status),
		Error:                  run.Error,
		NodeStates:             nodeViews,
		OutstandingSuspensions: suspensionViews(susps),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.deps.Engine.Cancel(runID)
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}
	run, gerr := s.deps.Store.GetRun(r.Context(), runID)
	if gerr != nil {
		writeStoreError(w, gerr)
		return
	}
	if run.Status.Terminal() {
		// Cancelling a finished run changes nothing.
		writeJSON(w, http.StatusOK, map[string]string{"status": apiRunStatus(run.Status)})
		return
	}
	writeError(w, http.StatusConflict, fmt.Sprintf("run %s is not active in this process", runID))
}

// handleRunConfig returns the captured trigger inputs and the bound version,
// enough to rerun the workflow as it ran.
func (s *Server) handleRunConfig(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	planRec, err := s.deps.Store.GetPlan(r.Context(), run.PlanHash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var inputs map[string]any
	if len(run.TriggerPayload) > 0 {
		_ = json.Unmarshal(run.TriggerPayload, &inputs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":             run.ID,
		"workflowId":        run.WorkflowID,
		"workflowVersionId": planRec.Version,
		"planHash":          run.PlanHash,
		"trigger":           string(run.Trigger),
		"inputs":            inputs,
	})
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	arts, err := s.deps.Artifacts.List(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refs := make([]map[string]any, 0, len(arts))
	for i := range arts {
		refs = append(refs, artifacts.Reference(&arts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": refs})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	a, rc, err := s.deps.Artifacts.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer rc.Close()
	mime := a.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	if a.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	}
	_, _ = io.Copy(w, rc)
}

// handleResolveHumanInput consumes a single-use suspension token. The
// responseData carries the answer; for a branching gate its status field (or
// an approved boolean) selects the arm that fires. Without responseData the
// request's own status string stands in as the answer.
func (s *Server) handleResolveHumanInput(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resolution := req.ResponseData
	if resolution == nil {
		if req.Status == "" {
			writeError(w, http.StatusBadRequest, "status or responseData is required")
			return
		}
		resolution = map[string]any{"status": req.Status}
	}
	if req.Comment != "" {
		resolution["comment"] = req.Comment
	}
	if err := s.deps.Engine.Resolve(r.Context(), token, resolution); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown suspension token")
		case errors.Is(err, store.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, "suspension already resolved")
		case fault.KindOf(err) == fault.KindValidation:
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req putSecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	version, err := s.deps.Secrets.Put(r.Context(), name, req.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "version": version})
}

// handleListSecrets returns names only. Values never leave the store through
// the API.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Secrets.Names(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": names})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetWorkflow(r.Context(), workflowID); err != nil {
		writeStoreError(w, err)
		return
	}
	var req createScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := schedule.Validate(req.CronExpr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc := &store.Schedule{
		ID:         ulid.Make().String(),
		WorkflowID: workflowID,
		CronExpr:   req.CronExpr,
		Enabled:    true,
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), sc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scs, err := s.deps.Store.ListSchedules(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scs})
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := s.deps.Store.SetScheduleEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody tolerates an empty body so POST endpoints with all-optional
// fields can be called without one.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
