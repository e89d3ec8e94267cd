package server

import (
	"encoding/json"
	"time"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type createWorkflowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type commitRequest struct {
	// Version selects the graph version to compile; 0 means latest.
	Version int `json:"version,omitempty"`
}

type commitResponse struct {
	WorkflowID  string                `json:"workflowId"`
	Version     int                   `json:"version"`
	PlanHash    string                `json:"planHash,omitempty"`
	Valid       bool                  `json:"valid"`
	Diagnostics []compiler.Diagnostic `json:"diagnostics"`
}

type startRunRequest struct {
	Inputs  map[string]any `json:"inputs,omitempty"`
	Version int            `json:"version,omitempty"`
}

type startRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

type nodeStateView struct {
	NodeID     string `json:"nodeId"`
	ChildIndex int    `json:"childIndex"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

type suspensionView struct {
	Token     string         `json:"token"`
	NodeID    string         `json:"nodeId"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	TimeoutAt *time.Time     `json:"timeoutAt,omitempty"`
}

type runStatusResponse struct {
	RunID                  string           `json:"runId"`
	WorkflowID             string           `json:"workflowId"`
	Status                 string           `json:"status"`
	Error                  string           `json:"error,omitempty"`
	NodeStates             []nodeStateView  `json:"nodeStates"`
	OutstandingSuspensions []suspensionView `json:"outstandingSuspensions"`
}

type resolveRequest struct {
	Status       string         `json:"status,omitempty"`
	ResponseData map[string]any `json:"responseData,omitempty"`
	Comment      string         `json:"comment,omitempty"`
}

type putSecretRequest struct {
	Value string `json:"value"`
}

type createScheduleRequest struct {
	CronExpr string `json:"cronExpr"`
}

type webhookConfigRequest struct {
	WorkflowID string `json:"workflowId"`
	Name       string `json:"name,omitempty"`
	Script     string `json:"script,omitempty"`
}

type webhookConfigResponse struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Secret string `json:"secret"`
}

// apiRunStatus maps internal run states onto the published status values.
func apiRunStatus(s store.RunStatus) string {
	switch s {
	case store.RunPending:
		return "PENDING"
	case store.RunRunning:
		return "RUNNING"
	case store.RunSuspended:
		return "AWAITING_INPUT"
	case store.RunSucceeded:
		return "COMPLETED"
	case store.RunFailed:
		return "FAILED"
	case store.RunCancelled:
		return "CANCELLED"
	}
	return string(s)
}

func apiNodeStatus(s store.NodeStatus) string {
	switch s {
	case store.NodePending:
		return "idle"
	case store.NodeRunning:
		return "running"
	case store.NodeRetrying:
		return "waiting"
	case store.NodeSuspended:
		return "awaiting_input"
	case store.NodeSucceeded:
		return "success"
	case store.NodeFailed, store.NodeCancelled:
		return "error"
	case store.NodeSkipped:
		return "skipped"
	}
	return string(s)
}

func suspensionViews(susps []store.Suspension) []suspensionView {
	out := make([]suspensionView, 0, len(susps))
	for _, sp := range susps {
		var payload map[string]any
		if len(sp.PayloadJSON) > 0 {
			_ = json.Unmarshal(sp.PayloadJSON, &payload)
		}
		sv := suspensionView{
			Token:     sp.Token,
			NodeID:    sp.NodeID,
			Kind:      sp.Kind,
			Status:    string(sp.Status),
			Payload:   payload,
			CreatedAt: sp.CreatedAt,
		}
		if sp.TimeoutAt.Valid {
			t := sp.TimeoutAt.Time
			sv.TimeoutAt = &t
		}
		out = append(out, sv)
	}
	return out
}
