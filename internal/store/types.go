package store

import (
	"database/sql"
	"time"
)

// RunStatus is the run lifecycle state machine. Terminal states are
// succeeded, failed, and cancelled.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// NodeStatus is the per-invocation state machine.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeRetrying  NodeStatus = "retrying"
	NodeSuspended NodeStatus = "suspended"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// TriggerKind names how a run was started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerAPI      TriggerKind = "api"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
)

type Workflow struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

type WorkflowVersion struct {
	WorkflowID string    `db:"workflow_id" json:"workflowId"`
	Version    int       `db:"version" json:"version"`
	GraphJSON  []byte    `db:"graph_json" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// PlanRecord binds a content-hashed plan snapshot to the workflow version it
// was compiled from.
type PlanRecord struct {
	Hash       string    `db:"hash" json:"hash"`
	WorkflowID string    `db:"workflow_id" json:"workflowId"`
	Version    int       `db:"version" json:"version"`
	Snapshot   []byte    `db:"snapshot" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type Run struct {
	ID             string       `db:"id" json:"id"`
	WorkflowID     string       `db:"workflow_id" json:"workflowId"`
	PlanHash       string       `db:"plan_hash" json:"planHash"`
	Status         RunStatus    `db:"status" json:"status"`
	Trigger        TriggerKind  `db:"trigger_kind" json:"trigger"`
	TriggerPayload []byte       `db:"trigger_payload" json:"-"`
	Error          string       `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	StartedAt      sql.NullTime `db:"started_at" json:"-"`
	FinishedAt     sql.NullTime `db:"finished_at" json:"-"`
}

// NodeState is one node invocation. ChildIndex is -1 for the scalar
// invocation and the element index for fan-out children.
type NodeState struct {
	RunID      string     `db:"run_id" json:"runId"`
	NodeID     string     `db:"node_id" json:"nodeId"`
	ChildIndex int        `db:"child_index" json:"childIndex"`
	Status     NodeStatus `db:"status" json:"status"`
	Attempt    int        `db:"attempt" json:"attempt"`
	OutputJSON []byte     `db:"output_json" json:"-"`
	ErrorKind  string     `db:"error_kind" json:"errorKind,omitempty"`
	Error      string     `db:"error" json:"error,omitempty"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// SuspensionStatus is the suspension lifecycle. Only pending suspensions can
// be resolved; every other status is final.
type SuspensionStatus string

const (
	SuspensionPending   SuspensionStatus = "pending"
	SuspensionResolved  SuspensionStatus = "resolved"
	SuspensionExpired   SuspensionStatus = "expired"
	SuspensionCancelled SuspensionStatus = "cancelled"
)

// Suspension is a parked human-input request. Token is single use: resolution
// moves the row out of pending exactly once.
type Suspension struct {
	Token          string           `db:"token" json:"token"`
	RunID          string           `db:"run_id" json:"runId"`
	NodeID         string           `db:"node_id" json:"nodeId"`
	Kind           string           `db:"kind" json:"kind"`
	Status         SuspensionStatus `db:"status" json:"status"`
	PayloadJSON    []byte           `db:"payload_json" json:"-"`
	CreatedAt      time.Time        `db:"created_at" json:"createdAt"`
	TimeoutAt      sql.NullTime     `db:"timeout_at" json:"-"`
	ResolvedAt     sql.NullTime     `db:"resolved_at" json:"-"`
	ResolutionJSON []byte           `db:"resolution_json" json:"-"`
}

func (s Suspension) Resolved() bool { return s.Status == SuspensionResolved }

// RunEvent is one append-only progress event; the SSE stream replays these.
type RunEvent struct {
	Seq       int64     `db:"seq" json:"seq"`
	RunID     string    `db:"run_id" json:"runId"`
	NodeID    string    `db:"node_id" json:"nodeId,omitempty"`
	Kind      string    `db:"kind" json:"kind"`
	DataJSON  []byte    `db:"data_json" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Artifact metadata. Scope is "run" for outputs tied to one execution and
// "global" for artifacts meant to outlive it.
type Artifact struct {
	ID        string    `db:"id" json:"id"`
	RunID     string    `db:"run_id" json:"runId"`
	NodeID    string    `db:"node_id" json:"nodeId"`
	Name      string    `db:"name" json:"name"`
	Mime      string    `db:"mime" json:"mime"`
	Scope     string    `db:"scope" json:"scope"`
	SizeBytes int64     `db:"size_bytes" json:"sizeBytes"`
	Path      string    `db:"path" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Schedule struct {
	ID         string    `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflowId"`
	CronExpr   string    `db:"cron_expr" json:"cronExpr"`
	Enabled    bool      `db:"enabled" json:"enabled"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type Webhook struct {
	ID         string    `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflowId"`
	Name       string    `db:"name" json:"name"`
	Secret     string    `db:"secret" json:"-"`
	Script     string    `db:"script" json:"script,omitempty"`
	Enabled    bool      `db:"enabled" json:"enabled"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type SecretRecord struct {
	Name      string    `db:"name" json:"name"`
	Version   int       `db:"version" json:"version"`
	Value     []byte    `db:"value" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
