package runner

import (
	"context"
	"io"
	"log/slog"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/secrets"
)

// ProgressFunc emits one progress event from a running invocation. Events are
// appended to the run's durable log and fanned out to live SSE subscribers.
type ProgressFunc func(kind string, data map[string]any)

// Capability is the sealed object a component implementation receives.
// Components reach the platform only through it: no store handles, no engine
// internals. A nil-safe zero value is usable in tests.
type Capability struct {
	RunID    string
	NodeID   string
	TenantID string

	logger    *slog.Logger
	secrets   secrets.Resolver
	artifacts *artifacts.Manager
	progress  ProgressFunc
}

// NewCapability builds the capability for one invocation.
func NewCapability(runID, nodeID, tenantID string, logger *slog.Logger, sec secrets.Resolver, art *artifacts.Manager, progress ProgressFunc) *Capability {
	return &Capability{
		RunID:     runID,
		NodeID:    nodeID,
		TenantID:  tenantID,
		logger:    logger,
		secrets:   sec,
		artifacts: art,
		progress:  progress,
	}
}

// Logger returns the invocation-scoped structured logger.
func (c *Capability) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Secret resolves the latest version of a named secret.
func (c *Capability) Secret(ctx context.Context, name string) (string, error) {
	if c == nil || c.secrets == nil {
		return "", secrets.ErrNoResolver
	}
	return c.secrets.Secret(ctx, name)
}

// ExpandSecrets substitutes {{secrets.NAME}} references in s.
func (c *Capability) ExpandSecrets(ctx context.Context, s string) (string, error) {
	if c == nil || c.secrets == nil {
		return "", secrets.ErrNoResolver
	}
	return secrets.Expand(ctx, c.secrets, s)
}

// SaveArtifact stores a binary output and returns its port reference value.
// Scope is artifacts.ScopeRun or artifacts.ScopeGlobal; empty means run.
func (c *Capability) SaveArtifact(ctx context.Context, name, mime, scope string, r io.Reader) (map[string]any, error) {
	if c == nil || c.artifacts == nil {
		return nil, artifacts.ErrNoStore
	}
	a, err := c.artifacts.Save(ctx, c.RunID, c.NodeID, name, mime, scope, r)
	if err != nil {
		return nil, err
	}
	return artifacts.Reference(a), nil
}

// Progress emits a progress event; a nil capability or sink drops it.
func (c *Capability) Progress(kind string, data map[string]any) {
	if c == nil || c.progress == nil {
		return
	}
	c.progress(kind, data)
}

// Artifacts exposes read access for runners that collect container outputs.
func (c *Capability) Artifacts() *artifacts.Manager {
	if c == nil {
		return nil
	}
	return c.artifacts
}
