// Package artifacts stores binary outputs produced by component invocations.
// Metadata lives in the relational store; bytes live behind ObjectStore so a
// deployment can swap the local filesystem for a bucket without touching the
// engine.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shipsec/shipsec/internal/store"
)

// ErrNoStore is returned when an invocation has no artifact storage at all.
var ErrNoStore = errors.New("no artifact store configured")

// Artifact scopes. Run-scoped artifacts belong to one execution; global ones
// outlive it (shared wordlists, tenant-wide reports).
const (
	ScopeRun    = "run"
	ScopeGlobal = "global"
)

// ObjectStore is the byte backend.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Manager pairs artifact metadata with object storage.
type Manager struct {
	store   *store.Store
	objects ObjectStore
}

func NewManager(s *store.Store, objects ObjectStore) *Manager {
	return &Manager{store: s, objects: objects}
}

// Save streams r into object storage and records the artifact. The object key
// embeds run and node so orphaned objects are attributable.
func (m *Manager) Save(ctx context.Context, runID, nodeID, name, mime, scope string, r io.Reader) (*store.Artifact, error) {
	switch scope {
	case "":
		scope = ScopeRun
	case ScopeRun, ScopeGlobal:
	default:
		return nil, fmt.Errorf("artifact %s: unknown scope %q", name, scope)
	}
	id := ulid.Make().String()
	key := fmt.Sprintf("%s/%s/%s-%s", runID, nodeID, id, name)
	size, err := m.objects.Put(ctx, key, r)
	if err != nil {
		return nil, fmt.Errorf("store artifact %s: %w", name, err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	a := &store.Artifact{
		ID:        id,
		RunID:     runID,
		NodeID:    nodeID,
		Name:      name,
		Mime:      mime,
		Scope:     scope,
		SizeBytes: size,
		Path:      key,
	}
	if err := m.store.InsertArtifact(ctx, a); err != nil {
		// The object is already written; leave it for attribution by key.
		return nil, fmt.Errorf("record artifact %s: %w", name, err)
	}
	return a, nil
}

// Open returns the artifact's metadata and a reader over its bytes.
func (m *Manager) Open(ctx context.Context, id string) (*store.Artifact, io.ReadCloser, error) {
	a, err := m.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := m.objects.Get(ctx, a.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact %s: %w", id, err)
	}
	return a, rc, nil
}

// List returns a run's artifacts in creation order.
func (m *Manager) List(ctx context.Context, runID string) ([]store.Artifact, error) {
	return m.store.ListArtifacts(ctx, runID)
}

// Reference is the value placed on a node output port for a produced file.
func Reference(a *store.Artifact) map[string]any {
	return map[string]any{
		"artifactId": a.ID,
		"name":       a.Name,
		"mime":       a.Mime,
		"scope":      a.Scope,
		"sizeBytes":  a.SizeBytes,
		"createdAt":  a.CreatedAt.Format(time.RFC3339),
	}
}
