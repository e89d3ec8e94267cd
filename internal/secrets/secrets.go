// Package secrets resolves named, versioned secret values for component
// invocations. Values never appear in node outputs, run events, or logs;
// components receive them only through the runner capability.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shipsec/shipsec/internal/store"
)

// ErrNoResolver is returned when an invocation has no secret access at all.
var ErrNoResolver = errors.New("no secret resolver configured")

// Resolver is the read surface handed to runners.
type Resolver interface {
	// Secret returns the latest version of the named secret.
	Secret(ctx context.Context, name string) (string, error)
}

// Manager is the store-backed Resolver plus the write surface used by the
// REST API.
type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

func (m *Manager) Secret(ctx context.Context, name string) (string, error) {
	rec, err := m.store.GetSecret(ctx, name, 0)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return string(rec.Value), nil
}

// SecretVersion returns a pinned version of the named secret.
func (m *Manager) SecretVersion(ctx context.Context, name string, version int) (string, error) {
	rec, err := m.store.GetSecret(ctx, name, version)
	if err != nil {
		return "", fmt.Errorf("secret %s v%d: %w", name, version, err)
	}
	return string(rec.Value), nil
}

// Put stores a new version of the named secret and returns its version.
func (m *Manager) Put(ctx context.Context, name, value string) (int, error) {
	return m.store.PutSecret(ctx, name, []byte(value))
}

// Names lists registered secret names, never values.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	return m.store.ListSecretNames(ctx)
}

var refPattern = regexp.MustCompile(`\{\{\s*secrets\.([A-Za-z0-9_.-]+)\s*\}\}`)

// Expand substitutes {{secrets.NAME}} references in s. Unknown references are
// an error rather than a silent empty string.
func Expand(ctx context.Context, r Resolver, s string) (string, error) {
	var expandErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		if expandErr != nil {
			return match
		}
		name := refPattern.FindStringSubmatch(match)[1]
		v, err := r.Secret(ctx, name)
		if err != nil {
			expandErr = err
			return match
		}
		return v
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// Redact replaces every occurrence of the given secret values in s, for use
// on log lines and error strings before they are persisted.
func Redact(s string, values []string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "[redacted]")
	}
	return s
}
