package secrets

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/shipsec/shipsec/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s)
}

func TestExpand(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	if _, err := m.Put(ctx, "shodan_api_key", "s3cret"); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := Expand(ctx, m, "curl -H 'X-Key: {{secrets.shodan_api_key}}' https://api.shodan.io")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := "curl -H 'X-Key: s3cret' https://api.shodan.io"
	if out != want {
		t.Fatalf("out = %q, want %q", out, want)
	}

	// Unknown reference is an error, not an empty substitution.
	if _, err := Expand(ctx, m, "{{secrets.missing}}"); err == nil {
		t.Fatal("unknown secret expanded")
	}

	// No references passes through untouched.
	out, err = Expand(ctx, m, "plain text")
	if err != nil || out != "plain text" {
		t.Fatalf("passthrough = %q, %v", out, err)
	}
}

func TestExpand_Whitespace(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	if _, err := m.Put(ctx, "token", "abc"); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := Expand(ctx, m, "{{ secrets.token }}")
	if err != nil || out != "abc" {
		t.Fatalf("out = %q, %v", out, err)
	}
}

func TestVersionPinning(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	if _, err := m.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := m.Put(ctx, "k", "v2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	latest, err := m.Secret(ctx, "k")
	if err != nil || latest != "v2" {
		t.Fatalf("latest = %q, %v", latest, err)
	}
	pinned, err := m.SecretVersion(ctx, "k", 1)
	if err != nil || pinned != "v1" {
		t.Fatalf("pinned = %q, %v", pinned, err)
	}
}

func TestRedact(t *testing.T) {
	line := fmt.Sprintf("auth failed for key %s at upstream", "s3cret")
	got := Redact(line, []string{"s3cret", ""})
	if got != "auth failed for key [redacted] at upstream" {
		t.Fatalf("redacted = %q", got)
	}
}
