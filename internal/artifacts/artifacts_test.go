package artifacts

import (
	"context"
	"io"
	"path/filepath"
	"strings"
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
	objects, err := NewFSStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	return NewManager(s, objects)
}

func TestSaveAndOpen(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, err := m.Save(ctx, "run-1", "scan", "report.json", "application/json", "",
		strings.NewReader(`{"findings":[]}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.SizeBytes != int64(len(`{"findings":[]}`)) {
		t.Fatalf("size = %d", a.SizeBytes)
	}
	if a.Scope != ScopeRun {
		t.Fatalf("scope = %q", a.Scope)
	}

	got, rc, err := m.Open(ctx, a.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != `{"findings":[]}` {
		t.Fatalf("content = %q", b)
	}
	if got.Mime != "application/json" || got.Name != "report.json" {
		t.Fatalf("meta = %+v", got)
	}

	list, err := m.List(ctx, "run-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}

	ref := Reference(a)
	if ref["artifactId"] != a.ID || ref["name"] != "report.json" || ref["scope"] != ScopeRun {
		t.Fatalf("reference = %v", ref)
	}
}

func TestSaveGlobalScope(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, err := m.Save(ctx, "run-1", "scan", "wordlist.txt", "text/plain", ScopeGlobal,
		strings.NewReader("admin\nroot\n"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.Scope != ScopeGlobal {
		t.Fatalf("scope = %q", a.Scope)
	}
	if _, err := m.Save(ctx, "run-1", "scan", "x", "", "team",
		strings.NewReader("x")); err == nil {
		t.Fatal("expected unknown scope to be rejected")
	}
}

func TestFSStore_HostileKey(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFSStore(filepath.Join(root, "objects"))
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	ctx := context.Background()
	// Traversal segments must stay inside the root.
	if _, err := fs.Put(ctx, "../../etc/passwd", strings.NewReader("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := filepath.Glob(filepath.Join(root, "objects", "*")); err != nil {
		t.Fatalf("glob: %v", err)
	}
	rc, err := fs.Get(ctx, "../../etc/passwd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rc.Close()
	if err := fs.Delete(ctx, "../../etc/passwd"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
