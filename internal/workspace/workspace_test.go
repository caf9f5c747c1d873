package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreArchiveAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	path, n, err := m.StoreArchive("run-1", strings.NewReader("zipbytes"), 64)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes, got %d", n)
	}
	if path != m.Layout("run-1").Archive {
		t.Fatalf("unexpected archive path %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if err := m.CleanupByID("run-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(m.Layout("run-1").Dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
}

func TestStoreArchiveEnforcesLimit(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, _, err = m.StoreArchive("run-1", strings.NewReader(strings.Repeat("x", 32)), 16)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := os.Stat(m.Layout("run-1").Dir); !os.IsNotExist(err) {
		t.Fatalf("oversized upload must not leave files behind")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	parent := t.TempDir()
	m, err := New(filepath.Join(parent, "root"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := filepath.Join(parent, "outside")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.Cleanup(outside); err == nil {
		t.Fatalf("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside directory must survive: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected Prepare(%q) to fail", id)
		}
	}
}
