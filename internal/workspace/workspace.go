package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	archiveName = "upload.zip"
	projectName = "project"
)

// ErrTooLarge indicates a stored upload exceeded the caller's byte limit.
var ErrTooLarge = errors.New("workspace: upload exceeds size limit")

// Manager owns run-specific working directories under a common root.
type Manager struct {
	root string
}

// Layout names the files that make up one run workspace.
type Layout struct {
	Dir     string
	Archive string
	Project string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Layout returns the paths for identifier without touching the filesystem.
func (m *Manager) Layout(identifier string) Layout {
	dir := filepath.Join(m.root, identifier)
	return Layout{
		Dir:     dir,
		Archive: filepath.Join(dir, archiveName),
		Project: filepath.Join(dir, projectName),
	}
}

// Prepare creates an empty directory for the provided identifier.
func (m *Manager) Prepare(identifier string) (Layout, error) {
	if err := validIdentifier(identifier); err != nil {
		return Layout{}, err
	}
	layout := m.Layout(identifier)
	if err := os.RemoveAll(layout.Dir); err != nil {
		return Layout{}, fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(layout.Dir, 0o755); err != nil {
		return Layout{}, fmt.Errorf("create workspace: %w", err)
	}
	return layout, nil
}

// StoreArchive copies src into the workspace archive file. limit > 0 caps the
// stored size; a larger upload is removed and reported as ErrTooLarge.
func (m *Manager) StoreArchive(identifier string, src io.Reader, limit int64) (string, int64, error) {
	layout, err := m.Prepare(identifier)
	if err != nil {
		return "", 0, err
	}
	out, err := os.OpenFile(layout.Archive, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create archive file: %w", err)
	}
	reader := src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = m.Cleanup(layout.Dir)
		return "", 0, fmt.Errorf("store archive: %w", err)
	}
	if limit > 0 && n > limit {
		_ = m.Cleanup(layout.Dir)
		return "", 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return layout.Archive, n, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}
