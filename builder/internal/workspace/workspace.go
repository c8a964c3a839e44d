// Package workspace owns per-deployment working directories under one root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that do not live under the root.
var ErrOutsideRoot = errors.New("workspace: path outside root")

// Manager hands out one directory per deployment.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Prepare creates an empty directory for identifier, discarding leftovers.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.path(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory previously returned by Prepare.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if !contains(m.root, path) || filepath.Clean(path) == m.root {
		return fmt.Errorf("refusing to cleanup %s: %w", path, ErrOutsideRoot)
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.path(identifier)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

// Sweep removes every entry under the root. It is meant for startup, before
// any worker has prepared a directory.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Within resolves rel against base and rejects results escaping base,
// following symlinks that already exist on disk.
func Within(base, rel string) (string, error) {
	joined := filepath.Join(base, rel)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", err
	}
	if !contains(resolvedBase, resolved) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return resolved, nil
}

func (m *Manager) path(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", errors.New("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return filepath.Join(m.root, identifier), nil
}

func contains(base, path string) bool {
	rel, err := filepath.Rel(base, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
