package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver canonicalizes workspace-relative paths and rejects escapes.
type Resolver struct {
	Root string

	// AllowHome permits absolute paths under the user's home directory,
	// for tools that take a user-specified folder outside the workspace.
	AllowHome bool
}

// Resolve returns an absolute, cleaned path within the workspace root (or
// under HOME when AllowHome is set).
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if within(rootAbs, targetAbs) {
		return targetAbs, nil
	}
	if r.AllowHome {
		if home, err := os.UserHomeDir(); err == nil && within(home, targetAbs) {
			return targetAbs, nil
		}
	}
	return "", fmt.Errorf("path escapes workspace: %s", path)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
