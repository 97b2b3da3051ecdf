package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveUnder canonicalizes p against the workspace root and requires the
// result to be the root itself or a strict descendant. The check is a
// full-segment comparison via filepath.Rel, so a sibling directory whose
// name merely starts with the root's name ("/work" vs "/workspace") cannot
// slip through a naive string-prefix test. Symlinks in the existing portion
// of both paths are resolved first so a link cannot re-point a confined
// path outside the root.
func ResolveUnder(workspace, p string) (string, error) {
	base, err := canonicalize(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target, err = canonicalize(target)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", p, err)
	}

	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, p)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside workspace", ErrPathEscape, p)
	}
	return target, nil
}

// canonicalize cleans path and resolves symlinks over its longest existing
// prefix, so confinement holds for paths that do not exist yet.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up to the closest existing ancestor, resolve it, then re-attach
	// the non-existent tail.
	dir, tail := abs, ""
	for {
		parent := filepath.Dir(dir)
		tail = filepath.Join(filepath.Base(dir), tail)
		dir = parent
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if parent == filepath.Dir(parent) {
			return abs, nil
		}
	}
}
