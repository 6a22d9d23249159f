// Package security confines tool file access to the request's workspace.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"coderelay/internal/domain"
)

// Sandbox enforces that paths stay inside a workspace root.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", resolved)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (s *Sandbox) Root() string { return s.root }

// Resolve interprets a relative path against the root and validates it.
func (s *Sandbox) Resolve(requested string) (string, error) {
	if requested == "" || requested == "." {
		return s.root, nil
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.root, requested)
	}
	return s.ValidatePath(requested)
}

// ValidatePath checks that requested resolves inside the root, following
// symlinks. Paths that do not exist yet are checked through their nearest
// existing ancestor, so a file in a directory about to be created passes.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	existing, rest := abs, ""
	resolved, err := filepath.EvalSymlinks(existing)
	for err != nil {
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
		resolved, err = filepath.EvalSymlinks(existing)
	}
	if rest != "" {
		resolved = filepath.Join(resolved, rest)
	}

	if !s.Contains(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("%q is outside workspace %q", requested, s.root))
	}
	return resolved, nil
}

// Contains reports whether an already resolved path is the root or below it.
func (s *Sandbox) Contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
