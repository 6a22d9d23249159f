// Package workspace indexes and reads files under a workspace root for the
// control surface (@-mention completion, file previews) and the search tools.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns are skipped everywhere: build output, caches, VCS
// metadata and editor folders.
var DefaultIgnorePatterns = []string{
	"*.pyc",
	"__pycache__",
	".git",
	"node_modules",
	".vscode",
	"venv",
	".env",
	"*.egg-info",
	".DS_Store",
	"*.log",
	"dist",
	"build",
	".next",
	".cache",
	"coverage",
}

// IgnoreMatcher decides which workspace paths are skipped.
type IgnoreMatcher struct {
	gi *ignore.GitIgnore
}

// NewIgnoreMatcher compiles the default patterns, extra, and the root's
// .gitignore when one exists.
func NewIgnoreMatcher(root string, extra []string) *IgnoreMatcher {
	lines := make([]string, 0, len(DefaultIgnorePatterns)+len(extra))
	lines = append(lines, DefaultIgnorePatterns...)
	lines = append(lines, extra...)
	if root != "" {
		if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
			lines = append(lines, strings.Split(string(data), "\n")...)
		}
	}
	return &IgnoreMatcher{gi: ignore.CompileIgnoreLines(lines...)}
}

// Match reports whether rel, a slash or OS separated path relative to the
// root, is ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	return m.gi.MatchesPath(filepath.ToSlash(rel))
}
