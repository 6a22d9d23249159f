package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/adapter/workspace"
	"coderelay/internal/domain"
	"coderelay/internal/infra/tracer"
)

// DefaultFindLimit caps how many matches find_file reports.
const DefaultFindLimit = 50

// FindTool searches for files by name or glob below a directory.
type FindTool struct {
	workspace Workspace
	limit     int
	logger    *slog.Logger
}

// NewFindTool creates the find_file tool.
func NewFindTool(ws Workspace, limit int, logger *slog.Logger) *FindTool {
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	return &FindTool{workspace: ws, limit: limit, logger: logger}
}

func (t *FindTool) Name() string { return "find_file" }
func (t *FindTool) Description() string {
	return "Find files by exact name or glob pattern (e.g. *.go) in a directory and its subdirectories"
}

func (t *FindTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"filename": {"type": "string", "description": "File name or glob pattern"},
				"search_dir": {"type": "string", "description": "Directory to search, defaults to the workspace root"}
			},
			"required": ["filename"]
		}`),
	}
}

type findParams struct {
	Filename  string `json:"filename"`
	SearchDir string `json:"search_dir,omitempty"`
}

func (t *FindTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.find_file", t.logger, params,
		func(ctx context.Context, span trace.Span, p findParams) (any, error) {
			if err := RequireField("filename", p.Filename); err != nil {
				return nil, err
			}
			if _, err := filepath.Match(p.Filename, ""); err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", p.Filename, err)
			}
			display := p.SearchDir
			if display == "" {
				display = "."
			}
			dir, err := t.workspace.Resolve(ctx, p.SearchDir)
			if err != nil {
				return nil, err
			}

			found, truncated, err := t.search(ctx, dir, p.Filename)
			if errors.Is(err, fs.ErrNotExist) {
				return ErrResult("❌ Directory does not exist: %s", display)
			}
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("matches", len(found)))

			if len(found) == 0 {
				return fmt.Sprintf("File '%s' not found in '%s' or its subdirectories.", p.Filename, display), nil
			}
			out := "Found file(s):\n" + strings.Join(found, "\n")
			if truncated {
				out += fmt.Sprintf("\n(showing the first %d matches)", t.limit)
			}
			return out, nil
		},
	)
}

// search walks dir, skipping ignored directories, and returns paths relative
// to dir whose base name matches pattern.
func (t *FindTool) search(ctx context.Context, dir, pattern string) ([]string, bool, error) {
	matcher := workspace.NewIgnoreMatcher(dir, nil)
	var found []string
	truncated := false

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(dir, path)
		if matcher.Match(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok || d.Name() == pattern {
			if len(found) == t.limit {
				truncated = true
				return fs.SkipAll
			}
			found = append(found, filepath.ToSlash(rel))
		}
		return nil
	})
	return found, truncated, err
}
