package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/adapter/workspace"
	"coderelay/internal/domain"
	"coderelay/internal/usecase/ledger"
)

const (
	diffPreviewLen    = 500
	contentPreviewLen = 300
)

// ChangeRecorder records applied file writes so they can be reverted.
type ChangeRecorder interface {
	Record(ctx context.Context, path, oldContent, newContent, diff string, isNewFile bool) string
}

// FileTool reads and writes workspace files. Every write that changes a
// file is recorded as an applied change.
type FileTool struct {
	backend   FilesystemBackend
	workspace Workspace
	changes   ChangeRecorder
	logger    *slog.Logger
}

// NewFileTool creates the manage_file tool.
func NewFileTool(backend FilesystemBackend, ws Workspace, changes ChangeRecorder, logger *slog.Logger) *FileTool {
	return &FileTool{backend: backend, workspace: ws, changes: changes, logger: logger}
}

func (t *FileTool) Name() string { return "manage_file" }
func (t *FileTool) Description() string {
	return "Read or write a file. Writes replace the whole file; the user can review and revert them."
}

func (t *FileTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "description": "read or write"},
				"path": {"type": "string", "description": "File path, relative to the workspace or absolute"},
				"content": {"type": "string", "description": "Full new file content (write only)"}
			},
			"required": ["action", "path"]
		}`),
	}
}

type fileParams struct {
	Action  string  `json:"action"`
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

func (t *FileTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.manage_file", t.logger, params,
		Dispatch(func(p fileParams) string { return p.Action }, ActionMap[fileParams]{
			"read":  t.read,
			"write": t.write,
		}, func(action string, _ []string) string {
			return fmt.Sprintf("%sInvalid action '%s'. Use 'read' or 'write'", errPrefix, action)
		}),
	)
}

func (t *FileTool) read(ctx context.Context, p fileParams) (any, error) {
	path, err := t.workspace.Resolve(ctx, p.Path)
	if err != nil {
		return nil, err
	}
	data, err := t.backend.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrResult("%sFile '%s' does not exist", errPrefix, p.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	if workspace.IsBinary(data) {
		return ErrResult("%sCannot read binary file '%s'", errPrefix, p.Path)
	}

	t.logger.Debug("file read", "path", path, "size", len(data))
	if len(data) == 0 {
		return "(File is empty)", nil
	}
	return string(data), nil
}

func (t *FileTool) write(ctx context.Context, p fileParams) (any, error) {
	if p.Content == nil {
		return ErrResult("Error: content parameter is required for write action")
	}
	content := *p.Content

	path, err := t.workspace.Resolve(ctx, p.Path)
	if err != nil {
		return nil, err
	}

	old, err := t.backend.ReadFile(path)
	switch {
	case err == nil:
		if string(old) == content {
			return fmt.Sprintf("✅ No changes needed - %s already has this content", p.Path), nil
		}
		if err := t.backend.WriteFile(path, []byte(content), t.fileMode(path)); err != nil {
			return nil, fmt.Errorf("write %s: %w", p.Path, err)
		}
		diff := ledger.UnifiedDiff(p.Path, string(old), content)
		t.changes.Record(ctx, path, string(old), content, diff, false)
		t.logger.Debug("file updated", "path", path, "size", len(content))
		return fmt.Sprintf("✅ File updated: %s\n\n📝 Changes applied! The user can review and revert them.\n\nDiff preview:\n%s",
			p.Path, truncate(diff, diffPreviewLen)), nil

	case errors.Is(err, fs.ErrNotExist):
		if err := t.backend.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directories for %s: %w", p.Path, err)
		}
		if err := t.backend.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", p.Path, err)
		}
		t.changes.Record(ctx, path, "", content, ledger.NewFileDiff(path), true)
		t.logger.Debug("file created", "path", path, "size", len(content))
		return fmt.Sprintf("✅ File created: %s\n\n📝 New file created! The user can review and revert it.\n\nPreview:\n%s",
			p.Path, truncate(content, contentPreviewLen)), nil

	default:
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
}

func (t *FileTool) fileMode(path string) os.FileMode {
	if info, err := t.backend.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// ListDirTool lists one directory level.
type ListDirTool struct {
	backend   FilesystemBackend
	workspace Workspace
	logger    *slog.Logger
}

// NewListDirTool creates the list_directory tool.
func NewListDirTool(backend FilesystemBackend, ws Workspace, logger *slog.Logger) *ListDirTool {
	return &ListDirTool{backend: backend, workspace: ws, logger: logger}
}

func (t *ListDirTool) Name() string        { return "list_directory" }
func (t *ListDirTool) Description() string { return "List the files and folders in a directory" }

func (t *ListDirTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path, defaults to the workspace root"}
			}
		}`),
	}
}

type listDirParams struct {
	Path string `json:"path,omitempty"`
}

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_directory", t.logger, params,
		func(ctx context.Context, _ trace.Span, p listDirParams) (any, error) {
			display := p.Path
			if display == "" {
				display = "."
			}
			path, err := t.workspace.Resolve(ctx, p.Path)
			if err != nil {
				return nil, err
			}

			info, err := t.backend.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				return ErrResult("❌ Directory does not exist: %s", display)
			}
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", display, err)
			}
			if !info.IsDir() {
				return ErrResult("❌ Not a directory: %s", display)
			}

			entries, err := t.backend.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", display, err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() {
					names = append(names, e.Name()+"/")
				} else {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)

			if len(names) == 0 {
				return fmt.Sprintf("Contents of %s: (empty)", display), nil
			}
			return fmt.Sprintf("Contents of %s:\n%s", display, strings.Join(names, "\n")), nil
		},
	)
}
