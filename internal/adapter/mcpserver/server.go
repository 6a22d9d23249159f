// Package mcpserver exposes the coding tools, the running-process table and
// the applied-change ledger to external agents over the Model Context
// Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"coderelay/internal/domain"
)

// Processes is the slice of the supervisor the MCP surface drives.
type Processes interface {
	ListLive() []domain.LiveProcess
	Terminate(ctx context.Context, token string) error
}

// Changes is the slice of the ledger the MCP surface drives.
type Changes interface {
	ListSession() []domain.ChangeSummary
	Revert(ctx context.Context, token string) error
	Accept(ctx context.Context, token string) error
}

// Deps wires the server. Processes and Changes are optional; without them
// only the coding tools are exposed.
type Deps struct {
	Tools     []domain.Tool
	Processes Processes
	Changes   Changes
	Workspace string
	Version   string
	Logger    *slog.Logger
}

// Server wraps an MCP server bound to the tool set.
type Server struct {
	mcp       *server.MCPServer
	deps      Deps
	workspace string
	logger    *slog.Logger
}

// New builds the server and registers every tool.
func New(deps Deps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp: server.NewMCPServer("coderelay", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		deps:      deps,
		workspace: deps.Workspace,
		logger:    deps.Logger,
	}

	for _, t := range deps.Tools {
		schema := t.Schema()
		s.mcp.AddTool(mcp.NewToolWithRawSchema(schema.Name, schema.Description, schema.Parameters), s.toolHandler(t))
	}
	if deps.Processes != nil {
		s.registerProcessTools()
	}
	if deps.Changes != nil {
		s.registerChangeTools()
	}
	return s
}

// ServeStdio serves MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio", "tools", len(s.mcp.ListTools()))
	return server.ServeStdio(s.mcp)
}

// ToolNames lists the registered MCP tool names.
func (s *Server) ToolNames() []string {
	tools := s.mcp.ListTools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	return names
}

// toolHandler adapts a domain.Tool to an MCP handler. Tool failures are
// reported as error results, not protocol errors, so the calling agent
// sees the message.
func (s *Server) toolHandler(t domain.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		if s.workspace != "" {
			ctx = domain.WithWorkspace(ctx, s.workspace)
		}

		res, err := t.Execute(ctx, params)
		if err != nil {
			s.logger.Warn("mcp tool failed", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}

func (s *Server) registerProcessTools() {
	s.mcp.AddTool(
		mcp.NewTool("list_processes",
			mcp.WithDescription("List commands that are still running"),
		),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			live := s.deps.Processes.ListLive()
			if len(live) == 0 {
				return mcp.NewToolResultText("No running processes."), nil
			}
			var b strings.Builder
			for _, p := range live {
				fmt.Fprintf(&b, "%s  %s  (in %s)\n", p.Token, p.Command, p.Dir)
			}
			return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
		},
	)
	s.mcp.AddTool(
		mcp.NewTool("stop_process",
			mcp.WithDescription("Stop a running command by its token"),
			mcp.WithString("token", mcp.Required(), mcp.Description("Process token from list_processes")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			token, err := req.RequireString("token")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if err := s.deps.Processes.Terminate(ctx, token); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("Stopped " + token), nil
		},
	)
}

func (s *Server) registerChangeTools() {
	s.mcp.AddTool(
		mcp.NewTool("list_changes",
			mcp.WithDescription("List file changes applied in this session and their review status"),
		),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			changes := s.deps.Changes.ListSession()
			if len(changes) == 0 {
				return mcp.NewToolResultText("No changes this session."), nil
			}
			var b strings.Builder
			for _, c := range changes {
				kind := "modified"
				if c.IsNewFile {
					kind = "new"
				}
				fmt.Fprintf(&b, "%s  %s  %s  [%s]\n", c.Token, c.Path, kind, c.Status)
			}
			return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
		},
	)

	tokenArg := mcp.WithString("token", mcp.Required(), mcp.Description("Change token from list_changes"))
	s.mcp.AddTool(
		mcp.NewTool("revert_change", mcp.WithDescription("Restore a file to its content before a change"), tokenArg),
		s.changeAction("Reverted", s.deps.Changes.Revert),
	)
	s.mcp.AddTool(
		mcp.NewTool("accept_change", mcp.WithDescription("Mark a change as reviewed and kept"), tokenArg),
		s.changeAction("Accepted", s.deps.Changes.Accept),
	)
}

func (s *Server) changeAction(verb string, action func(ctx context.Context, token string) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		token, err := req.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := action(ctx, token); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(verb + " " + token), nil
	}
}
