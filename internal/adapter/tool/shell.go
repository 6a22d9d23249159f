package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/domain"
	"coderelay/internal/infra/tracer"
	"coderelay/internal/usecase/process"
)

const maxCommandTimeout = 3600

// ShellTool runs commands through the process supervisor and waits for them.
// Output streams to observers as it is produced; the planner gets the
// buffered result.
type ShellTool struct {
	supervisor *process.Supervisor
	workspace  Workspace
	bus        domain.EventBus
	timeout    time.Duration // default wait, 0 = until exit
	logger     *slog.Logger
}

// NewShellTool creates the run_command tool.
func NewShellTool(sup *process.Supervisor, ws Workspace, bus domain.EventBus, timeout time.Duration, logger *slog.Logger) *ShellTool {
	return &ShellTool{supervisor: sup, workspace: ws, bus: bus, timeout: timeout, logger: logger}
}

func (t *ShellTool) Name() string { return "run_command" }
func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output. Long-running commands can be stopped by the user."
}

func (t *ShellTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to run"},
				"timeout_seconds": {"type": "integer", "minimum": 0, "description": "Stop the command after this many seconds (optional)"}
			},
			"required": ["command"]
		}`),
	}
}

type shellParams struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.run_command", t.logger, params,
		func(ctx context.Context, span trace.Span, p shellParams) (any, error) {
			if err := RequireField("command", p.Command); err != nil {
				return nil, err
			}
			if err := ValidateRange("timeout_seconds", p.TimeoutSeconds, 0, maxCommandTimeout); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("command", p.Command))

			dir := t.workspace.Root(ctx)
			proc, err := t.supervisor.Spawn(ctx, p.Command, dir)
			if err != nil {
				return nil, err
			}
			PublishLog(ctx, t.bus, proc.Token(), "Running: "+p.Command)

			timeout := t.timeout
			if p.TimeoutSeconds > 0 {
				timeout = time.Duration(p.TimeoutSeconds) * time.Second
			}
			outcome, timedOut, err := t.await(ctx, proc, timeout)
			if err != nil {
				return nil, err
			}

			t.logOutcome(ctx, outcome)
			report := outcome.Report()
			if timedOut {
				report += fmt.Sprintf("\n(Stopped after the %s timeout.)", timeout)
			}
			return &domain.ToolResult{Content: report, IsError: outcome.Result == domain.ProcessFailed}, nil
		},
	)
}

// await waits for proc. On timeout the process is terminated and its final
// outcome still collected; if the request itself is cancelled the process
// is terminated and the cancellation returned.
func (t *ShellTool) await(ctx context.Context, proc *process.Process, timeout time.Duration) (domain.ProcessOutcome, bool, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outcome, err := t.supervisor.AwaitCompletion(waitCtx, proc)
	if err == nil {
		return outcome, false, nil
	}

	stopCtx := context.WithoutCancel(ctx)
	if termErr := t.supervisor.Terminate(stopCtx, proc.Token()); termErr != nil && !errors.Is(termErr, domain.ErrProcessNotFound) {
		t.logger.Warn("terminate after wait failed", "token", proc.Token(), "error", termErr)
	}
	if ctx.Err() != nil {
		return domain.ProcessOutcome{}, false, ctx.Err()
	}
	outcome, err = t.supervisor.AwaitCompletion(stopCtx, proc)
	return outcome, true, err
}

func (t *ShellTool) logOutcome(ctx context.Context, o domain.ProcessOutcome) {
	var line string
	switch o.Result {
	case domain.ProcessSucceeded:
		line = "✅ Command completed successfully: " + o.Command
	case domain.ProcessTerminated:
		line = "🛑 Command was terminated"
	default:
		line = "❌ Command failed with exit code " + strconv.Itoa(o.ExitCode)
	}
	PublishLog(ctx, t.bus, o.Token, line)
}
