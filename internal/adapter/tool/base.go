package tool

import (
	"context"
	"os"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/adapter/workspace"
	"coderelay/internal/domain"
	"coderelay/internal/infra/tracer"
	"coderelay/internal/security"
)

// ActionHandler is a function that handles a single action for a tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers for an action-based tool.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch creates a handler function for Execute[P] that routes by action
// name. Unknown actions get the message from badAction.
func Dispatch[P any](
	getAction func(P) string,
	actions ActionMap[P],
	badAction func(action string, valid []string) string,
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	validActions := make([]string, 0, len(actions))
	for name := range actions {
		validActions = append(validActions, name)
	}
	sort.Strings(validActions)

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))

		handler, ok := actions[action]
		if !ok {
			return ErrResult("%s", badAction(action, validActions))
		}
		return handler(ctx, p)
	}
}

// Workspace resolves tool paths against the request's workspace.
type Workspace struct {
	// Default is used when the request carries no workspace.
	Default string
	// Restrict rejects paths that resolve outside the workspace.
	Restrict bool
}

// Root returns the workspace for ctx.
func (w Workspace) Root(ctx context.Context) string {
	if ws := domain.WorkspaceFrom(ctx); ws != "" {
		return ws
	}
	if w.Default != "" {
		return w.Default
	}
	wd, _ := os.Getwd()
	return wd
}

// Resolve makes path absolute against the workspace, enforcing the sandbox
// when Restrict is set.
func (w Workspace) Resolve(ctx context.Context, path string) (string, error) {
	root := w.Root(ctx)
	if !w.Restrict {
		return workspace.Resolve(root, path), nil
	}
	sb, err := security.NewSandbox(root)
	if err != nil {
		return "", domain.NewDomainError("Workspace.Resolve", domain.ErrInvalidInput, err.Error())
	}
	return sb.Resolve(path)
}

// PublishLog sends a system log line on the bus. A nil bus is a no-op.
func PublishLog(ctx context.Context, bus domain.EventBus, token, line string) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(domain.EventLog, domain.LogPayload{
		Token:  token,
		Stream: domain.StreamSystem,
		Line:   line,
	}))
}
