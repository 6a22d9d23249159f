package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/domain"
	"coderelay/internal/infra/tracer"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a coding assistant working inside the user's workspace.
Use run_command to run shell commands, manage_file to read and write files,
find_file to locate files and list_directory to inspect folders.
Relative paths are resolved against the workspace. Prefer small, verifiable
steps and report what you changed.`

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	LLM           domain.LLMProvider
	Tools         domain.ToolExecutor
	Progress      domain.ProgressReporter // optional, nil = no progress tasks
	Logger        *slog.Logger
	Model         string
	SystemPrompt  string
	MaxIterations int
	MaxHistory    int // messages of history sent to the planner, 0 = all
}

// Agent runs the planner ↔ tool loop for one request.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 10
	}
	if deps.SystemPrompt == "" {
		deps.SystemPrompt = DefaultSystemPrompt
	}
	return &Agent{deps: deps}
}

// Run continues the conversation in history. It returns the final reply and
// the messages produced along the way (assistant turns and tool results), in
// order, so the caller can persist them.
func (a *Agent) Run(ctx context.Context, history []domain.Message) (string, []domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.run")
	defer span.End()

	var produced []domain.Message
	for i := 0; i < a.deps.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", produced, err
		}
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		convo := make([]domain.Message, 0, len(history)+len(produced))
		convo = append(append(convo, history...), produced...)
		req := a.buildRequest(convo)

		llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_call")
		resp, err := a.deps.LLM.Chat(llmCtx, req)
		llmSpan.End()
		if err != nil {
			tracer.RecordError(span, err)
			return "", produced, domain.WrapOp("Agent.Run", err)
		}

		msg := resp.Message
		msg.Role = domain.RoleAssistant
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		produced = append(produced, msg)

		a.deps.Logger.Debug("planner response",
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if len(msg.ToolCalls) == 0 {
			tracer.SetOK(span)
			return msg.Content, produced, nil
		}

		// Tools run one after another: a later call may read what an
		// earlier one wrote.
		for _, call := range msg.ToolCalls {
			produced = append(produced, a.executeTool(ctx, call))
		}
	}

	tracer.RecordError(span, domain.ErrMaxIterations)
	return "", produced, domain.ErrMaxIterations
}

func (a *Agent) buildRequest(history []domain.Message) domain.ChatRequest {
	if a.deps.MaxHistory > 0 && len(history) > a.deps.MaxHistory {
		history = history[len(history)-a.deps.MaxHistory:]
	}
	history = repairTranscript(history)
	msgs := make([]domain.Message, 0, len(history)+1)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: a.deps.SystemPrompt})
	msgs = append(msgs, history...)
	return domain.ChatRequest{
		Model:    a.deps.Model,
		Messages: msgs,
		Tools:    a.deps.Tools.Schemas(),
	}
}

// executeTool runs a single tool call and returns the result as a Message.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall) domain.Message {
	task := a.startTask(call)

	content, failed := a.invoke(ctx, call)

	if task != "" {
		if failed {
			a.deps.Progress.UpdateTask(task, domain.TaskError, firstLine(content))
		} else {
			a.deps.Progress.UpdateTask(task, domain.TaskCompleted, "")
		}
	}
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		Content:    content,
		ToolCallID: call.ID,
		Timestamp:  time.Now(),
	}
}

func (a *Agent) invoke(ctx context.Context, call domain.ToolCall) (string, bool) {
	tool, err := a.deps.Tools.Get(call.Name)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		a.deps.Logger.Warn("tool failed", "tool", call.Name, "error", err)
		return "Error: " + err.Error(), true
	}
	return res.Content, res.IsError
}

func (a *Agent) startTask(call domain.ToolCall) string {
	if a.deps.Progress == nil {
		return ""
	}
	return a.deps.Progress.AddTask(TaskName(call.Name), describeCall(call))
}

// TaskName maps a tool to the progress label shown to the user.
func TaskName(tool string) string {
	switch tool {
	case "run_command":
		return "Running command"
	case "manage_file":
		return "File operation"
	case "find_file":
		return "Searching files"
	case "list_directory":
		return "Listing directory"
	default:
		return "Processing"
	}
}

// describeCall picks the most telling argument for the progress detail.
func describeCall(call domain.ToolCall) string {
	var args map[string]any
	if json.Unmarshal(call.Arguments, &args) != nil {
		return call.Name
	}
	for _, key := range []string{"command", "path", "filename", "search_dir"} {
		if v, ok := args[key].(string); ok && v != "" {
			if action, ok := args["action"].(string); ok && key == "path" {
				return action + " " + v
			}
			return v
		}
	}
	return call.Name
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
