package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/domain"
)

type echoTool struct {
	gotWorkspace string
	gotParams    json.RawMessage
	fail         bool
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echo the text back" }
func (t *echoTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        "echo",
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
}

func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	t.gotWorkspace = domain.WorkspaceFrom(ctx)
	t.gotParams = params
	var p struct{ Text string }
	json.Unmarshal(params, &p)
	return &domain.ToolResult{Content: "echo: " + p.Text, IsError: t.fail}, nil
}

type fakeProcesses struct{ stopped []string }

func (f *fakeProcesses) ListLive() []domain.LiveProcess {
	return []domain.LiveProcess{{Token: "p1", Command: "npm run dev", Dir: "/w"}}
}

func (f *fakeProcesses) Terminate(_ context.Context, token string) error {
	if token != "p1" {
		return domain.ErrProcessNotFound
	}
	f.stopped = append(f.stopped, token)
	return nil
}

type fakeChanges struct{ reverted, accepted []string }

func (f *fakeChanges) ListSession() []domain.ChangeSummary {
	return []domain.ChangeSummary{{Token: "c1", Path: "/w/a.go", IsNewFile: true, Status: domain.ChangeApplied}}
}

func (f *fakeChanges) Revert(_ context.Context, token string) error {
	f.reverted = append(f.reverted, token)
	return nil
}

func (f *fakeChanges) Accept(_ context.Context, token string) error {
	if token == "gone" {
		return domain.ErrChangeNotFound
	}
	f.accepted = append(f.accepted, token)
	return nil
}

func newTestServer(t *testing.T) (*Server, *echoTool, *fakeProcesses, *fakeChanges) {
	t.Helper()
	echo := &echoTool{}
	procs := &fakeProcesses{}
	changes := &fakeChanges{}
	s := New(Deps{
		Tools:     []domain.Tool{echo},
		Processes: procs,
		Changes:   changes,
		Workspace: "/w",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, echo, procs, changes
}

func call(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool, ok := s.mcp.ListTools()[name]
	require.True(t, ok, "tool %s not registered", name)
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestRegistersAllTools(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	names := s.ToolNames()
	sort.Strings(names)
	assert.Equal(t, []string{"accept_change", "echo", "list_changes", "list_processes", "revert_change", "stop_process"}, names)

	schema := s.mcp.ListTools()["echo"].Tool.RawInputSchema
	assert.JSONEq(t, `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`, string(schema))
}

func TestToolsOnly(t *testing.T) {
	s := New(Deps{Tools: []domain.Tool{&echoTool{}}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Equal(t, []string{"echo"}, s.ToolNames())
}

func TestDomainToolCall(t *testing.T) {
	s, echo, _, _ := newTestServer(t)

	res := call(t, s, "echo", map[string]any{"text": "hi"})
	assert.False(t, res.IsError)
	assert.Equal(t, "echo: hi", text(t, res))
	assert.Equal(t, "/w", echo.gotWorkspace)
	assert.JSONEq(t, `{"text":"hi"}`, string(echo.gotParams))

	echo.fail = true
	res = call(t, s, "echo", map[string]any{"text": "bad"})
	assert.True(t, res.IsError)
}

func TestProcessTools(t *testing.T) {
	s, _, procs, _ := newTestServer(t)

	assert.Contains(t, text(t, call(t, s, "list_processes", nil)), "p1  npm run dev")

	res := call(t, s, "stop_process", map[string]any{"token": "p1"})
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"p1"}, procs.stopped)

	res = call(t, s, "stop_process", map[string]any{"token": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "process not found")

	res = call(t, s, "stop_process", map[string]any{})
	assert.True(t, res.IsError)
}

func TestChangeTools(t *testing.T) {
	s, _, _, changes := newTestServer(t)

	assert.Equal(t, "c1  /w/a.go  new  [applied]", text(t, call(t, s, "list_changes", nil)))

	assert.Equal(t, "Reverted c1", text(t, call(t, s, "revert_change", map[string]any{"token": "c1"})))
	assert.Equal(t, "Accepted c2", text(t, call(t, s, "accept_change", map[string]any{"token": "c2"})))
	assert.Equal(t, []string{"c1"}, changes.reverted)
	assert.Equal(t, []string{"c2"}, changes.accepted)

	res := call(t, s, "accept_change", map[string]any{"token": "gone"})
	assert.True(t, res.IsError)
}
