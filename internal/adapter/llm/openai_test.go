package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: srv.URL + "/",
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, quietLogger())
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestOpenAIProviderChat(t *testing.T) {
	var got openaiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		writeJSON(w, openaiResponse{
			ID:      "chatcmpl-1",
			Model:   "gpt-4o-mini",
			Created: 1700000000,
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "Build passes now."},
				FinishReason: "stop",
			}},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "fix the build"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model, "provider model fills an empty request model")
	assert.Equal(t, "Build passes now.", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
	assert.Equal(t, time.Unix(1700000000, 0), resp.CreatedAt)
}

func TestOpenAIProviderToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, openaiResponse{Choices: []openaiChoice{{
			Message: openaiMessage{Role: "assistant", ToolCalls: []openaiToolCall{
				{ID: "call_1", Type: "function", Function: openaiToolCallFunction{Name: "read_file", Arguments: `{"path":"main.go"}`}},
				{ID: "call_2", Type: "function", Function: openaiToolCallFunction{Name: "list_processes"}},
			}},
			FinishReason: "tool_calls",
		}}})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 2)
	assert.Equal(t, "read_file", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"main.go"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.JSONEq(t, `{}`, string(resp.Message.ToolCalls[1].Arguments), "empty arguments become an empty object")
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":"slow"}`, domain.ErrRateLimit},
		{"auth", http.StatusUnauthorized, `{"error":"bad key"}`, domain.ErrAuthInvalid},
		{"server", http.StatusBadGateway, `oops`, domain.ErrProviderError},
		{"bad json", http.StatusOK, `{not json`, domain.ErrProviderError},
		{"no choices", http.StatusOK, `{"choices":[]}`, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := p.Chat(context.Background(), domain.ChatRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIProviderUnreachable(t *testing.T) {
	p, err := NewOpenAIProvider(config.ProviderConfig{Name: "local", Type: "ollama", BaseURL: "http://127.0.0.1:1"}, quietLogger())
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestOpenAIProviderContextCancelled(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewOpenAIProviderKeyRules(t *testing.T) {
	_, err := NewOpenAIProvider(config.ProviderConfig{Name: "my-openai", Type: "openai"}, quietLogger())
	require.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Contains(t, err.Error(), "CODERELAY_LLM_PROVIDER_MY_OPENAI_API_KEY")

	p, err := NewOpenAIProvider(config.ProviderConfig{Name: "local", Type: "ollama"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, ollamaBaseURL, p.baseURL)
	assert.Equal(t, "local", p.Name())
}

func TestToOpenAIRequest(t *testing.T) {
	req := domain.ChatRequest{
		Model:       "m",
		MaxTokens:   256,
		Temperature: 0.2,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "c1", Name: "run_command", Arguments: json.RawMessage(`{"command":"go test"}`)},
			}},
			{Role: domain.RoleTool, Content: "ok", ToolCallID: "c1", Name: "run_command"},
		},
		Tools: []domain.ToolSchema{{Name: "run_command", Description: "run", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}

	out := toOpenAIRequest(req)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, 256, out.MaxTokens)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 0.2, *out.Temperature, 1e-9)

	call := out.Messages[1].ToolCalls
	require.Len(t, call, 1)
	assert.Equal(t, "function", call[0].Type)
	assert.Equal(t, `{"command":"go test"}`, call[0].Function.Arguments)

	assert.Equal(t, "c1", out.Messages[2].ToolCallID)
	assert.Empty(t, out.Messages[2].ToolCalls)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "run_command", out.Tools[0].Function.Name)
}

func TestToOpenAIRequestOmitsZeroTemperature(t *testing.T) {
	out := toOpenAIRequest(domain.ChatRequest{Model: "m"})
	assert.Nil(t, out.Temperature)
	body, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "tools")
}
