package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/domain"
)

func roles(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestRepairTranscriptKeepsCompleteChains(t *testing.T) {
	in := []domain.Message{
		{Role: domain.RoleUser, Content: "list files"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a", Name: "list_directory"}, {ID: "b", Name: "find_file"}}},
		{Role: domain.RoleTool, ToolCallID: "b", Content: "found"},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "x.go"},
		{Role: domain.RoleAssistant, Content: "done"},
	}
	assert.Equal(t, in, repairTranscript(in))
}

func TestRepairTranscriptInjectsMissingResults(t *testing.T) {
	in := []domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a", Name: "run_command"}, {ID: "b", Name: "manage_file"}}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "ok"},
		{Role: domain.RoleUser, Content: "next"},
	}
	out := repairTranscript(in)

	require.Equal(t, []string{domain.RoleAssistant, domain.RoleTool, domain.RoleTool, domain.RoleUser}, roles(out))
	assert.Equal(t, "b", out[2].ToolCallID)
	assert.Equal(t, "manage_file", out[2].Name)
	assert.Equal(t, missingResult, out[2].Content)
}

func TestRepairTranscriptClosesTrailingCalls(t *testing.T) {
	out := repairTranscript([]domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a", Name: "run_command"}}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[1].ToolCallID)
}

func TestRepairTranscriptDropsOrphans(t *testing.T) {
	out := repairTranscript([]domain.Message{
		{Role: domain.RoleTool, ToolCallID: "gone", Content: "stale"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleTool, Content: "no id"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleTool, ToolCallID: "a"},
		{Role: domain.RoleTool, ToolCallID: "a"},
	})
	assert.Equal(t, []string{domain.RoleUser, domain.RoleAssistant, domain.RoleTool}, roles(out))
}

func TestRepairTranscriptDoesNotModifyInput(t *testing.T) {
	in := []domain.Message{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}}},
	}
	repairTranscript(in)
	assert.Len(t, in, 1)
	assert.Nil(t, repairTranscript(nil))
}
