package chat

import (
	"time"

	"coderelay/internal/domain"
)

// missingResult is the tool content injected for a call that never got a result.
const missingResult = "Error: tool call did not produce a result"

// repairTranscript returns history with every tool chain closed: tool
// results without a preceding call are dropped, and calls that never got a
// result receive an error result right after their chain. The input is not
// modified.
func repairTranscript(history []domain.Message) []domain.Message {
	if len(history) == 0 {
		return history
	}

	out := make([]domain.Message, 0, len(history))
	var pending []domain.ToolCall

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleTool:
			i := indexCall(pending, msg.ToolCallID)
			if i < 0 {
				continue
			}
			pending = append(pending[:i], pending[i+1:]...)
			out = append(out, msg)
		case domain.RoleAssistant:
			out = closeCalls(out, pending)
			pending = pending[:0]
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending = append(pending, call)
				}
			}
			out = append(out, msg)
		default:
			out = closeCalls(out, pending)
			pending = pending[:0]
			out = append(out, msg)
		}
	}
	return closeCalls(out, pending)
}

func indexCall(calls []domain.ToolCall, id string) int {
	if id == "" {
		return -1
	}
	for i, c := range calls {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func closeCalls(msgs []domain.Message, pending []domain.ToolCall) []domain.Message {
	for _, call := range pending {
		msgs = append(msgs, domain.Message{
			Role:       domain.RoleTool,
			Name:       call.Name,
			Content:    missingResult,
			ToolCallID: call.ID,
			Timestamp:  time.Now(),
		})
	}
	return msgs
}
