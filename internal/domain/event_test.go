package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRoundTripsPayload(t *testing.T) {
	ev := NewEvent(EventLog, LogPayload{Token: "abc", Stream: StreamStderr, Line: "oops"})
	assert.Equal(t, EventLog, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())

	var p LogPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, StreamStderr, p.Stream)
	assert.Equal(t, "oops", p.Line)
}

func TestNewEventNilPayload(t *testing.T) {
	ev := NewEvent(EventPing, nil)
	assert.Nil(t, ev.Payload)
}

func TestNewEventPanicsOnBadPayload(t *testing.T) {
	assert.Panics(t, func() { NewEvent(EventLog, func() {}) })
}

func TestPublishReport(t *testing.T) {
	r := PublishReport{Results: []DeliveryResult{
		{ObserverID: "a", Status: Delivered},
		{ObserverID: "b", Status: ObserverGone},
		{ObserverID: "c", Status: Delivered},
	}}
	assert.Equal(t, 2, r.Delivered())
	assert.Equal(t, []string{"b"}, r.Pruned())
}

func TestProcessOutcomeReport(t *testing.T) {
	tests := []struct {
		name     string
		outcome  ProcessOutcome
		contains []string
	}{
		{"success with output", ProcessOutcome{Result: ProcessSucceeded, Stdout: []string{"hello"}},
			[]string{"Command executed successfully.", "hello"}},
		{"success silent", ProcessOutcome{Result: ProcessSucceeded},
			[]string{"no output produced"}},
		{"terminated", ProcessOutcome{Result: ProcessTerminated, ExitCode: 130},
			[]string{"terminated by user"}},
		{"failure", ProcessOutcome{Result: ProcessFailed, ExitCode: 2, Stdout: []string{"partial"}, Stderr: []string{"bad flag"}},
			[]string{"exit_code 2", "Error:\nbad flag", "Output:\npartial"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.outcome.Report()
			for _, want := range tt.contains {
				assert.True(t, strings.Contains(report, want), "report %q missing %q", report, want)
			}
		})
	}
}

func TestNewTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := NewToken()
		require.Len(t, tok, TokenLength)
		seen[tok] = true
	}
	assert.Greater(t, len(seen), 95)
}

func TestTaskStatusValid(t *testing.T) {
	assert.True(t, TaskCompleted.Valid())
	assert.False(t, TaskStatus("done").Valid())
}
