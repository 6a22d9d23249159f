package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Supervisor.Terminate", ErrProcessNotFound, "ab12cd34")
	want := "Supervisor.Terminate: ab12cd34: process not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Agent.Run", ErrMaxIterations, "")
	want := "Agent.Run: agent reached max iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Ledger.Revert", ErrAlreadyReverted, "tok")
	if !errors.Is(err, ErrAlreadyReverted) {
		t.Error("errors.Is should match ErrAlreadyReverted")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDomainError("Ledger.Accept", ErrChangeNotFound, "x"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Ledger.Accept", de.Op)
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.ErrorIs(t, WrapOp("op", ErrIOFailure), ErrIOFailure)
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct sentinel", ErrProcessFinished, CodeProcessFinished},
		{"domain error", NewDomainError("Supervisor.SendInput", ErrStreamClosed, "tok"), CodeStreamClosed},
		{"subsystem category", NewSubSystemError("ledger", "Ledger.Revert", ErrInvalidState, "tok"), CodeAlreadyReverted},
		{"subsystem not found", NewSubSystemError("process", "Supervisor.Terminate", ErrNotFound, "tok"), CodeProcessNotFound},
		{"unmapped subsystem falls back to category", NewSubSystemError("other", "X", ErrNotFound, ""), CodeNotFound},
		{"wrapped specific", fmt.Errorf("ctx: %w", ErrRPCInvalidPayload), CodeRPCInvalidPayload},
		{"gateway auth wraps auth invalid", ErrGatewayAuthFailed, CodeGatewayAuth},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestErrorCodeOfPrefersSpecificOverCategory(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrIOFailure, ErrStreamClosed)
	assert.Equal(t, CodeStreamClosed, ErrorCodeOf(err))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrRateLimit)))
	assert.False(t, IsRetryableError(ErrChangeNotFound))
}
