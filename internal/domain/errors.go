package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrInvalidState     = fmt.Errorf("invalid state")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrIOFailure        = fmt.Errorf("io failure")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	// Process supervisor.
	ErrProcessNotFound = fmt.Errorf("process not found")
	ErrProcessFinished = fmt.Errorf("process already finished")
	ErrStreamClosed    = fmt.Errorf("process input stream closed")

	// Applied-change ledger.
	ErrChangeNotFound  = fmt.Errorf("change not found")
	ErrAlreadyReverted = fmt.Errorf("change already reverted")

	// Event bus.
	ErrObserverGone = fmt.Errorf("observer gone")

	// Tools and agent.
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrMaxIterations      = fmt.Errorf("agent reached max iterations")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")

	// Chat sessions.
	ErrSessionNotFound = fmt.Errorf("session not found")

	// Config.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Resilience errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.SendInput")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "process", "ledger"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category carried in RPC error frames.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeProcessNotFound    ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessFinished    ErrorCode = "PROCESS_FINISHED"
	CodeStreamClosed       ErrorCode = "STREAM_CLOSED"
	CodeChangeNotFound     ErrorCode = "CHANGE_NOT_FOUND"
	CodeAlreadyReverted    ErrorCode = "ALREADY_REVERTED"
	CodeObserverGone       ErrorCode = "OBSERVER_GONE"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"

	// Category error codes, the fallback when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeIOFailure        ErrorCode = "IO_FAILURE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrInvalidState:     CodeInvalidState,
	ErrInvalidInput:     CodeInvalidInput,
	ErrIOFailure:        CodeIOFailure,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrProviderError:    CodeProviderError,

	ErrProcessNotFound:    CodeProcessNotFound,
	ErrProcessFinished:    CodeProcessFinished,
	ErrStreamClosed:       CodeStreamClosed,
	ErrChangeNotFound:     CodeChangeNotFound,
	ErrAlreadyReverted:    CodeAlreadyReverted,
	ErrObserverGone:       CodeObserverGone,
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrMaxIterations:      CodeMaxIterations,
	ErrPathOutsideSandbox: CodePathOutsideSandbox,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrRateLimit:          CodeRateLimit,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrContextOverflow:    CodeContextOverflow,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"process": CodeProcessNotFound,
		"ledger":  CodeChangeNotFound,
		"chat":    CodeSessionNotFound,
	},
	ErrInvalidState: {
		"process": CodeProcessFinished,
		"ledger":  CodeAlreadyReverted,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Specific sentinels in the chain win over category sentinels; a DomainError
// with a SubSystem resolves category sentinels through subSystemCodeMap.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown && !isCategory(de.Err) {
			return code
		}
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
	}

	// Specific sentinels first, then categories.
	var fallback ErrorCode = CodeUnknown
	for sentinel, code := range errorCodeMap {
		if !errors.Is(err, sentinel) {
			continue
		}
		if !isCategory(sentinel) {
			return code
		}
		fallback = code
	}
	return fallback
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

func isCategory(err error) bool {
	switch err {
	case ErrNotFound, ErrInvalidState, ErrInvalidInput, ErrIOFailure,
		ErrTimeout, ErrLimitReached, ErrPermissionDenied, ErrProviderError:
		return true
	}
	return false
}
