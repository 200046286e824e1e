package types

import "fmt"

// ErrorCode classifies a workflow error across package boundaries.
type ErrorCode string

// Workflow error codes
const (
	ErrAnalysisFailed   ErrorCode = "ANALYSIS_FAILED"
	ErrExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	ErrApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrIterationLimit   ErrorCode = "ITERATION_LIMIT"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrInvalidDecision  ErrorCode = "INVALID_DECISION"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
)

// Recovery error codes
const (
	ErrRecoveryFailed      ErrorCode = "RECOVERY_FAILED"
	ErrRecoveryBlocked     ErrorCode = "RECOVERY_BLOCKED"
	ErrCheckpointCorrupted ErrorCode = "CHECKPOINT_CORRUPTED"
	ErrCheckpointNotFound  ErrorCode = "CHECKPOINT_NOT_FOUND"
)

// RecoveryPhase tags where resume-from-checkpoint reconstruction broke.
type RecoveryPhase string

const (
	PhaseValidation RecoveryPhase = "validation"
	PhaseWorkflow   RecoveryPhase = "workflow"
	PhaseAgents     RecoveryPhase = "agents"
	PhaseContext    RecoveryPhase = "context"
	PhaseFilesystem RecoveryPhase = "filesystem"
)

// Error is a structured error with a code and optional recovery metadata.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
	Phase     RecoveryPhase `json:"phase,omitempty"`
	Blockers  []string      `json:"blockers,omitempty"`
	Cause     error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPhase tags the recovery phase where reconstruction broke.
func (e *Error) WithPhase(phase RecoveryPhase) *Error {
	e.Phase = phase
	return e
}

// WithBlockers lists what structurally prevents recovery. Blocked recovery
// errors must name their blockers instead of failing opaquely.
func (e *Error) WithBlockers(blockers ...string) *Error {
	e.Blockers = append(e.Blockers, blockers...)
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" for foreign
// errors.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
