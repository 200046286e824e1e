package types

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrExecutionFailed, "worker crashed")
	if got := err.Error(); got != "[EXECUTION_FAILED] worker crashed" {
		t.Errorf("unexpected message: %q", got)
	}

	cause := errors.New("connection reset")
	err = NewError(ErrRecoveryFailed, "resume failed").WithCause(cause).WithPhase(PhaseWorkflow)
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("cause not included: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
	if err.Phase != PhaseWorkflow {
		t.Errorf("phase = %q, want %q", err.Phase, PhaseWorkflow)
	}
}

func TestErrorRetryable(t *testing.T) {
	err := NewError(ErrExecutionFailed, "transient").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("expected retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestGetErrorCode(t *testing.T) {
	if code := GetErrorCode(NewError(ErrCheckpointCorrupted, "bad hash")); code != ErrCheckpointCorrupted {
		t.Errorf("code = %q", code)
	}
	if code := GetErrorCode(errors.New("plain")); code != "" {
		t.Errorf("expected empty code for foreign error, got %q", code)
	}
}

func TestRecoveryBlockedListsBlockers(t *testing.T) {
	err := NewError(ErrRecoveryBlocked, "cannot reconstruct").
		WithBlockers("missing agent outputs", "unknown tenant")
	if len(err.Blockers) != 2 {
		t.Fatalf("blockers = %v", err.Blockers)
	}
}
