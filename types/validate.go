package types

import "context"

// ValidationResult is the outcome of a guardrail check on worker output.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Validator is the external guardrail contract consulted before worker
// output is accepted. Implementations are supplied by the caller; the
// workflow core only branches on Valid.
type Validator interface {
	Validate(ctx context.Context, output string, kind string, meta map[string]any) (*ValidationResult, error)
}
