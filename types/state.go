package types

import "time"

// Status represents the lifecycle status of a workflow thread.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAnalyzing        Status = "analyzing"
	StatusRouting          Status = "routing"
	StatusExecuting        Status = "executing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleting       Status = "completing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAborted          Status = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Analysis is the structured output of the initial decomposition step.
// It must be present before the workflow can be routed.
type Analysis struct {
	Summary       string         `json:"summary"`
	Complexity    string         `json:"complexity,omitempty"`
	RequiredRoles []string       `json:"required_roles"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RoutingHints are worker-supplied signals consumed by the thinking router.
type RoutingHints struct {
	NeedsApproval bool     `json:"needs_approval,omitempty"`
	HasFailures   bool     `json:"has_failures,omitempty"`
	SuggestedNext []string `json:"suggested_next,omitempty"`
}

// AgentOutput is one entry of the append-only output log. The most recent
// entry drives routing decisions.
type AgentOutput struct {
	Role         string       `json:"role"`
	Success      bool         `json:"success"`
	Output       string       `json:"output,omitempty"`
	Error        string       `json:"error,omitempty"`
	RoutingHints RoutingHints `json:"routing_hints"`
	DurationMS   int64        `json:"duration_ms"`
	GroupID      string       `json:"group_id,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// WorkflowState is the complete state of one workflow thread. It is owned
// exclusively by the graph engine during execution and persisted by the
// checkpoint store between suspensions.
type WorkflowState struct {
	// Immutable identity and input.
	ThreadID  string `json:"thread_id"`
	TaskID    string `json:"task_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Prompt    string `json:"prompt"`

	Status   Status    `json:"status"`
	Analysis *Analysis `json:"analysis,omitempty"`

	// Static fallback plan: the ordered list of roles still to run.
	CurrentAgent string   `json:"current_agent,omitempty"`
	AgentQueue   []string `json:"agent_queue,omitempty"`

	// Append-only output log.
	AgentOutputs []AgentOutput `json:"agent_outputs"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Present only while/after an approval round; cleared once consumed.
	ApprovalResponse *ApprovalResponse `json:"approval_response,omitempty"`

	// Append-only decision audit trail.
	ThinkingHistory []ThinkingStep `json:"thinking_history"`

	// Rejection loop state.
	StyleIterationCount int      `json:"style_iteration_count"`
	MaxIterations       int      `json:"max_iterations"`
	RejectedOptionIDs   []string `json:"rejected_option_ids,omitempty"`
	UserFeedback        string   `json:"user_feedback,omitempty"`

	// WaitingOn names what a suspended thread is waiting for ("approval",
	// or an interrupt node name). Empty while running.
	WaitingOn string `json:"waiting_on,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastOutput returns the most recent agent output, or nil if none exists.
func (s *WorkflowState) LastOutput() *AgentOutput {
	if len(s.AgentOutputs) == 0 {
		return nil
	}
	return &s.AgentOutputs[len(s.AgentOutputs)-1]
}

// AppendOutput appends an entry to the output log and bumps UpdatedAt.
func (s *WorkflowState) AppendOutput(out AgentOutput) {
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	s.AgentOutputs = append(s.AgentOutputs, out)
	s.UpdatedAt = time.Now()
}

// AppendThinking appends a thinking step with the next monotonic step
// number and returns it.
func (s *WorkflowState) AppendThinking(trigger ThinkingTrigger, summary, reasoning string, decision *OrchestratorDecision) ThinkingStep {
	step := ThinkingStep{
		Step:         len(s.ThinkingHistory) + 1,
		Timestamp:    time.Now(),
		Trigger:      trigger,
		StateSummary: summary,
		Reasoning:    reasoning,
		Decision:     decision,
	}
	s.ThinkingHistory = append(s.ThinkingHistory, step)
	s.UpdatedAt = time.Now()
	return step
}

// Clone returns a deep copy of the state. Checkpoints snapshot a clone so
// later mutation of the live state cannot leak into stored history.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	if s.Analysis != nil {
		a := *s.Analysis
		if s.Analysis.RequiredRoles != nil {
			a.RequiredRoles = append([]string(nil), s.Analysis.RequiredRoles...)
		}
		if s.Analysis.Metadata != nil {
			a.Metadata = make(map[string]any, len(s.Analysis.Metadata))
			for k, v := range s.Analysis.Metadata {
				a.Metadata[k] = v
			}
		}
		c.Analysis = &a
	}
	c.AgentQueue = append([]string(nil), s.AgentQueue...)
	c.AgentOutputs = append([]AgentOutput(nil), s.AgentOutputs...)
	c.ThinkingHistory = append([]ThinkingStep(nil), s.ThinkingHistory...)
	c.RejectedOptionIDs = append([]string(nil), s.RejectedOptionIDs...)
	if s.ApprovalResponse != nil {
		r := *s.ApprovalResponse
		c.ApprovalResponse = &r
	}
	return &c
}
