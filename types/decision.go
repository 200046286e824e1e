package types

import "time"

// ThinkingTrigger identifies the event that prompted a routing decision.
type ThinkingTrigger string

const (
	TriggerInitial           ThinkingTrigger = "initial"
	TriggerAgentCompleted    ThinkingTrigger = "agent_completed"
	TriggerParallelCompleted ThinkingTrigger = "parallel_completed"
	TriggerApprovalReceived  ThinkingTrigger = "approval_received"
	TriggerErrorOccurred     ThinkingTrigger = "error_occurred"
	TriggerTimeout           ThinkingTrigger = "timeout"
)

// ThinkingStep is one immutable entry of the decision audit trail. The
// sequence of steps is sufficient to reconstruct why each transition
// happened.
type ThinkingStep struct {
	Step         int                   `json:"step"`
	Timestamp    time.Time             `json:"timestamp"`
	Trigger      ThinkingTrigger       `json:"trigger"`
	StateSummary string                `json:"state_summary"`
	Reasoning    string                `json:"reasoning"`
	Decision     *OrchestratorDecision `json:"decision,omitempty"`
}

// DecisionAction is the action selected by the thinking router. The graph
// engine only branches on this value.
type DecisionAction string

const (
	ActionDispatch         DecisionAction = "dispatch"
	ActionParallelDispatch DecisionAction = "parallel_dispatch"
	ActionApproval         DecisionAction = "approval"
	ActionComplete         DecisionAction = "complete"
	ActionFail             DecisionAction = "fail"
	ActionWait             DecisionAction = "wait"
)

// DispatchTarget addresses one worker invocation.
type DispatchTarget struct {
	Role        string   `json:"role"`
	Style       string   `json:"style,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	ContextRefs []string `json:"context_refs,omitempty"`
}

// OrchestratorDecision is the sole output contract of the thinking router.
type OrchestratorDecision struct {
	Reasoning      string            `json:"reasoning"`
	Action         DecisionAction    `json:"action"`
	Targets        []DispatchTarget  `json:"targets,omitempty"`
	ContextMapping map[string]string `json:"context_mapping,omitempty"`
	ApprovalConfig *ApprovalConfig   `json:"approval_config,omitempty"`
	Error          string            `json:"error,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	// Confidence is advisory only (0-1); carried for observability.
	Confidence float64 `json:"confidence,omitempty"`
}

// ApprovalKind classifies an approval round.
type ApprovalKind string

const (
	ApprovalStyleSelection ApprovalKind = "style_selection"
	ApprovalDesignReview   ApprovalKind = "design_review"
	ApprovalConfirmation   ApprovalKind = "confirmation"
	ApprovalFeedback       ApprovalKind = "feedback"
)

// ApprovalOption is one selectable option of a selection-kind round.
type ApprovalOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	SourceRole  string `json:"source_role,omitempty"`
	PreviewRef  string `json:"preview_ref,omitempty"`
}

// ApprovalConfig describes a requested approval round.
type ApprovalConfig struct {
	Kind           ApprovalKind     `json:"kind"`
	Title          string           `json:"title,omitempty"`
	Description    string           `json:"description,omitempty"`
	Options        []ApprovalOption `json:"options,omitempty"`
	AllowRejectAll bool             `json:"allow_reject_all,omitempty"`
	Iteration      int              `json:"iteration"`
	MaxIterations  int              `json:"max_iterations"`
	Timeout        time.Duration    `json:"timeout,omitempty"`
}

// ApprovalResponse is the human decision injected to resume a suspended
// thread.
type ApprovalResponse struct {
	Approved         bool           `json:"approved"`
	Deferred         bool           `json:"deferred,omitempty"`
	SelectedOptionID string         `json:"selected_option_id,omitempty"`
	Feedback         string         `json:"feedback,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RespondedAt      time.Time      `json:"responded_at,omitempty"`
}

// Artifact references a worker-produced artifact.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

// WorkerResult is the outcome of one worker executor invocation.
type WorkerResult struct {
	Success      bool         `json:"success"`
	Output       string       `json:"output,omitempty"`
	Artifacts    []Artifact   `json:"artifacts,omitempty"`
	Error        string       `json:"error,omitempty"`
	RoutingHints RoutingHints `json:"routing_hints"`
}

// ParallelResult is the per-target outcome of a fan-out. The dispatch
// coordinator returns exactly one ParallelResult per dispatched target
// regardless of individual failures.
type ParallelResult struct {
	AgentID     string       `json:"agent_id"`
	ExecutionID string       `json:"execution_id"`
	GroupID     string       `json:"group_id,omitempty"`
	Success     bool         `json:"success"`
	Output      string       `json:"output,omitempty"`
	Artifacts   []Artifact   `json:"artifacts,omitempty"`
	Error       string       `json:"error,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	Hints       RoutingHints `json:"hints"`
}
