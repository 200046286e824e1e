// Package router implements the thinking router: the decision engine
// that replaces a static role queue with a dynamic decision informed by
// accumulated workflow state.
//
// Routers are read-then-decide functions. They never mutate state; the
// graph engine applies the consequences of every decision.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/conductor/types"
)

// ThinkingRouter produces a structured decision from the current state
// and the triggering event.
type ThinkingRouter interface {
	Decide(ctx context.Context, state *types.WorkflowState, trigger types.ThinkingTrigger) (*types.OrchestratorDecision, error)
}

// RouterFunc adapts a function to the ThinkingRouter interface.
type RouterFunc func(ctx context.Context, state *types.WorkflowState, trigger types.ThinkingTrigger) (*types.OrchestratorDecision, error)

func (f RouterFunc) Decide(ctx context.Context, state *types.WorkflowState, trigger types.ThinkingTrigger) (*types.OrchestratorDecision, error) {
	return f(ctx, state, trigger)
}

// Config tunes the rule-based router.
type Config struct {
	// StyleCompetitionStyles maps a role to the style variants fanned out
	// when that role is dispatched (e.g. designer -> three banner styles).
	// Roles not listed dispatch a single worker.
	StyleCompetitionStyles map[string][]string `yaml:"style_competition_styles" json:"style_competition_styles"`
	// ApprovalTimeout is attached to approval rounds the router requests;
	// zero means no deadline.
	ApprovalTimeout int `yaml:"approval_timeout_seconds" json:"approval_timeout_seconds"`
}

// RuleRouter is the default ThinkingRouter: a deterministic rule set over
// the workflow state that enforces the retry budget, the rejection-loop
// cap, and the approval policies.
type RuleRouter struct {
	config Config
	logger *zap.Logger
}

// NewRuleRouter creates the default router.
func NewRuleRouter(config Config, logger *zap.Logger) *RuleRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleRouter{
		config: config,
		logger: logger.With(zap.String("component", "thinking_router")),
	}
}

// approvalTimeout is the deadline stamped on every round the router
// requests; zero leaves the round open-ended.
func (r *RuleRouter) approvalTimeout() time.Duration {
	return time.Duration(r.config.ApprovalTimeout) * time.Second
}

// Decide implements ThinkingRouter.
func (r *RuleRouter) Decide(ctx context.Context, state *types.WorkflowState, trigger types.ThinkingTrigger) (*types.OrchestratorDecision, error) {
	if state.Analysis == nil {
		return &types.OrchestratorDecision{
			Action:     types.ActionFail,
			Reasoning:  "no analysis available, the workflow cannot be routed",
			Error:      string(types.ErrAnalysisFailed),
			Confidence: 1,
		}, nil
	}

	switch trigger {
	case types.TriggerTimeout:
		return r.decideTimeout(state), nil
	case types.TriggerApprovalReceived:
		return r.decideApproval(state)
	case types.TriggerAgentCompleted, types.TriggerParallelCompleted, types.TriggerErrorOccurred:
		return r.decideAfterExecution(state, trigger), nil
	case types.TriggerInitial:
		return r.planNext(state, "initial plan from analysis", 0.9), nil
	default:
		return nil, types.NewError(types.ErrInvalidDecision, fmt.Sprintf("unknown trigger %q", trigger))
	}
}

// decideTimeout escalates an unresolved approval round. Retrying the round
// is possible in principle, but an operator who did not answer within the
// deadline is unlikely to answer a silent repeat; failing keeps the thread
// observable instead of stuck.
func (r *RuleRouter) decideTimeout(state *types.WorkflowState) *types.OrchestratorDecision {
	return &types.OrchestratorDecision{
		Action:     types.ActionFail,
		Reasoning:  "approval round expired without a decision",
		Error:      string(types.ErrApprovalTimeout),
		Confidence: 0.8,
	}
}

func (r *RuleRouter) decideApproval(state *types.WorkflowState) (*types.OrchestratorDecision, error) {
	resp := state.ApprovalResponse
	if resp == nil {
		return nil, types.NewError(types.ErrInvalidState, "approval trigger without a response in state")
	}

	if resp.Approved {
		return r.planNext(state,
			fmt.Sprintf("approval received (option %s), continuing the plan", resp.SelectedOptionID),
			0.9), nil
	}

	// Rejection cap: reaching MaxIterations always escalates, regardless
	// of the user's intent to keep iterating.
	if state.MaxIterations > 0 && state.StyleIterationCount >= state.MaxIterations {
		return &types.OrchestratorDecision{
			Action:     types.ActionFail,
			Reasoning:  fmt.Sprintf("rejected %d times, iteration cap %d reached", state.StyleIterationCount, state.MaxIterations),
			Error:      string(types.ErrIterationLimit),
			Confidence: 1,
		}, nil
	}

	// Re-run the competition for the rejected round, carrying feedback.
	role := state.CurrentAgent
	if role == "" {
		if last := state.LastOutput(); last != nil {
			role = last.Role
		}
	}
	if role == "" {
		return nil, types.NewError(types.ErrInvalidState, "rejection with no agent to re-dispatch")
	}

	return &types.OrchestratorDecision{
		Action:    types.ActionParallelDispatch,
		Reasoning: fmt.Sprintf("all options rejected (iteration %d), regenerating %s variants with user feedback", state.StyleIterationCount, role),
		Targets:   r.styleTargets(role),
		ApprovalConfig: &types.ApprovalConfig{
			Kind:           types.ApprovalStyleSelection,
			AllowRejectAll: true,
			Iteration:      state.StyleIterationCount,
			MaxIterations:  state.MaxIterations,
			Timeout:        r.approvalTimeout(),
		},
		Confidence: 0.7,
	}, nil
}

func (r *RuleRouter) decideAfterExecution(state *types.WorkflowState, trigger types.ThinkingTrigger) *types.OrchestratorDecision {
	last := state.LastOutput()
	if last == nil {
		return r.planNext(state, "no outputs yet, following the plan", 0.8)
	}

	if trigger == types.TriggerParallelCompleted {
		return r.decideAfterFanOut(state)
	}

	if !last.Success {
		if state.RetryCount >= state.MaxRetries {
			return &types.OrchestratorDecision{
				Action:     types.ActionFail,
				Reasoning:  fmt.Sprintf("%s failed and the retry budget (%d) is exhausted", last.Role, state.MaxRetries),
				Error:      string(types.ErrRetryExhausted),
				Confidence: 1,
			}
		}
		return &types.OrchestratorDecision{
			Action:     types.ActionDispatch,
			Reasoning:  fmt.Sprintf("%s failed (%s), retry %d of %d", last.Role, last.Error, state.RetryCount, state.MaxRetries),
			Targets:    []types.DispatchTarget{{Role: last.Role}},
			Confidence: 0.6,
		}
	}

	if last.RoutingHints.NeedsApproval {
		return &types.OrchestratorDecision{
			Action:    types.ActionApproval,
			Reasoning: fmt.Sprintf("%s requests review before the workflow continues", last.Role),
			ApprovalConfig: &types.ApprovalConfig{
				Kind:          types.ApprovalDesignReview,
				Title:         fmt.Sprintf("review %s output", last.Role),
				Description:   last.Output,
				Iteration:     state.StyleIterationCount,
				MaxIterations: state.MaxIterations,
				Timeout:       r.approvalTimeout(),
			},
			Confidence: 0.85,
		}
	}

	reason := fmt.Sprintf("%s succeeded, continuing the plan", last.Role)
	if len(last.RoutingHints.SuggestedNext) > 0 {
		next := last.RoutingHints.SuggestedNext[0]
		return &types.OrchestratorDecision{
			Action:     types.ActionDispatch,
			Reasoning:  fmt.Sprintf("%s succeeded and suggested %s next", last.Role, next),
			Targets:    []types.DispatchTarget{{Role: next}},
			Confidence: 0.8,
		}
	}
	return r.planNext(state, reason, 0.9)
}

// decideAfterFanOut inspects the most recent fan-out group. Partial
// success is a valid outcome surfaced as a reduced option set; only a
// fully failed group counts against the retry budget.
func (r *RuleRouter) decideAfterFanOut(state *types.WorkflowState) *types.OrchestratorDecision {
	group := lastGroup(state)
	options := make([]types.ApprovalOption, 0, len(group))
	for i, out := range group {
		if !out.Success {
			continue
		}
		options = append(options, types.ApprovalOption{
			ID:          fmt.Sprintf("%s-%d", out.GroupID, i),
			Label:       out.Role,
			Description: out.Output,
			SourceRole:  out.Role,
		})
	}

	if len(options) == 0 {
		if state.RetryCount >= state.MaxRetries {
			return &types.OrchestratorDecision{
				Action:     types.ActionFail,
				Reasoning:  "every variant in the fan-out failed and the retry budget is exhausted",
				Error:      string(types.ErrRetryExhausted),
				Confidence: 1,
			}
		}
		role := group[0].Role
		return &types.OrchestratorDecision{
			Action:     types.ActionParallelDispatch,
			Reasoning:  fmt.Sprintf("every %s variant failed, retrying the fan-out (%d of %d)", role, state.RetryCount, state.MaxRetries),
			Targets:    r.styleTargets(role),
			Confidence: 0.5,
		}
	}

	return &types.OrchestratorDecision{
		Action:    types.ActionApproval,
		Reasoning: fmt.Sprintf("fan-out produced %d of %d candidates, asking the user to choose", len(options), len(group)),
		ApprovalConfig: &types.ApprovalConfig{
			Kind:           types.ApprovalStyleSelection,
			Title:          "choose a variant",
			Options:        options,
			AllowRejectAll: true,
			Iteration:      state.StyleIterationCount,
			MaxIterations:  state.MaxIterations,
			Timeout:        r.approvalTimeout(),
		},
		Confidence: 0.85,
	}
}

// planNext follows the static fallback plan: dispatch the next queued
// role, fan out style competitions, or complete when the queue is empty.
func (r *RuleRouter) planNext(state *types.WorkflowState, reason string, confidence float64) *types.OrchestratorDecision {
	if len(state.AgentQueue) == 0 {
		return &types.OrchestratorDecision{
			Action:     types.ActionComplete,
			Reasoning:  reason + "; no roles remain",
			Summary:    summarize(state),
			Confidence: confidence,
		}
	}

	role := state.AgentQueue[0]
	if styles := r.config.StyleCompetitionStyles[role]; len(styles) > 1 {
		return &types.OrchestratorDecision{
			Action:    types.ActionParallelDispatch,
			Reasoning: fmt.Sprintf("%s; fanning %s out across %d styles", reason, role, len(styles)),
			Targets:   r.styleTargets(role),
			ApprovalConfig: &types.ApprovalConfig{
				Kind:           types.ApprovalStyleSelection,
				AllowRejectAll: true,
				Iteration:      state.StyleIterationCount,
				MaxIterations:  state.MaxIterations,
				Timeout:        r.approvalTimeout(),
			},
			Confidence: confidence,
		}
	}

	return &types.OrchestratorDecision{
		Action:     types.ActionDispatch,
		Reasoning:  fmt.Sprintf("%s; dispatching %s", reason, role),
		Targets:    []types.DispatchTarget{{Role: role}},
		Confidence: confidence,
	}
}

func (r *RuleRouter) styleTargets(role string) []types.DispatchTarget {
	styles := r.config.StyleCompetitionStyles[role]
	if len(styles) == 0 {
		return []types.DispatchTarget{{Role: role}}
	}
	targets := make([]types.DispatchTarget, len(styles))
	for i, style := range styles {
		targets[i] = types.DispatchTarget{Role: role, Style: style}
	}
	return targets
}

// lastGroup returns the trailing run of outputs sharing the most recent
// group id (one fan-out).
func lastGroup(state *types.WorkflowState) []types.AgentOutput {
	last := state.LastOutput()
	if last == nil {
		return nil
	}
	if last.GroupID == "" {
		return []types.AgentOutput{*last}
	}
	var group []types.AgentOutput
	for i := len(state.AgentOutputs) - 1; i >= 0; i-- {
		if state.AgentOutputs[i].GroupID != last.GroupID {
			break
		}
		group = append([]types.AgentOutput{state.AgentOutputs[i]}, group...)
	}
	return group
}

func summarize(state *types.WorkflowState) string {
	succeeded := 0
	for _, out := range state.AgentOutputs {
		if out.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("%d of %d agent runs succeeded", succeeded, len(state.AgentOutputs))
}

// Summarize renders a short state summary for thinking steps.
func Summarize(state *types.WorkflowState) string {
	return fmt.Sprintf("status=%s outputs=%d queue=%d retries=%d/%d iterations=%d/%d",
		state.Status, len(state.AgentOutputs), len(state.AgentQueue),
		state.RetryCount, state.MaxRetries,
		state.StyleIterationCount, state.MaxIterations)
}
