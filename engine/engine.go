// Package engine drives workflow threads through an explicit state
// machine. One engine serves many threads; each thread's state is owned
// by exactly one run at a time and persisted through checkpoints across
// suspensions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atelierhq/conductor/approval"
	"github.com/atelierhq/conductor/checkpoint"
	"github.com/atelierhq/conductor/dispatch"
	"github.com/atelierhq/conductor/router"
	"github.com/atelierhq/conductor/types"
)

// Analyzer produces the initial decomposition of a prompt into a plan.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (*types.Analysis, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, prompt string) (*types.Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, prompt string) (*types.Analysis, error) {
	return f(ctx, prompt)
}

// Metrics receives engine-level measurements. Implementations must be
// safe for concurrent use across threads.
type Metrics interface {
	RecordNodeTransition(node string)
	RecordWorkflowRun(status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordNodeTransition(string) {}
func (nopMetrics) RecordWorkflowRun(string)    {}

// ApprovalPolicy may demand an approval round for a successful worker
// output even when the worker did not ask for one.
type ApprovalPolicy func(state *types.WorkflowState, out types.AgentOutput) bool

// Options tunes engine defaults applied to new threads.
type Options struct {
	// MaxRetries bounds worker retries per thread (default 3).
	MaxRetries int
	// MaxIterations bounds approval rejection loops per thread (default 5).
	MaxIterations int
	// InterruptNodes adds suspension points beyond the approve node.
	InterruptNodes []Node
	// Validator, when set, is consulted before worker output is accepted.
	Validator types.Validator
	// DefaultApprovalTimeout bounds approval rounds whose decision
	// carries no deadline; zero leaves them open-ended.
	DefaultApprovalTimeout time.Duration
	// ApprovalPolicy, when set, runs on every successful output.
	ApprovalPolicy ApprovalPolicy
	// Metrics, when set, receives node transition and run outcome counts.
	Metrics Metrics
}

// InvokeOptions addresses one invocation.
type InvokeOptions struct {
	ThreadID  string
	TaskID    string
	TenantID  string
	ProjectID string

	// CheckpointID resumes from a specific historical checkpoint of the
	// thread instead of starting fresh.
	CheckpointID string

	// Per-thread overrides; zero means the engine default.
	MaxRetries    int
	MaxIterations int
}

// Engine is the workflow state machine driver. All collaborators are
// injected at construction; the engine holds no global state.
type Engine struct {
	analyzer    Analyzer
	router      router.ThinkingRouter
	coordinator *dispatch.Coordinator
	gate        *approval.Gate
	checkpoints *checkpoint.TriggerManager
	validator   types.Validator
	policy      ApprovalPolicy
	metrics     Metrics
	tracer      oteltrace.Tracer
	traces      *TraceStore
	interrupts  map[Node]struct{}
	opts        Options
	logger      *zap.Logger
}

// New creates an engine from its collaborators.
func New(
	analyzer Analyzer,
	thinkingRouter router.ThinkingRouter,
	coordinator *dispatch.Coordinator,
	gate *approval.Gate,
	checkpoints *checkpoint.TriggerManager,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	interrupts := make(map[Node]struct{}, len(opts.InterruptNodes))
	for _, n := range opts.InterruptNodes {
		interrupts[n] = struct{}{}
	}
	return &Engine{
		analyzer:    analyzer,
		router:      thinkingRouter,
		coordinator: coordinator,
		gate:        gate,
		checkpoints: checkpoints,
		validator:   opts.Validator,
		policy:      opts.ApprovalPolicy,
		metrics:     metrics,
		tracer:      otel.Tracer("github.com/atelierhq/conductor/engine"),
		traces:      NewTraceStore(),
		interrupts:  interrupts,
		opts:        opts,
		logger:      logger.With(zap.String("component", "graph_engine")),
	}
}

// Traces exposes the diagnostic trace store.
func (e *Engine) Traces() *TraceStore {
	return e.traces
}

// Invoke starts a thread from a prompt, or re-enters it from a historical
// checkpoint when opts.CheckpointID is set. It returns when the thread
// reaches a terminal status or suspends.
func (e *Engine) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*types.WorkflowState, error) {
	if opts.CheckpointID != "" {
		state, err := e.recover(ctx, opts.ThreadID, opts.CheckpointID)
		if err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		node, trigger := reentryPoint(state)
		return e.run(ctx, state, node, trigger)
	}

	threadID := opts.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	state := &types.WorkflowState{
		ThreadID:      threadID,
		TaskID:        opts.TaskID,
		TenantID:      opts.TenantID,
		ProjectID:     opts.ProjectID,
		Prompt:        prompt,
		Status:        types.StatusPending,
		MaxRetries:    valueOr(opts.MaxRetries, e.opts.MaxRetries),
		MaxIterations: valueOr(opts.MaxIterations, e.opts.MaxIterations),
	}
	return e.run(ctx, state, NodeAnalyze, types.TriggerInitial)
}

// Resume injects an approval response into a suspended thread and
// re-enters the state machine from the thread's latest checkpoint.
func (e *Engine) Resume(ctx context.Context, threadID string, resp *types.ApprovalResponse) (*types.WorkflowState, error) {
	return e.ResumeAt(ctx, threadID, "", resp)
}

// ResumeAt is Resume from a specific historical checkpoint. An empty
// checkpointID selects the latest.
func (e *Engine) ResumeAt(ctx context.Context, threadID, checkpointID string, resp *types.ApprovalResponse) (*types.WorkflowState, error) {
	if resp == nil {
		return nil, types.NewError(types.ErrInvalidState, "resume requires an approval response")
	}

	state, err := e.recover(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := resumableForApproval(state); err != nil {
		return nil, err
	}

	// Close any round still pending on the gate; the response may also
	// have arrived through the gate directly, so a terminal round is fine.
	for _, req := range e.gate.Pending(threadID) {
		if err := e.gate.Resolve(ctx, req.ID, resp); err != nil {
			e.logger.Debug("pending approval round already settled",
				zap.String("thread_id", threadID),
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}

	injected := *resp
	state.ApprovalResponse = &injected
	state.WaitingOn = ""
	return e.run(ctx, state, NodeApprove, types.TriggerApprovalReceived)
}

// ExpireApproval marks a suspended thread's pending approval rounds as
// timed out and re-enters the state machine with the timeout trigger.
// Callers invoke it when a round's deadline passes without a decision.
func (e *Engine) ExpireApproval(ctx context.Context, threadID string) (*types.WorkflowState, error) {
	state, err := e.recover(ctx, threadID, "")
	if err != nil {
		return nil, err
	}
	if err := resumableForApproval(state); err != nil {
		return nil, err
	}

	for _, req := range e.gate.Pending(threadID) {
		if err := e.gate.Expire(ctx, req.ID); err != nil {
			e.logger.Debug("pending approval round already settled",
				zap.String("thread_id", threadID),
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}

	state.ApprovalResponse = nil
	state.WaitingOn = ""
	return e.run(ctx, state, NodeRoute, types.TriggerTimeout)
}

// recover loads and decodes a checkpoint into a workable state, tagging
// failures with the recovery phase where reconstruction broke.
func (e *Engine) recover(ctx context.Context, threadID, checkpointID string) (*types.WorkflowState, error) {
	if threadID == "" {
		return nil, types.NewError(types.ErrRecoveryBlocked, "recovery requires a thread id").
			WithPhase(types.PhaseValidation).
			WithBlockers("missing thread id")
	}

	var cp *checkpoint.Checkpoint
	var err error
	if checkpointID == "" {
		cp, err = e.checkpoints.Latest(ctx, threadID)
	} else {
		cp, err = e.findCheckpoint(ctx, threadID, checkpointID)
	}
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			return nil, types.NewError(types.ErrCheckpointNotFound,
				fmt.Sprintf("thread %s has no usable checkpoint", threadID)).
				WithPhase(types.PhaseValidation).
				WithCause(err)
		case errors.Is(err, checkpoint.ErrCorrupted):
			return nil, types.NewError(types.ErrCheckpointCorrupted,
				fmt.Sprintf("checkpoint for thread %s failed its integrity check", threadID)).
				WithPhase(types.PhaseValidation).
				WithCause(err)
		default:
			return nil, types.NewError(types.ErrRecoveryFailed, "loading checkpoint").
				WithPhase(types.PhaseWorkflow).
				WithCause(err)
		}
	}

	state, err := cp.State()
	if err != nil {
		if errors.Is(err, checkpoint.ErrCorrupted) {
			return nil, types.NewError(types.ErrCheckpointCorrupted,
				fmt.Sprintf("checkpoint %s failed its integrity check", cp.ID)).
				WithPhase(types.PhaseWorkflow).
				WithCause(err)
		}
		return nil, types.NewError(types.ErrRecoveryFailed,
			fmt.Sprintf("decoding checkpoint %s", cp.ID)).
			WithPhase(types.PhaseWorkflow).
			WithCause(err)
	}
	if state.ThreadID != threadID {
		return nil, types.NewError(types.ErrRecoveryBlocked, "checkpoint belongs to another thread").
			WithPhase(types.PhaseValidation).
			WithBlockers(fmt.Sprintf("checkpoint thread %s", state.ThreadID))
	}
	return state, nil
}

func (e *Engine) findCheckpoint(ctx context.Context, threadID, checkpointID string) (*checkpoint.Checkpoint, error) {
	history, err := e.checkpoints.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, cp := range history {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: checkpoint %s", checkpoint.ErrNotFound, checkpointID)
}

// resumableForApproval rejects approval injection into threads that are
// not waiting for one, listing the blockers instead of failing opaquely.
func resumableForApproval(state *types.WorkflowState) error {
	if state.Status == types.StatusAwaitingApproval || state.WaitingOn == "approval" {
		return nil
	}
	blockers := []string{fmt.Sprintf("status is %s", state.Status)}
	if state.Status.Terminal() {
		blockers = append(blockers, "thread already terminal")
	}
	return types.NewError(types.ErrRecoveryBlocked, "thread is not awaiting approval").
		WithPhase(types.PhaseValidation).
		WithBlockers(blockers...)
}

// reentryPoint maps a recovered state onto the node to re-enter and the
// trigger to route with.
func reentryPoint(state *types.WorkflowState) (Node, types.ThinkingTrigger) {
	switch state.Status {
	case types.StatusPending, types.StatusAnalyzing:
		return NodeAnalyze, types.TriggerInitial
	case types.StatusAwaitingApproval:
		return NodeApprove, types.TriggerApprovalReceived
	case types.StatusCompleting:
		return NodeComplete, types.TriggerInitial
	}
	if last := state.LastOutput(); last != nil {
		if !last.Success {
			return NodeRoute, types.TriggerErrorOccurred
		}
		return NodeRoute, types.TriggerAgentCompleted
	}
	return NodeRoute, types.TriggerInitial
}

// run drives the state machine until a terminal node or a suspension
// point. The loop owns the state exclusively; node handlers perform the
// side effects and the conditional edges stay pure.
func (e *Engine) run(ctx context.Context, state *types.WorkflowState, node Node, trigger types.ThinkingTrigger) (*types.WorkflowState, error) {
	trace := NewTrace(uuid.NewString(), state.ThreadID)
	defer e.traces.Save(trace)

	ctx, runSpan := e.tracer.Start(ctx, "workflow.run",
		oteltrace.WithAttributes(attribute.String("workflow.thread_id", state.ThreadID)))
	defer runSpan.End()

	var nodeSpan oteltrace.Span
	endNodeSpan := func() {
		if nodeSpan != nil {
			nodeSpan.End()
			nodeSpan = nil
		}
	}
	defer endNodeSpan()

	// Decision in flight between route and the dispatch nodes. It never
	// crosses a suspension point, so it needs no persistence.
	var decision *types.OrchestratorDecision

	for {
		endNodeSpan()
		if err := ctx.Err(); err != nil {
			state.Status = types.StatusAborted
			e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition, "run aborted", state)
			e.finishRun(trace, RunStatusFailed, err)
			return state, err
		}

		e.logger.Debug("entering node",
			zap.String("thread_id", state.ThreadID),
			zap.String("node", string(node)),
			zap.String("trigger", string(trigger)),
		)
		_, nodeSpan = e.tracer.Start(ctx, "workflow.node."+string(node))
		e.metrics.RecordNodeTransition(string(node))
		visit := trace.Enter(node)

		if _, interrupted := e.interrupts[node]; interrupted && node != NodeApprove && !node.Terminal() {
			state.WaitingOn = string(node)
			e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition,
				fmt.Sprintf("interrupted before %s", node), state)
			trace.Leave(visit, "interrupt", nil)
			e.finishRun(trace, RunStatusSuspended, nil)
			return state, nil
		}

		switch node {
		case NodeAnalyze:
			err := e.analyze(ctx, state)
			trace.Leave(visit, "", err)
			node = afterAnalyze(state)

		case NodeRoute:
			state.Status = types.StatusRouting
			d, err := e.router.Decide(ctx, state, trigger)
			if trigger == types.TriggerApprovalReceived {
				state.ApprovalResponse = nil
			}
			if err != nil {
				e.recordNodeFailure(ctx, state, "router", err)
				trigger = types.TriggerErrorOccurred
				trace.Leave(visit, "", err)
				node = afterExecute(state)
				continue
			}
			state.AppendThinking(trigger, router.Summarize(state), d.Reasoning, d)
			trace.Leave(visit, string(d.Action), nil)

			decision = d
			switch d.Action {
			case types.ActionDispatch, types.ActionParallelDispatch:
				if len(d.Targets) == 0 {
					err := types.NewError(types.ErrInvalidDecision, fmt.Sprintf("action %s without targets", d.Action))
					e.recordNodeFailure(ctx, state, "router", err)
					trigger = types.TriggerErrorOccurred
					node = afterExecute(state)
					continue
				}
				e.takeFromQueue(state, d.Targets[0].Role)
				if d.Action == types.ActionDispatch {
					node = NodeExecute
				} else {
					node = NodeParallel
				}
			case types.ActionApproval:
				node = NodeApprove
			case types.ActionComplete:
				node = NodeComplete
			case types.ActionFail:
				node = NodeFail
			case types.ActionWait:
				state.Status = types.StatusAwaitingApproval
				state.WaitingOn = "external"
				e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition, "waiting on external event", state)
				e.finishRun(trace, RunStatusSuspended, nil)
				return state, nil
			default:
				err := types.NewError(types.ErrInvalidDecision, fmt.Sprintf("router produced action %q", d.Action))
				e.recordNodeFailure(ctx, state, "router", err)
				trigger = types.TriggerErrorOccurred
				node = afterExecute(state)
			}

		case NodeExecute:
			trigger = e.execute(ctx, state, decision)
			trace.Leave(visit, string(trigger), nil)
			node = afterExecute(state)

		case NodeParallel:
			trigger = e.parallelDispatch(ctx, state, decision)
			trace.Leave(visit, string(trigger), nil)
			node = afterExecute(state)

		case NodeApprove:
			if state.ApprovalResponse == nil {
				suspended, err := e.suspendForApproval(ctx, state, decision)
				trace.Leave(visit, "suspend", err)
				if err != nil {
					// A round that cannot be persisted cannot be resumed;
					// failing beats spinning on the gate.
					e.recordNodeFailure(ctx, state, "approval_gate", err)
					node = NodeFail
					continue
				}
				e.finishRun(trace, RunStatusSuspended, nil)
				return suspended, nil
			}
			trigger = e.consumeApproval(ctx, state)
			trace.Leave(visit, string(trigger), nil)
			if trigger == "" {
				// Deferred: the thread stays suspended.
				e.finishRun(trace, RunStatusSuspended, nil)
				return state, nil
			}
			node = afterApprove(state)

		case NodeComplete:
			state.Status = types.StatusCompleting
			state.CurrentAgent = ""
			state.WaitingOn = ""
			state.Status = types.StatusCompleted
			e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition, "workflow completed", state)
			trace.Leave(visit, "", nil)
			e.finishRun(trace, RunStatusCompleted, nil)
			e.logger.Info("workflow completed",
				zap.String("thread_id", state.ThreadID),
				zap.Int("outputs", len(state.AgentOutputs)),
			)
			return state, nil

		case NodeFail:
			state.Status = types.StatusFailed
			state.WaitingOn = ""
			e.checkpoints.Capture(ctx, checkpoint.TriggerErrorOccurred, failReason(decision, state), state)
			trace.Leave(visit, failReason(decision, state), nil)
			e.finishRun(trace, RunStatusFailed, nil)
			e.logger.Warn("workflow failed",
				zap.String("thread_id", state.ThreadID),
				zap.String("reason", failReason(decision, state)),
			)
			return state, nil

		default:
			return state, types.NewError(types.ErrInvalidState, fmt.Sprintf("unknown node %q", node))
		}
	}
}

func (e *Engine) finishRun(trace *Trace, status RunStatus, err error) {
	trace.Finish(status, err)
	e.metrics.RecordWorkflowRun(string(status))
}

func (e *Engine) analyze(ctx context.Context, state *types.WorkflowState) error {
	state.Status = types.StatusAnalyzing
	analysis, err := e.analyzer.Analyze(ctx, state.Prompt)
	if err != nil || analysis == nil {
		if err == nil {
			err = types.NewError(types.ErrAnalysisFailed, "analyzer returned no plan")
		}
		e.recordNodeFailure(ctx, state, "analyzer", err)
		return err
	}
	state.Analysis = analysis
	state.AgentQueue = append([]string(nil), analysis.RequiredRoles...)
	e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition, "analysis complete", state)
	return nil
}

// execute runs the single dispatch target and returns the next trigger.
func (e *Engine) execute(ctx context.Context, state *types.WorkflowState, decision *types.OrchestratorDecision) types.ThinkingTrigger {
	state.Status = types.StatusExecuting
	target := decision.Targets[0]

	results := e.coordinator.Dispatch(ctx, state.ThreadID, state.Prompt,
		[]types.DispatchTarget{target}, e.dispatchMeta(state, decision))
	out := e.acceptResult(ctx, state, results[0], "")
	state.AppendOutput(out)

	if !out.Success {
		state.RetryCount++
		e.checkpoints.Capture(ctx, checkpoint.TriggerErrorOccurred,
			fmt.Sprintf("%s failed: %s", out.Role, out.Error), state)
		return types.TriggerErrorOccurred
	}
	state.CurrentAgent = ""
	e.checkpoints.Capture(ctx, checkpoint.TriggerAgentComplete,
		fmt.Sprintf("%s completed", out.Role), state)
	return types.TriggerAgentCompleted
}

// parallelDispatch fans out every target of the decision. Within the
// fan-out group, failed entries are recorded before successful ones so
// the trailing output reflects whether any variant survived.
func (e *Engine) parallelDispatch(ctx context.Context, state *types.WorkflowState, decision *types.OrchestratorDecision) types.ThinkingTrigger {
	state.Status = types.StatusExecuting

	results := e.coordinator.Dispatch(ctx, state.ThreadID, state.Prompt,
		decision.Targets, e.dispatchMeta(state, decision))

	groupID := ""
	if len(results) > 0 {
		groupID = results[0].GroupID
	}

	outputs := make([]types.AgentOutput, 0, len(results))
	succeeded := 0
	for _, res := range results {
		out := e.acceptResult(ctx, state, res, groupID)
		if out.Success {
			succeeded++
		}
		outputs = append(outputs, out)
	}
	for _, out := range outputs {
		if !out.Success {
			state.AppendOutput(out)
		}
	}
	for _, out := range outputs {
		if out.Success {
			state.AppendOutput(out)
		}
	}

	if succeeded == 0 {
		state.RetryCount++
		e.checkpoints.Capture(ctx, checkpoint.TriggerErrorOccurred,
			fmt.Sprintf("fan-out of %d targets produced no successes", len(results)), state)
	} else {
		state.CurrentAgent = ""
		e.checkpoints.Capture(ctx, checkpoint.TriggerAgentComplete,
			fmt.Sprintf("fan-out completed, %d of %d succeeded", succeeded, len(results)), state)
	}
	return types.TriggerParallelCompleted
}

// acceptResult converts a coordinator result into an output entry,
// consulting the guardrail validator before accepting a success.
func (e *Engine) acceptResult(ctx context.Context, state *types.WorkflowState, res types.ParallelResult, groupID string) types.AgentOutput {
	out := types.AgentOutput{
		Role:         res.AgentID,
		Success:      res.Success,
		Output:       res.Output,
		Error:        res.Error,
		RoutingHints: res.Hints,
		DurationMS:   res.DurationMS,
		GroupID:      groupID,
	}
	if out.Success && e.validator != nil {
		verdict, err := e.validator.Validate(ctx, out.Output, "agent_output", map[string]any{
			"thread_id": state.ThreadID,
			"role":      out.Role,
		})
		switch {
		case err != nil:
			out.Success = false
			out.Error = fmt.Sprintf("guardrail check failed: %v", err)
		case !verdict.Valid:
			out.Success = false
			out.Error = "guardrail violations: " + strings.Join(verdict.Violations, "; ")
		}
	}
	if out.Success && e.policy != nil && e.policy(state, out) {
		out.RoutingHints.NeedsApproval = true
	}
	return out
}

// suspendForApproval opens a gate round, persists the suspended state and
// hands control back to the caller.
func (e *Engine) suspendForApproval(ctx context.Context, state *types.WorkflowState, decision *types.OrchestratorDecision) (*types.WorkflowState, error) {
	cfg := types.ApprovalConfig{Kind: types.ApprovalConfirmation}
	if decision != nil && decision.ApprovalConfig != nil {
		cfg = *decision.ApprovalConfig
	} else if last := state.LastOutput(); last != nil && last.Success && last.RoutingHints.NeedsApproval {
		// Reached through the post-execute edge: the dispatch decision
		// carries no round config, the hinted output defines the review.
		cfg = types.ApprovalConfig{
			Kind:        types.ApprovalDesignReview,
			Title:       fmt.Sprintf("review %s output", last.Role),
			Description: last.Output,
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = e.opts.DefaultApprovalTimeout
	}
	cfg.Iteration = state.StyleIterationCount
	cfg.MaxIterations = state.MaxIterations

	req, err := e.gate.Open(ctx, state.ThreadID, cfg)
	if err != nil {
		return nil, err
	}

	state.Status = types.StatusAwaitingApproval
	state.WaitingOn = "approval"
	e.checkpoints.Capture(ctx, checkpoint.TriggerStateTransition,
		fmt.Sprintf("awaiting approval round %s", req.ID), state)
	e.logger.Info("workflow suspended for approval",
		zap.String("thread_id", state.ThreadID),
		zap.String("request_id", req.ID),
		zap.String("kind", string(cfg.Kind)),
	)
	return state, nil
}

// consumeApproval folds the injected response into the rejection-loop
// state. It returns the next trigger, or "" when the response defers the
// decision and the thread should stay suspended.
func (e *Engine) consumeApproval(ctx context.Context, state *types.WorkflowState) types.ThinkingTrigger {
	resp := state.ApprovalResponse

	if resp.Deferred {
		state.ApprovalResponse = nil
		state.Status = types.StatusAwaitingApproval
		state.WaitingOn = "approval"
		e.checkpoints.Capture(ctx, checkpoint.TriggerUserApproval, "approval deferred", state)
		return ""
	}

	if !resp.Approved {
		state.StyleIterationCount++
		if resp.SelectedOptionID != "" {
			state.RejectedOptionIDs = append(state.RejectedOptionIDs, resp.SelectedOptionID)
		}
		if resp.Feedback != "" {
			state.UserFeedback = resp.Feedback
		}
	}
	e.checkpoints.Capture(ctx, checkpoint.TriggerUserApproval,
		fmt.Sprintf("approval resolved, approved=%t", resp.Approved), state)
	return types.TriggerApprovalReceived
}

// recordNodeFailure turns a node-level error into an unsuccessful output
// entry so it flows through the same conditional edges as a reported
// worker failure.
func (e *Engine) recordNodeFailure(ctx context.Context, state *types.WorkflowState, source string, err error) {
	state.AppendOutput(types.AgentOutput{
		Role:    source,
		Success: false,
		Error:   err.Error(),
	})
	state.RetryCount++
	e.checkpoints.Capture(ctx, checkpoint.TriggerErrorOccurred,
		fmt.Sprintf("%s error: %v", source, err), state)
}

// takeFromQueue consumes the queue head when the dispatched role matches
// the static plan and records the role as current either way.
func (e *Engine) takeFromQueue(state *types.WorkflowState, role string) {
	if len(state.AgentQueue) > 0 && state.AgentQueue[0] == role {
		state.AgentQueue = state.AgentQueue[1:]
	}
	state.CurrentAgent = role
}

func (e *Engine) dispatchMeta(state *types.WorkflowState, decision *types.OrchestratorDecision) map[string]any {
	meta := map[string]any{
		"thread_id": state.ThreadID,
	}
	if state.TaskID != "" {
		meta["task_id"] = state.TaskID
	}
	if state.TenantID != "" {
		meta["tenant_id"] = state.TenantID
	}
	if state.UserFeedback != "" {
		meta["user_feedback"] = state.UserFeedback
	}
	for k, v := range decision.ContextMapping {
		meta[k] = v
	}
	return meta
}

func failReason(decision *types.OrchestratorDecision, state *types.WorkflowState) string {
	if decision != nil && decision.Action == types.ActionFail {
		if decision.Error != "" {
			return decision.Error
		}
		return decision.Reasoning
	}
	if last := state.LastOutput(); last != nil && last.Error != "" {
		return last.Error
	}
	return "workflow failed"
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
