package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/conductor/approval"
	"github.com/atelierhq/conductor/checkpoint"
	"github.com/atelierhq/conductor/dispatch"
	"github.com/atelierhq/conductor/router"
	"github.com/atelierhq/conductor/testutil"
	"github.com/atelierhq/conductor/testutil/mocks"
	"github.com/atelierhq/conductor/types"
)

type testEnv struct {
	engine      *Engine
	exec        *mocks.ScriptedExecutor
	gate        *approval.Gate
	checkpoints *checkpoint.TriggerManager
}

func newTestEnv(t *testing.T, roles []string, styles map[string][]string, opts Options) *testEnv {
	t.Helper()

	exec := mocks.NewScriptedExecutor()
	analyzer := AnalyzerFunc(func(ctx context.Context, prompt string) (*types.Analysis, error) {
		return &types.Analysis{
			Summary:       "plan for: " + prompt,
			RequiredRoles: roles,
		}, nil
	})
	gate := approval.NewGate(approval.NewInMemoryStore(), nil)
	checkpoints := checkpoint.NewTriggerManager(
		checkpoint.NewInMemoryStore(), checkpoint.DefaultTriggerConfig(), nil)

	eng := New(
		analyzer,
		router.NewRuleRouter(router.Config{StyleCompetitionStyles: styles}, nil),
		dispatch.NewCoordinator(exec, dispatch.DefaultConfig(), nil),
		gate,
		checkpoints,
		opts,
		nil,
	)
	return &testEnv{engine: eng, exec: exec, gate: gate, checkpoints: checkpoints}
}

func TestHappyPathRunsEveryRole(t *testing.T) {
	env := newTestEnv(t, []string{"architect", "backend", "frontend"}, nil, Options{})

	state, err := env.engine.Invoke(context.Background(), "build an api", InvokeOptions{ThreadID: "t-happy"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, state.Status)
	require.Len(t, state.AgentOutputs, 3)
	assert.Equal(t, "architect", state.AgentOutputs[0].Role)
	assert.Equal(t, "backend", state.AgentOutputs[1].Role)
	assert.Equal(t, "frontend", state.AgentOutputs[2].Role)
	for _, out := range state.AgentOutputs {
		assert.True(t, out.Success)
	}
	assert.Empty(t, state.AgentQueue)
	assert.NotEmpty(t, state.ThinkingHistory)
	for i, step := range state.ThinkingHistory {
		assert.Equal(t, i+1, step.Step)
	}
}

func TestAnalyzerErrorFailsThread(t *testing.T) {
	env := newTestEnv(t, nil, nil, Options{})
	env.engine.analyzer = AnalyzerFunc(func(ctx context.Context, prompt string) (*types.Analysis, error) {
		return nil, errors.New("no usable plan")
	})

	state, err := env.engine.Invoke(context.Background(), "???", InvokeOptions{ThreadID: "t-analysis"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	require.NotEmpty(t, state.AgentOutputs)
	assert.Equal(t, "analyzer", state.AgentOutputs[0].Role)
	assert.False(t, state.AgentOutputs[0].Success)
}

func TestWorkerFailureRetriedThenSucceeds(t *testing.T) {
	env := newTestEnv(t, []string{"copywriter"}, nil, Options{MaxRetries: 3})
	env.exec.ScriptError("copywriter", errors.New("provider 503"))

	state, err := env.engine.Invoke(context.Background(), "write copy", InvokeOptions{ThreadID: "t-retry"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, state.Status)
	require.Len(t, state.AgentOutputs, 2)
	assert.False(t, state.AgentOutputs[0].Success)
	assert.True(t, state.AgentOutputs[1].Success)
	assert.Equal(t, 1, state.RetryCount)
}

func TestRetryBudgetExhaustionIsTerminal(t *testing.T) {
	env := newTestEnv(t, []string{"copywriter"}, nil, Options{MaxRetries: 2})
	for i := 0; i < 5; i++ {
		env.exec.ScriptError("copywriter", errors.New("provider down"))
	}

	state, err := env.engine.Invoke(context.Background(), "write copy", InvokeOptions{ThreadID: "t-exhaust"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	assert.LessOrEqual(t, state.RetryCount, state.MaxRetries)
	assert.Equal(t, 2, env.exec.CallCount("copywriter"))
}

func TestStyleCompetitionSuspendsWithSurvivingOptions(t *testing.T) {
	styles := map[string][]string{"designer": {"minimal", "bold", "classic"}}
	env := newTestEnv(t, []string{"designer", "developer"}, styles, Options{})
	env.exec.
		Script("designer", &types.WorkerResult{Success: true, Output: "variant one"}).
		Script("designer", &types.WorkerResult{Success: false, Error: "render timeout"}).
		Script("designer", &types.WorkerResult{Success: true, Output: "variant two"})

	state, err := env.engine.Invoke(context.Background(), "make a banner", InvokeOptions{ThreadID: "t-styles"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusAwaitingApproval, state.Status)
	assert.Equal(t, "approval", state.WaitingOn)
	require.Len(t, state.AgentOutputs, 3)
	succeeded := 0
	for _, out := range state.AgentOutputs {
		assert.Equal(t, state.AgentOutputs[0].GroupID, out.GroupID)
		if out.Success {
			succeeded++
		}
	}
	assert.Equal(t, 2, succeeded)

	pending := env.gate.Pending("t-styles")
	require.Len(t, pending, 1)
	assert.Equal(t, types.ApprovalStyleSelection, pending[0].Config.Kind)
	assert.Len(t, pending[0].Config.Options, 2)

	// Approving resumes the thread and runs the rest of the plan.
	resumed, err := env.engine.Resume(context.Background(), "t-styles", &types.ApprovalResponse{
		Approved:         true,
		SelectedOptionID: pending[0].Config.Options[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
	assert.Equal(t, 1, env.exec.CallCount("developer"))
}

func TestRejectionLoopEscalatesAtCap(t *testing.T) {
	styles := map[string][]string{"designer": {"minimal", "bold", "classic"}}
	env := newTestEnv(t, []string{"designer"}, styles, Options{MaxIterations: 5})

	state, err := env.engine.Invoke(context.Background(), "make a banner", InvokeOptions{ThreadID: "t-reject"})
	require.NoError(t, err)
	require.Equal(t, types.StatusAwaitingApproval, state.Status)

	reject := &types.ApprovalResponse{Approved: false, Feedback: "not it"}
	for i := 1; i <= 4; i++ {
		state, err = env.engine.Resume(context.Background(), "t-reject", reject)
		require.NoError(t, err)
		assert.Equal(t, types.StatusAwaitingApproval, state.Status, "rejection %d should re-suspend", i)
		assert.Equal(t, i, state.StyleIterationCount)
	}

	state, err = env.engine.Resume(context.Background(), "t-reject", reject)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, state.Status)
	assert.Equal(t, 5, state.StyleIterationCount)
	assert.LessOrEqual(t, state.StyleIterationCount, state.MaxIterations)
}

func TestNeedsApprovalHintSuspendsSingleDispatch(t *testing.T) {
	env := newTestEnv(t, []string{"designer"}, nil, Options{})
	env.exec.Script("designer", &types.WorkerResult{
		Success:      true,
		Output:       "final mockup",
		RoutingHints: types.RoutingHints{NeedsApproval: true},
	})

	state, err := env.engine.Invoke(context.Background(), "design it", InvokeOptions{ThreadID: "t-review"})
	require.NoError(t, err)
	require.Equal(t, types.StatusAwaitingApproval, state.Status)

	pending := env.gate.Pending("t-review")
	require.Len(t, pending, 1)
	assert.Equal(t, types.ApprovalDesignReview, pending[0].Config.Kind)

	resumed, err := env.engine.Resume(context.Background(), "t-review", &types.ApprovalResponse{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
}

func TestResumeWithoutCheckpointsReportsNotFound(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	_, err := env.engine.Resume(context.Background(), "never-ran", &types.ApprovalResponse{Approved: true})
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointNotFound, types.GetErrorCode(err))
}

func TestResumeCompletedThreadIsBlocked(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	_, err := env.engine.Invoke(context.Background(), "write", InvokeOptions{ThreadID: "t-done"})
	require.NoError(t, err)

	_, err = env.engine.Resume(context.Background(), "t-done", &types.ApprovalResponse{Approved: true})
	require.Error(t, err)
	assert.Equal(t, types.ErrRecoveryBlocked, types.GetErrorCode(err))
}

func TestResumeRequiresResponse(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	_, err := env.engine.Resume(context.Background(), "t-any", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidState, types.GetErrorCode(err))
}

func TestReplaySameCheckpointIsDeterministic(t *testing.T) {
	styles := map[string][]string{"designer": {"minimal", "bold"}}
	env := newTestEnv(t, []string{"designer", "developer"}, styles, Options{})

	state, err := env.engine.Invoke(context.Background(), "make a banner", InvokeOptions{ThreadID: "t-replay"})
	require.NoError(t, err)
	require.Equal(t, types.StatusAwaitingApproval, state.Status)

	history, err := env.checkpoints.History(context.Background(), "t-replay")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	suspendedCP := history[len(history)-1].ID

	approve := &types.ApprovalResponse{Approved: true}
	first, err := env.engine.ResumeAt(context.Background(), "t-replay", suspendedCP, approve)
	require.NoError(t, err)
	second, err := env.engine.ResumeAt(context.Background(), "t-replay", suspendedCP, approve)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, len(first.AgentOutputs), len(second.AgentOutputs))
}

func TestGuardrailViolationRejectsOutput(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{
		MaxRetries: 1,
		Validator:  &mocks.StaticValidator{Valid: false, Violations: []string{"contains secrets"}},
	})

	state, err := env.engine.Invoke(context.Background(), "write", InvokeOptions{ThreadID: "t-guard"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	require.NotEmpty(t, state.AgentOutputs)
	assert.Contains(t, state.AgentOutputs[0].Error, "guardrail")
}

func TestCanceledContextAborts(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	state, err := env.engine.Invoke(testutil.CanceledContext(), "write", InvokeOptions{ThreadID: "t-cancel"})
	require.Error(t, err)
	assert.Equal(t, types.StatusAborted, state.Status)
}

func TestTraceRecordsNodePath(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	_, err := env.engine.Invoke(context.Background(), "write", InvokeOptions{ThreadID: "t-trace"})
	require.NoError(t, err)

	traces := env.engine.Traces().ListByThread("t-trace")
	require.Len(t, traces, 1)
	path := traces[0].Path()
	require.NotEmpty(t, path)
	assert.Equal(t, NodeAnalyze, path[0])
	assert.Equal(t, NodeComplete, path[len(path)-1])
	assert.Equal(t, RunStatusCompleted, traces[0].Status)
}

func TestInterruptNodeSuspends(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{InterruptNodes: []Node{NodeExecute}})

	state, err := env.engine.Invoke(context.Background(), "write", InvokeOptions{ThreadID: "t-interrupt"})
	require.NoError(t, err)

	assert.Equal(t, string(NodeExecute), state.WaitingOn)
	assert.Zero(t, env.exec.CallCount("writer"))
}

type countingMetrics struct {
	nodes map[string]int
	runs  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{nodes: map[string]int{}, runs: map[string]int{}}
}

func (m *countingMetrics) RecordNodeTransition(node string) { m.nodes[node]++ }
func (m *countingMetrics) RecordWorkflowRun(status string)  { m.runs[status]++ }

func TestApprovalPolicyDemandsReview(t *testing.T) {
	policy := func(state *types.WorkflowState, out types.AgentOutput) bool {
		return out.Role == "deployer"
	}
	env := newTestEnv(t, []string{"deployer"}, nil, Options{ApprovalPolicy: policy})
	env.exec.Script("deployer", &types.WorkerResult{Success: true, Output: "deployed to staging"})

	state, err := env.engine.Invoke(context.Background(), "ship it", InvokeOptions{ThreadID: "t-policy"})
	require.NoError(t, err)
	require.Equal(t, types.StatusAwaitingApproval, state.Status)
	require.Len(t, env.gate.Pending("t-policy"), 1)

	resumed, err := env.engine.Resume(context.Background(), "t-policy", &types.ApprovalResponse{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resumed.Status)
}

func TestMetricsCountNodesAndRuns(t *testing.T) {
	sink := newCountingMetrics()
	env := newTestEnv(t, []string{"writer"}, nil, Options{Metrics: sink})

	state, err := env.engine.Invoke(context.Background(), "write it", InvokeOptions{ThreadID: "t-metrics"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, state.Status)

	assert.Equal(t, 1, sink.nodes[string(NodeAnalyze)])
	assert.Equal(t, 1, sink.nodes[string(NodeExecute)])
	assert.Equal(t, 1, sink.nodes[string(NodeComplete)])
	assert.GreaterOrEqual(t, sink.nodes[string(NodeRoute)], 2)
	assert.Equal(t, 1, sink.runs[string(RunStatusCompleted)])
}

func TestApprovalTimeoutFailsThread(t *testing.T) {
	env := newTestEnv(t, []string{"deployer"}, nil, Options{DefaultApprovalTimeout: time.Minute})
	env.exec.Script("deployer", &types.WorkerResult{
		Success:      true,
		Output:       "ready to ship",
		RoutingHints: types.RoutingHints{NeedsApproval: true},
	})

	state, err := env.engine.Invoke(context.Background(), "ship it", InvokeOptions{ThreadID: "t-expire"})
	require.NoError(t, err)
	require.Equal(t, types.StatusAwaitingApproval, state.Status)

	pending := env.gate.Pending("t-expire")
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Deadline, "configured timeout must put a deadline on the round")

	expired, err := env.engine.ExpireApproval(context.Background(), "t-expire")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, expired.Status)
	assert.Empty(t, env.gate.Pending("t-expire"))

	require.NotEmpty(t, expired.ThinkingHistory)
	last := expired.ThinkingHistory[len(expired.ThinkingHistory)-1]
	require.NotNil(t, last.Decision)
	assert.Equal(t, types.ActionFail, last.Decision.Action)
	assert.Equal(t, string(types.ErrApprovalTimeout), last.Decision.Error)
}

func TestExpireApprovalOnRunningThreadIsBlocked(t *testing.T) {
	env := newTestEnv(t, []string{"writer"}, nil, Options{})

	state, err := env.engine.Invoke(context.Background(), "write it", InvokeOptions{ThreadID: "t-no-round"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, state.Status)

	_, err = env.engine.ExpireApproval(context.Background(), "t-no-round")
	require.Error(t, err)
	assert.Equal(t, types.ErrRecoveryBlocked, types.GetErrorCode(err))
}
