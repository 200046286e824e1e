package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atelierhq/conductor/types"
)

func TestAfterAnalyze(t *testing.T) {
	assert.Equal(t, NodeFail, afterAnalyze(&types.WorkflowState{}))
	assert.Equal(t, NodeRoute, afterAnalyze(&types.WorkflowState{Analysis: &types.Analysis{}}))
}

func TestAfterExecute(t *testing.T) {
	fresh := &types.WorkflowState{MaxRetries: 3}
	assert.Equal(t, NodeRoute, afterExecute(fresh))

	retryable := &types.WorkflowState{MaxRetries: 3, RetryCount: 1}
	retryable.AppendOutput(types.AgentOutput{Role: "writer", Success: false})
	assert.Equal(t, NodeRoute, afterExecute(retryable))

	exhausted := &types.WorkflowState{MaxRetries: 3, RetryCount: 3}
	exhausted.AppendOutput(types.AgentOutput{Role: "writer", Success: false})
	assert.Equal(t, NodeFail, afterExecute(exhausted))

	ok := &types.WorkflowState{MaxRetries: 3}
	ok.AppendOutput(types.AgentOutput{Role: "writer", Success: true})
	assert.Equal(t, NodeRoute, afterExecute(ok))

	review := &types.WorkflowState{MaxRetries: 3}
	review.AppendOutput(types.AgentOutput{
		Role:         "writer",
		Success:      true,
		RoutingHints: types.RoutingHints{NeedsApproval: true},
	})
	assert.Equal(t, NodeApprove, afterExecute(review))
}

func TestAfterApprove(t *testing.T) {
	assert.Equal(t, NodeRoute, afterApprove(&types.WorkflowState{}))
}

func TestNodeTerminal(t *testing.T) {
	assert.True(t, NodeComplete.Terminal())
	assert.True(t, NodeFail.Terminal())
	assert.False(t, NodeRoute.Terminal())
	assert.False(t, NodeApprove.Terminal())
}
