package engine

import "github.com/atelierhq/conductor/types"

// Node names one state of the workflow state machine. The set is fixed;
// there is no runtime node registration.
type Node string

const (
	NodeAnalyze  Node = "analyze"
	NodeRoute    Node = "route"
	NodeExecute  Node = "execute"
	NodeParallel Node = "parallel_dispatch"
	NodeApprove  Node = "approve"
	NodeComplete Node = "complete"
	NodeFail     Node = "fail"
)

// Terminal reports whether the node ends the state machine.
func (n Node) Terminal() bool {
	return n == NodeComplete || n == NodeFail
}

// Conditional edges. Each is a pure predicate over WorkflowState; node
// handlers perform every side effect before the edge is evaluated.

// afterAnalyze routes to fail when no usable analysis was produced.
func afterAnalyze(state *types.WorkflowState) Node {
	if state.Analysis == nil {
		return NodeFail
	}
	return NodeRoute
}

// afterExecute covers both single dispatch and fan-out. A failed last
// output with the retry budget exhausted is terminal; otherwise failures
// re-enter routing for a retry decision.
func afterExecute(state *types.WorkflowState) Node {
	last := state.LastOutput()
	if last == nil {
		return NodeRoute
	}
	if !last.Success && state.RetryCount >= state.MaxRetries {
		return NodeFail
	}
	if !last.Success {
		return NodeRoute
	}
	if last.RoutingHints.NeedsApproval {
		return NodeApprove
	}
	return NodeRoute
}

// afterApprove always re-enters routing; the router inspects the response
// and decides whether to continue, re-run a competition, or escalate.
func afterApprove(state *types.WorkflowState) Node {
	return NodeRoute
}
