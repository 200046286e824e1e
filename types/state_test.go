package types

import (
	"testing"
	"time"
)

func TestAppendOutputPreservesOrder(t *testing.T) {
	state := &WorkflowState{ThreadID: "t1"}

	state.AppendOutput(AgentOutput{Role: "architect", Success: true})
	state.AppendOutput(AgentOutput{Role: "backend", Success: false, Error: "boom"})

	if len(state.AgentOutputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(state.AgentOutputs))
	}
	last := state.LastOutput()
	if last == nil || last.Role != "backend" {
		t.Fatalf("last output = %+v", last)
	}
	if last.Timestamp.IsZero() {
		t.Error("timestamp should be populated")
	}
}

func TestAppendThinkingMonotonicSteps(t *testing.T) {
	state := &WorkflowState{ThreadID: "t1"}

	for i := 0; i < 3; i++ {
		state.AppendThinking(TriggerAgentCompleted, "summary", "reasoning", nil)
	}

	for i, step := range state.ThinkingHistory {
		if step.Step != i+1 {
			t.Errorf("step %d has number %d", i, step.Step)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := &WorkflowState{
		ThreadID:   "t1",
		Analysis:   &Analysis{Summary: "plan", RequiredRoles: []string{"architect"}},
		AgentQueue: []string{"architect", "backend"},
		ApprovalResponse: &ApprovalResponse{
			Approved:    true,
			RespondedAt: time.Now(),
		},
	}
	state.AppendOutput(AgentOutput{Role: "architect", Success: true})

	clone := state.Clone()
	clone.AgentQueue[0] = "mutated"
	clone.Analysis.Summary = "mutated"
	clone.AppendOutput(AgentOutput{Role: "backend", Success: true})
	clone.ApprovalResponse.Approved = false

	if state.AgentQueue[0] != "architect" {
		t.Error("clone shares agent queue")
	}
	if state.Analysis.Summary != "plan" {
		t.Error("clone shares analysis")
	}
	if len(state.AgentOutputs) != 1 {
		t.Error("clone shares output log")
	}
	if !state.ApprovalResponse.Approved {
		t.Error("clone shares approval response")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusAborted}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRouting, StatusAwaitingApproval} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
