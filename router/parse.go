package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/atelierhq/conductor/types"
)

// actionAliases maps loose action spellings produced by external decision
// sources onto the strict internal enum.
var actionAliases = map[string]types.DecisionAction{
	"dispatch":          types.ActionDispatch,
	"dispatch_agent":    types.ActionDispatch,
	"single":            types.ActionDispatch,
	"parallel_dispatch": types.ActionParallelDispatch,
	"parallel":          types.ActionParallelDispatch,
	"fan_out":           types.ActionParallelDispatch,
	"fanout":            types.ActionParallelDispatch,
	"approval":          types.ActionApproval,
	"approve":           types.ActionApproval,
	"request_approval":  types.ActionApproval,
	"ask_user":          types.ActionApproval,
	"complete":          types.ActionComplete,
	"done":              types.ActionComplete,
	"finish":            types.ActionComplete,
	"finished":          types.ActionComplete,
	"fail":              types.ActionFail,
	"error":             types.ActionFail,
	"abort":             types.ActionFail,
	"wait":              types.ActionWait,
	"pause":             types.ActionWait,
	"suspend":           types.ActionWait,
}

// looseDecision mirrors OrchestratorDecision with every field relaxed so
// that partially conforming payloads still decode. Coercion into the
// strict type happens afterwards.
type looseDecision struct {
	Reasoning      string                `json:"reasoning"`
	Thought        string                `json:"thought"`
	Action         string                `json:"action"`
	Targets        []json.RawMessage     `json:"targets"`
	Agents         []json.RawMessage     `json:"agents"`
	ContextMapping map[string]string     `json:"context_mapping"`
	ApprovalConfig *types.ApprovalConfig `json:"approval_config"`
	Error          string                `json:"error"`
	Summary        string                `json:"summary"`
	Confidence     json.RawMessage       `json:"confidence"`
}

// ParseDecision coerces a loosely structured decision payload into the
// strict internal type. Tolerated deviations: alias action names, targets
// given as bare role strings, confidence given as a string, reasoning
// under the key "thought". A missing or unrecognized action is a hard
// error; the decision boundary never guesses intent.
func ParseDecision(raw []byte) (*types.OrchestratorDecision, error) {
	var loose looseDecision
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, types.NewError(types.ErrInvalidDecision, "decision payload is not valid JSON").WithCause(err)
	}

	action, ok := actionAliases[strings.ToLower(strings.TrimSpace(loose.Action))]
	if !ok {
		return nil, types.NewError(types.ErrInvalidDecision,
			fmt.Sprintf("unrecognized decision action %q", loose.Action))
	}

	decision := &types.OrchestratorDecision{
		Reasoning:      loose.Reasoning,
		Action:         action,
		ContextMapping: loose.ContextMapping,
		ApprovalConfig: loose.ApprovalConfig,
		Error:          loose.Error,
		Summary:        loose.Summary,
		Confidence:     parseConfidence(loose.Confidence),
	}
	if decision.Reasoning == "" {
		decision.Reasoning = loose.Thought
	}

	rawTargets := loose.Targets
	if len(rawTargets) == 0 {
		rawTargets = loose.Agents
	}
	for _, rt := range rawTargets {
		target, err := parseTarget(rt)
		if err != nil {
			return nil, err
		}
		decision.Targets = append(decision.Targets, target)
	}

	switch action {
	case types.ActionDispatch, types.ActionParallelDispatch:
		if len(decision.Targets) == 0 {
			return nil, types.NewError(types.ErrInvalidDecision,
				fmt.Sprintf("action %s requires at least one target", action))
		}
	}

	return decision, nil
}

// parseTarget accepts either a full target object or a bare role string.
func parseTarget(raw json.RawMessage) (types.DispatchTarget, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var role string
		if err := json.Unmarshal(raw, &role); err != nil {
			return types.DispatchTarget{}, types.NewError(types.ErrInvalidDecision, "malformed target string").WithCause(err)
		}
		if role == "" {
			return types.DispatchTarget{}, types.NewError(types.ErrInvalidDecision, "target role is empty")
		}
		return types.DispatchTarget{Role: role}, nil
	}

	var target types.DispatchTarget
	if err := json.Unmarshal(raw, &target); err != nil {
		return types.DispatchTarget{}, types.NewError(types.ErrInvalidDecision, "malformed target object").WithCause(err)
	}
	if target.Role == "" {
		return types.DispatchTarget{}, types.NewError(types.ErrInvalidDecision, "target is missing a role")
	}
	return target, nil
}

// parseConfidence tolerates numeric or quoted-numeric confidence and
// clamps the result to [0, 1]. Unparseable values degrade to zero.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		f = parsed
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
