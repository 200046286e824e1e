// Package mocks provides test doubles for conductor's external
// collaborators.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelierhq/conductor/types"
)

// Call records one executor invocation.
type Call struct {
	Role string
	Task string
	Meta map[string]any
}

// ScriptedExecutor is a WorkerExecutor double that replays scripted
// results per role. When a role's script is exhausted the executor falls
// back to a generic success, so long pipelines do not need exhaustive
// scripts.
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]scripted
	calls   []Call

	// Delay is applied to every call, for exercising concurrency.
	Delay time.Duration
	// PanicRoles panic on invocation, for failure isolation tests.
	PanicRoles map[string]bool
}

type scripted struct {
	result *types.WorkerResult
	err    error
}

// NewScriptedExecutor creates an empty scripted executor.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		scripts:    make(map[string][]scripted),
		PanicRoles: make(map[string]bool),
	}
}

// Script appends a result to a role's script.
func (e *ScriptedExecutor) Script(role string, result *types.WorkerResult) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[role] = append(e.scripts[role], scripted{result: result})
	return e
}

// ScriptError appends an error to a role's script.
func (e *ScriptedExecutor) ScriptError(role string, err error) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[role] = append(e.scripts[role], scripted{err: err})
	return e
}

// Execute implements the executor contract.
func (e *ScriptedExecutor) Execute(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Role: role, Task: task, Meta: meta})
	if e.PanicRoles[role] {
		e.mu.Unlock()
		panic(fmt.Sprintf("scripted panic for role %s", role))
	}
	var next *scripted
	if queue := e.scripts[role]; len(queue) > 0 {
		next = &queue[0]
		e.scripts[role] = queue[1:]
	}
	delay := e.Delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if next == nil {
		return &types.WorkerResult{Success: true, Output: fmt.Sprintf("%s done", role)}, nil
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.result, nil
}

// Calls returns a copy of the recorded invocations.
func (e *ScriptedExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallCount returns the number of invocations for a role ("" counts all).
func (e *ScriptedExecutor) CallCount(role string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if role == "" {
		return len(e.calls)
	}
	n := 0
	for _, c := range e.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

// StaticValidator is a guardrail double returning a fixed verdict.
type StaticValidator struct {
	Valid      bool
	Violations []string
}

// Validate implements types.Validator.
func (v *StaticValidator) Validate(ctx context.Context, output, kind string, meta map[string]any) (*types.ValidationResult, error) {
	return &types.ValidationResult{Valid: v.Valid, Violations: v.Violations}, nil
}
