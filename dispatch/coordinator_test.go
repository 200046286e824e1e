package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/atelierhq/conductor/testutil/mocks"
	"github.com/atelierhq/conductor/types"
)

func targets(roles ...string) []types.DispatchTarget {
	out := make([]types.DispatchTarget, len(roles))
	for i, r := range roles {
		out[i] = types.DispatchTarget{Role: r}
	}
	return out
}

func TestDispatchSingleTarget(t *testing.T) {
	exec := mocks.NewScriptedExecutor().
		Script("architect", &types.WorkerResult{Success: true, Output: "plan ready"})
	c := NewCoordinator(exec, DefaultConfig(), zap.NewNop())

	results := c.Dispatch(context.Background(), "exec-1", "design the system", targets("architect"), nil)

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].Success || results[0].Output != "plan ready" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].AgentID != "architect" {
		t.Errorf("agent id = %q", results[0].AgentID)
	}
}

func TestFanOutIsolatesFailures(t *testing.T) {
	// Scenario: 3-way style competition where the second variant fails.
	exec := mocks.NewScriptedExecutor().
		Script("designer", &types.WorkerResult{Success: true, Output: "variant A"}).
		Script("designer", &types.WorkerResult{Success: false, Error: "render failed"}).
		Script("designer", &types.WorkerResult{Success: true, Output: "variant C"})
	c := NewCoordinator(exec, DefaultConfig(), zap.NewNop())

	tgts := []types.DispatchTarget{
		{Role: "designer", Style: "minimal"},
		{Role: "designer", Style: "bold"},
		{Role: "designer", Style: "classic"},
	}
	results := c.Dispatch(context.Background(), "exec-1", "make a banner", tgts, nil)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
		}
		if r.GroupID == "" || r.GroupID != results[0].GroupID {
			t.Error("all results must share one group id")
		}
	}
	if successes != 2 {
		t.Errorf("successes = %d, want 2", successes)
	}
}

func TestFanOutIsolatesErrorsAndPanics(t *testing.T) {
	exec := mocks.NewScriptedExecutor().
		ScriptError("backend", errors.New("connection refused"))
	exec.PanicRoles["frontend"] = true
	c := NewCoordinator(exec, DefaultConfig(), zap.NewNop())

	results := c.Dispatch(context.Background(), "exec-1", "build",
		targets("backend", "frontend", "reviewer"), nil)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Success || results[0].Error != "connection refused" {
		t.Errorf("backend result = %+v", results[0])
	}
	if results[1].Success {
		t.Errorf("panicking worker must yield a failed result: %+v", results[1])
	}
	if !results[2].Success {
		t.Errorf("sibling must complete despite failures: %+v", results[2])
	}
}

func TestBoundedParallelism(t *testing.T) {
	const n = 20
	const limit = 4

	var active, peak int64
	var mu sync.Mutex

	exec := ExecutorFunc(func(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error) {
		cur := atomic.AddInt64(&active, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &types.WorkerResult{Success: true}, nil
	})

	cfg := DefaultConfig()
	cfg.MaxParallelAgents = limit
	c := NewCoordinator(exec, cfg, zap.NewNop())

	roles := make([]string, n)
	for i := range roles {
		roles[i] = "worker"
	}
	results := c.Dispatch(context.Background(), "exec-1", "task", targets(roles...), nil)

	if len(results) != n {
		t.Fatalf("results = %d, want %d", len(results), n)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", peak, limit)
	}
}

func TestOpenBreakerShortCircuitsRole(t *testing.T) {
	exec := mocks.NewScriptedExecutor()
	for i := 0; i < 5; i++ {
		exec.ScriptError("backend", errors.New("down"))
	}
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.RecoveryTimeout = time.Hour
	c := NewCoordinator(exec, cfg, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Dispatch(ctx, "exec-1", "task", targets("backend"), nil)
	}
	if c.BreakerState("backend") != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", c.BreakerState("backend"))
	}

	calls := exec.CallCount("backend")
	results := c.Dispatch(ctx, "exec-1", "task", targets("backend"), nil)
	if results[0].Success {
		t.Error("open breaker must fail the dispatch")
	}
	if exec.CallCount("backend") != calls {
		t.Error("open breaker must not invoke the executor")
	}
}

func TestStyleReachesExecutorMeta(t *testing.T) {
	exec := mocks.NewScriptedExecutor()
	c := NewCoordinator(exec, DefaultConfig(), zap.NewNop())

	c.Dispatch(context.Background(), "exec-1", "task",
		[]types.DispatchTarget{{Role: "designer", Style: "minimal"}}, map[string]any{"tenant": "acme"})

	calls := exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Meta["style"] != "minimal" || calls[0].Meta["tenant"] != "acme" {
		t.Errorf("meta = %v", calls[0].Meta)
	}
}

func TestDispatchEmptyTargets(t *testing.T) {
	c := NewCoordinator(mocks.NewScriptedExecutor(), DefaultConfig(), zap.NewNop())
	if results := c.Dispatch(context.Background(), "exec-1", "task", nil, nil); results != nil {
		t.Errorf("expected nil results for empty targets, got %v", results)
	}
}

// Property: any fan-out of N targets yields exactly N results, each
// matching its target's role, whatever mix of successes, errors and
// panics the workers produce.
func TestFanOutCardinalityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "n")
		outcomes := make([]int, n) // 0 success, 1 failure, 2 error
		for i := range outcomes {
			outcomes[i] = rapid.IntRange(0, 2).Draw(t, "outcome")
		}

		exec := mocks.NewScriptedExecutor()
		tgts := make([]types.DispatchTarget, n)
		for i, o := range outcomes {
			tgts[i] = types.DispatchTarget{Role: "worker"}
			switch o {
			case 0:
				exec.Script("worker", &types.WorkerResult{Success: true, Output: "ok"})
			case 1:
				exec.Script("worker", &types.WorkerResult{Success: false, Error: "fail"})
			case 2:
				exec.ScriptError("worker", errors.New("err"))
			}
		}

		cfg := DefaultConfig()
		cfg.MaxParallelAgents = rapid.IntRange(1, 8).Draw(t, "limit")
		// Keep the breaker out of the way; it has its own tests.
		cfg.Breaker.FailureThreshold = n + 1
		c := NewCoordinator(exec, cfg, zap.NewNop())

		results := c.Dispatch(context.Background(), "exec-p", "task", tgts, nil)
		if len(results) != n {
			t.Fatalf("results = %d, want %d", len(results), n)
		}
		for i, r := range results {
			if r.AgentID != "worker" {
				t.Fatalf("result %d has agent %q", i, r.AgentID)
			}
		}
	})
}

type captureMetrics struct {
	mu         sync.Mutex
	dispatches int
	successes  int
	fanOuts    []int
}

func (m *captureMetrics) RecordDispatch(role string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches++
	if success {
		m.successes++
	}
}

func (m *captureMetrics) RecordFanOut(targets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanOuts = append(m.fanOuts, targets)
}

func TestDispatchReportsMetrics(t *testing.T) {
	exec := mocks.NewScriptedExecutor().
		Script("designer", &types.WorkerResult{Success: true, Output: "variant A"}).
		Script("designer", &types.WorkerResult{Success: false, Error: "render failed"})
	sink := &captureMetrics{}
	c := NewCoordinator(exec, DefaultConfig(), zap.NewNop()).WithMetrics(sink)

	tgts := []types.DispatchTarget{
		{Role: "designer", Style: "minimal"},
		{Role: "designer", Style: "bold"},
	}
	c.Dispatch(context.Background(), "exec-1", "make a banner", tgts, nil)

	if sink.dispatches != 2 || sink.successes != 1 {
		t.Errorf("dispatches = %d, successes = %d, want 2 and 1", sink.dispatches, sink.successes)
	}
	if len(sink.fanOuts) != 1 || sink.fanOuts[0] != 2 {
		t.Errorf("fan-outs = %v, want [2]", sink.fanOuts)
	}

	c.Dispatch(context.Background(), "exec-2", "make a banner", targets("designer"), nil)
	if len(sink.fanOuts) != 1 {
		t.Errorf("single dispatch must not count as a fan-out: %v", sink.fanOuts)
	}
	if sink.dispatches != 3 {
		t.Errorf("dispatches = %d, want 3", sink.dispatches)
	}
}
