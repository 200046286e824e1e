package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/atelierhq/conductor/types"
)

// Executor is the external worker contract: given a role and task it
// returns a result or an error. It must be safe to call concurrently for
// independent targets; timeouts are its responsibility and surface here as
// failed results.
type Executor interface {
	Execute(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, role, task string, meta map[string]any) (*types.WorkerResult, error) {
	return f(ctx, role, task, meta)
}

// Metrics receives dispatch measurements. Implementations must be safe
// for concurrent use.
type Metrics interface {
	RecordDispatch(role string, success bool, duration time.Duration)
	RecordFanOut(targets int)
}

// Config tunes the coordinator.
type Config struct {
	// MaxParallelAgents bounds concurrent worker calls within one fan-out.
	MaxParallelAgents int `yaml:"max_parallel_agents" json:"max_parallel_agents"`
	// RatePerSecond limits worker invocations across fan-outs; zero
	// disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// RateBurst is the limiter burst size when rate limiting is enabled.
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
	// Breaker tunes the per-role circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the default coordinator tuning.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgents: 10,
		Breaker:           DefaultBreakerConfig(),
	}
}

// Coordinator executes dispatch targets with bounded parallelism and
// failure isolation. A single-target dispatch is the degenerate case of
// the same path.
type Coordinator struct {
	executor Executor
	config   Config
	logger   *zap.Logger
	limiter  *rate.Limiter
	metrics  Metrics

	breakers map[string]*Breaker
	mu       sync.Mutex
}

// NewCoordinator creates a coordinator over the given executor.
func NewCoordinator(executor Executor, config Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxParallelAgents <= 0 {
		config.MaxParallelAgents = DefaultConfig().MaxParallelAgents
	}
	c := &Coordinator{
		executor: executor,
		config:   config,
		logger:   logger.With(zap.String("component", "dispatch_coordinator")),
		breakers: make(map[string]*Breaker),
	}
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return c
}

// WithMetrics attaches a metrics sink for dispatch outcomes.
func (c *Coordinator) WithMetrics(m Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Dispatch runs every target concurrently (capped by MaxParallelAgents)
// and returns exactly one ParallelResult per target, in target order. An
// error, panic, or open breaker on one target never short-circuits the
// others.
func (c *Coordinator) Dispatch(ctx context.Context, executionID, task string, targets []types.DispatchTarget, meta map[string]any) []types.ParallelResult {
	if len(targets) == 0 {
		return nil
	}

	groupID := uuid.NewString()
	c.logger.Debug("dispatching",
		zap.String("execution_id", executionID),
		zap.String("group_id", groupID),
		zap.Int("targets", len(targets)),
	)

	sem := semaphore.NewWeighted(int64(c.config.MaxParallelAgents))
	results := make([]types.ParallelResult, len(targets))
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target types.DispatchTarget) {
			defer wg.Done()
			results[i] = c.run(ctx, sem, executionID, groupID, task, target, meta)
		}(i, target)
	}
	wg.Wait()

	failures := 0
	for _, r := range results {
		if !r.Success {
			failures++
		}
		if c.metrics != nil {
			c.metrics.RecordDispatch(r.AgentID, r.Success, time.Duration(r.DurationMS)*time.Millisecond)
		}
	}
	if c.metrics != nil && len(targets) > 1 {
		c.metrics.RecordFanOut(len(targets))
	}
	c.logger.Info("dispatch complete",
		zap.String("execution_id", executionID),
		zap.String("group_id", groupID),
		zap.Int("targets", len(targets)),
		zap.Int("failures", failures),
	)
	return results
}

// run executes a single target, converting every failure mode into a
// failed result.
func (c *Coordinator) run(ctx context.Context, sem *semaphore.Weighted, executionID, groupID, task string, target types.DispatchTarget, meta map[string]any) (result types.ParallelResult) {
	start := time.Now()
	result = types.ParallelResult{
		AgentID:     target.Role,
		ExecutionID: executionID,
		GroupID:     groupID,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("worker panic: %v", r)
			result.DurationMS = time.Since(start).Milliseconds()
			c.logger.Error("worker panicked",
				zap.String("role", target.Role),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		result.Error = fmt.Sprintf("dispatch canceled: %v", err)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	defer sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			result.Error = fmt.Sprintf("dispatch canceled: %v", err)
			result.DurationMS = time.Since(start).Milliseconds()
			return result
		}
	}

	breaker := c.breaker(target.Role)
	if !breaker.Allow() {
		result.Error = fmt.Sprintf("circuit open for role %s", target.Role)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	callMeta := meta
	if target.Style != "" || len(target.ContextRefs) > 0 {
		callMeta = make(map[string]any, len(meta)+2)
		for k, v := range meta {
			callMeta[k] = v
		}
		if target.Style != "" {
			callMeta["style"] = target.Style
		}
		if len(target.ContextRefs) > 0 {
			callMeta["context_refs"] = target.ContextRefs
		}
	}

	res, err := c.executor.Execute(ctx, target.Role, task, callMeta)
	result.DurationMS = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		breaker.RecordFailure()
		result.Error = err.Error()
	case res == nil:
		breaker.RecordFailure()
		result.Error = "worker returned no result"
	case !res.Success:
		breaker.RecordFailure()
		result.Error = res.Error
		result.Output = res.Output
		result.Artifacts = res.Artifacts
		result.Hints = res.RoutingHints
	default:
		breaker.RecordSuccess()
		result.Success = true
		result.Output = res.Output
		result.Artifacts = res.Artifacts
		result.Hints = res.RoutingHints
	}
	return result
}

// breaker returns the breaker for a role, creating it on first use.
func (c *Coordinator) breaker(role string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[role]
	if !ok {
		b = NewBreaker(role, c.config.Breaker, c.logger)
		c.breakers[role] = b
	}
	return b
}

// BreakerState exposes a role's breaker state for observability.
func (c *Coordinator) BreakerState(role string) BreakerState {
	return c.breaker(role).State()
}
