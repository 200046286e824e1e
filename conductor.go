// Package conductor provides a top-level convenience entry point for
// assembling a workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/atelierhq/conductor"
//
//	c, err := conductor.New(
//	    conductor.WithExecutor(myExecutor),
//	    conductor.WithAnalyzer(myAnalyzer),
//	)
//	state, err := c.Run(ctx, "build a landing page", engine.InvokeOptions{})
//
// Every collaborator can be swapped through options; the defaults use
// in-memory stores and are suitable for tests and embedding.
package conductor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/conductor/approval"
	"github.com/atelierhq/conductor/checkpoint"
	"github.com/atelierhq/conductor/config"
	"github.com/atelierhq/conductor/dispatch"
	"github.com/atelierhq/conductor/engine"
	"github.com/atelierhq/conductor/router"
	"github.com/atelierhq/conductor/types"
)

// Conductor bundles an engine with its wired collaborators.
type Conductor struct {
	Engine      *engine.Engine
	Checkpoints *checkpoint.TriggerManager
	Gate        *approval.Gate
	Coordinator *dispatch.Coordinator
	Logger      *zap.Logger
}

type options struct {
	cfg             *config.Config
	executor        dispatch.Executor
	analyzer        engine.Analyzer
	thinkingRouter  router.ThinkingRouter
	checkpointStore checkpoint.Store
	approvalStore   approval.Store
	validator       types.Validator
	approvalPolicy  engine.ApprovalPolicy
	observer        checkpoint.Observer
	metrics         engine.Metrics
	logger          *zap.Logger
}

// Option configures the conductor created by [New].
type Option func(*options)

// WithConfig supplies a full configuration instead of the defaults.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithExecutor sets the worker executor. Required.
func WithExecutor(e dispatch.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithAnalyzer sets the prompt analyzer. Required.
func WithAnalyzer(a engine.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithRouter overrides the default rule-based thinking router.
func WithRouter(r router.ThinkingRouter) Option {
	return func(o *options) { o.thinkingRouter = r }
}

// WithCheckpointStore overrides the in-memory checkpoint store.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(o *options) { o.checkpointStore = s }
}

// WithApprovalStore overrides the in-memory approval round store.
func WithApprovalStore(s approval.Store) Option {
	return func(o *options) { o.approvalStore = s }
}

// WithValidator attaches a guardrail validator consulted before worker
// output is accepted.
func WithValidator(v types.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithApprovalPolicy attaches a policy that can demand an approval
// round for outputs the worker itself did not flag.
func WithApprovalPolicy(p engine.ApprovalPolicy) Option {
	return func(o *options) { o.approvalPolicy = p }
}

// WithCheckpointObserver attaches a metrics observer for checkpoint
// outcomes.
func WithCheckpointObserver(obs checkpoint.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithMetrics attaches an engine metrics sink for node transitions and
// run outcomes.
func WithMetrics(m engine.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New assembles a conductor. An executor and an analyzer must be
// supplied; everything else has working defaults.
func New(opts ...Option) (*Conductor, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		return nil, types.NewError(types.ErrInvalidState, "conductor requires an executor")
	}
	if o.analyzer == nil {
		return nil, types.NewError(types.ErrInvalidState, "conductor requires an analyzer")
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.checkpointStore == nil {
		o.checkpointStore = checkpoint.NewInMemoryStore()
	}
	if o.approvalStore == nil {
		o.approvalStore = approval.NewInMemoryStore()
	}
	if o.thinkingRouter == nil {
		routerCfg := o.cfg.Router
		if routerCfg.ApprovalTimeout == 0 && o.cfg.Approval.DefaultTimeout > 0 {
			routerCfg.ApprovalTimeout = int(o.cfg.Approval.DefaultTimeout / time.Second)
		}
		o.thinkingRouter = router.NewRuleRouter(routerCfg, o.logger)
	}

	checkpoints := checkpoint.NewTriggerManager(o.checkpointStore, o.cfg.Checkpoint.Triggers, o.logger)
	if o.observer != nil {
		checkpoints.WithObserver(o.observer)
	}
	gate := approval.NewGate(o.approvalStore, o.logger)
	coordinator := dispatch.NewCoordinator(o.executor, o.cfg.Dispatch, o.logger)
	if m, ok := o.metrics.(approval.Metrics); ok {
		gate.WithMetrics(m)
	}
	if m, ok := o.metrics.(dispatch.Metrics); ok {
		coordinator.WithMetrics(m)
	}

	eng := engine.New(
		o.analyzer,
		o.thinkingRouter,
		coordinator,
		gate,
		checkpoints,
		engine.Options{
			MaxRetries:             o.cfg.Engine.MaxRetries,
			MaxIterations:          o.cfg.Engine.MaxIterations,
			Validator:              o.validator,
			DefaultApprovalTimeout: o.cfg.Approval.DefaultTimeout,
			ApprovalPolicy:         o.approvalPolicy,
			Metrics:                o.metrics,
		},
		o.logger,
	)

	return &Conductor{
		Engine:      eng,
		Checkpoints: checkpoints,
		Gate:        gate,
		Coordinator: coordinator,
		Logger:      o.logger,
	}, nil
}

// Run starts or resumes a workflow thread.
func (c *Conductor) Run(ctx context.Context, prompt string, opts engine.InvokeOptions) (*types.WorkflowState, error) {
	return c.Engine.Invoke(ctx, prompt, opts)
}

// Resume injects an approval response into a suspended thread.
func (c *Conductor) Resume(ctx context.Context, threadID string, resp *types.ApprovalResponse) (*types.WorkflowState, error) {
	return c.Engine.Resume(ctx, threadID, resp)
}

// ExpireApproval times out a suspended thread's pending approval rounds
// and routes the thread with the timeout trigger.
func (c *Conductor) ExpireApproval(ctx context.Context, threadID string) (*types.WorkflowState, error) {
	return c.Engine.ExpireApproval(ctx, threadID)
}
