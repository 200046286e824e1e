// Package approval implements the human approval gate: the suspension
// point where a workflow thread waits for a human decision.
//
// The gate owns round lifecycle only. It never decides what a rejection
// or timeout means for the workflow; it exposes iteration counts and
// outcomes so the thinking router can enforce the rejection cap and pick
// the next action.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelierhq/conductor/types"
)

// RoundStatus is the lifecycle status of one approval round.
type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"
	RoundApproved RoundStatus = "approved"
	RoundRejected RoundStatus = "rejected"
	RoundDeferred RoundStatus = "deferred"
	RoundTimeout  RoundStatus = "timeout"
	RoundCanceled RoundStatus = "canceled"
)

// Request is one approval round.
type Request struct {
	ID          string                  `json:"id"`
	ThreadID    string                  `json:"thread_id"`
	Config      types.ApprovalConfig    `json:"config"`
	Status      RoundStatus             `json:"status"`
	Response    *types.ApprovalResponse `json:"response,omitempty"`
	RequestedAt time.Time               `json:"requested_at"`
	ResolvedAt  *time.Time              `json:"resolved_at,omitempty"`
	Deadline    *time.Time              `json:"deadline,omitempty"`

	responseCh chan *types.ApprovalResponse
}

// Store persists approval rounds across restarts.
type Store interface {
	Save(ctx context.Context, req *Request) error
	Update(ctx context.Context, req *Request) error
	Load(ctx context.Context, id string) (*Request, error)
	ListPending(ctx context.Context, threadID string) ([]*Request, error)
}

// ErrTimeout is wrapped into the error returned when an approval round's
// deadline expires before a decision arrives.
var ErrTimeout = types.NewError(types.ErrApprovalTimeout, "approval round timed out")

// Metrics receives round outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordApproval(resolution string, latency time.Duration)
}

// Gate pauses workflow threads for human decisions.
type Gate struct {
	store   Store
	logger  *zap.Logger
	metrics Metrics

	pending map[string]*Request
	mu      sync.RWMutex
}

// NewGate creates a gate over the given store.
func NewGate(store Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Gate{
		store:   store,
		logger:  logger.With(zap.String("component", "approval_gate")),
		pending: make(map[string]*Request),
	}
}

// WithMetrics attaches a metrics sink for round resolutions.
func (g *Gate) WithMetrics(m Metrics) *Gate {
	g.metrics = m
	return g
}

func (g *Gate) recordResolution(req *Request) {
	if g.metrics == nil || req.ResolvedAt == nil {
		return
	}
	g.metrics.RecordApproval(string(req.Status), req.ResolvedAt.Sub(req.RequestedAt))
}

// Open persists a new pending round and returns it without blocking. The
// engine suspends the thread after opening; delivery of the decision is a
// separate Resolve call (or Await for synchronous callers).
func (g *Gate) Open(ctx context.Context, threadID string, cfg types.ApprovalConfig) (*Request, error) {
	req := &Request{
		ID:          fmt.Sprintf("apr_%s", uuid.NewString()),
		ThreadID:    threadID,
		Config:      cfg,
		Status:      RoundPending,
		RequestedAt: time.Now(),
		responseCh:  make(chan *types.ApprovalResponse, 1),
	}
	if cfg.Timeout > 0 {
		deadline := req.RequestedAt.Add(cfg.Timeout)
		req.Deadline = &deadline
	}

	if err := g.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval round: %w", err)
	}

	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()

	g.logger.Info("approval round opened",
		zap.String("request_id", req.ID),
		zap.String("thread_id", threadID),
		zap.String("kind", string(cfg.Kind)),
		zap.Int("options", len(cfg.Options)),
		zap.Int("iteration", cfg.Iteration),
	)
	return req, nil
}

// Resolve delivers a human decision to a pending round.
func (g *Gate) Resolve(ctx context.Context, requestID string, resp *types.ApprovalResponse) error {
	g.mu.Lock()
	req, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("approval round not found or already resolved: %s", requestID)
	}
	if req.Status != RoundPending {
		g.mu.Unlock()
		return fmt.Errorf("approval round %s is not pending (status %s)", requestID, req.Status)
	}

	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	req.Response = resp
	now := time.Now()
	req.ResolvedAt = &now
	switch {
	case resp.Deferred:
		req.Status = RoundDeferred
	case resp.Approved:
		req.Status = RoundApproved
	default:
		req.Status = RoundRejected
	}
	delete(g.pending, requestID)
	g.mu.Unlock()
	g.recordResolution(req)

	if err := g.store.Update(ctx, req); err != nil {
		return fmt.Errorf("update approval round: %w", err)
	}

	// Non-blocking: the channel is buffered and nobody may be awaiting.
	select {
	case req.responseCh <- resp:
	default:
	}

	g.logger.Info("approval round resolved",
		zap.String("request_id", requestID),
		zap.String("status", string(req.Status)),
		zap.String("option", resp.SelectedOptionID),
	)
	return nil
}

// Await blocks until the round is resolved, its deadline expires, or the
// context is canceled. On deadline expiry the round is marked timed out
// and the returned error wraps ErrTimeout; the caller surfaces this as
// the timeout trigger to the thinking router.
func (g *Gate) Await(ctx context.Context, req *Request) (*types.ApprovalResponse, error) {
	var expired <-chan time.Time
	if req.Deadline != nil {
		timer := time.NewTimer(time.Until(*req.Deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-req.responseCh:
		return resp, nil
	case <-expired:
		g.expire(ctx, req)
		return nil, fmt.Errorf("round %s: %w", req.ID, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expire marks a pending round timed out without a human decision. The
// caller re-enters the workflow with the timeout trigger; the gate only
// records the outcome.
func (g *Gate) Expire(ctx context.Context, requestID string) error {
	g.mu.Lock()
	req, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval round not found or already resolved: %s", requestID)
	}
	g.expire(ctx, req)
	return nil
}

// Cancel marks a pending round canceled (e.g. the thread was aborted).
func (g *Gate) Cancel(ctx context.Context, requestID string) error {
	g.mu.Lock()
	req, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("approval round not found: %s", requestID)
	}
	req.Status = RoundCanceled
	now := time.Now()
	req.ResolvedAt = &now
	delete(g.pending, requestID)
	g.mu.Unlock()
	g.recordResolution(req)

	g.logger.Info("approval round canceled", zap.String("request_id", requestID))
	return g.store.Update(ctx, req)
}

// Pending returns the pending rounds of a thread ("" matches all).
func (g *Gate) Pending(threadID string) []*Request {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Request
	for _, req := range g.pending {
		if threadID == "" || req.ThreadID == threadID {
			out = append(out, req)
		}
	}
	return out
}

func (g *Gate) expire(ctx context.Context, req *Request) {
	g.mu.Lock()
	expired := false
	if req.Status == RoundPending {
		req.Status = RoundTimeout
		now := time.Now()
		req.ResolvedAt = &now
		delete(g.pending, req.ID)
		expired = true
	}
	g.mu.Unlock()
	if expired {
		g.recordResolution(req)
	}

	if err := g.store.Update(ctx, req); err != nil {
		g.logger.Warn("failed to persist timeout", zap.String("request_id", req.ID), zap.Error(err))
	}
	g.logger.Warn("approval round timed out", zap.String("request_id", req.ID))
}

// InMemoryStore keeps approval rounds in process memory.
type InMemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory approval store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*Request)}
}

func (s *InMemoryStore) Save(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval round not found: %s", id)
	}
	return req, nil
}

func (s *InMemoryStore) ListPending(ctx context.Context, threadID string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.Status == RoundPending && (threadID == "" || req.ThreadID == threadID) {
			out = append(out, req)
		}
	}
	return out, nil
}
