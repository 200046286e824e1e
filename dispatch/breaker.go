package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the circuit breaker state for one worker role.
type BreakerState int

const (
	// BreakerClosed allows calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows a limited number of probe calls.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-role circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenSuccesses is the consecutive-success count that closes a
	// half-open breaker.
	HalfOpenSuccesses int `json:"half_open_successes"`
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker is a circuit breaker guarding one worker role.
type Breaker struct {
	role        string
	config      BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewBreaker creates a closed breaker for a role.
func NewBreaker(role string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		role:   role,
		config: config,
		state:  BreakerClosed,
		logger: logger.With(zap.String("component", "breaker"), zap.String("role", role)),
	}
}

// Allow reports whether a call may proceed, transitioning open breakers
// to half-open once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transition(BreakerHalfOpen, "recovery timeout elapsed")
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.HalfOpenSuccesses {
			b.transition(BreakerClosed, "probe successes reached threshold")
		}
	}
}

// RecordFailure records a failed call, opening the breaker when the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(BreakerOpen, "failure threshold reached")
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen, "probe failed")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next BreakerState, reason string) {
	if b.state == next {
		return
	}
	b.logger.Info("breaker state change",
		zap.String("from", b.state.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
	b.state = next
	if next == BreakerHalfOpen {
		b.successes = 0
	}
}
