package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atelierhq/conductor/types"
)

// Observer receives checkpoint outcomes for metrics. Implementations must
// not block.
type Observer interface {
	CheckpointSaved(trigger Trigger)
	CheckpointFailed(trigger Trigger)
}

// TriggerConfig toggles the individual checkpoint trigger points.
type TriggerConfig struct {
	OnStateTransition   bool `yaml:"on_state_transition" json:"on_state_transition"`
	OnAgentComplete     bool `yaml:"on_agent_complete" json:"on_agent_complete"`
	OnUserApproval      bool `yaml:"on_user_approval" json:"on_user_approval"`
	OnError             bool `yaml:"on_error" json:"on_error"`
	OnBeforeDestructive bool `yaml:"on_before_destructive" json:"on_before_destructive"`

	// StrictDestructive escalates a checkpoint-write failure on the
	// before_destructive trigger to the caller instead of swallowing it.
	// Every other trigger always swallows failures.
	StrictDestructive bool `yaml:"strict_destructive" json:"strict_destructive"`

	// DestructiveOps is the tracked set of operation names that require a
	// checkpoint before they run.
	DestructiveOps []string `yaml:"destructive_ops" json:"destructive_ops"`
}

// DefaultTriggerConfig enables every trigger point and strict destructive
// handling.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		OnStateTransition:   true,
		OnAgentComplete:     true,
		OnUserApproval:      true,
		OnError:             true,
		OnBeforeDestructive: true,
		StrictDestructive:   true,
		DestructiveOps:      []string{"file_write", "deploy", "db_migration", "external_publish"},
	}
}

// TriggerManager decides when snapshots are taken and writes them through
// the store. A failed checkpoint write never aborts the workflow action
// that triggered it; the failure is logged and counted, and only the
// before_destructive trigger can escalate it (see TriggerConfig).
type TriggerManager struct {
	store    Store
	config   TriggerConfig
	logger   *zap.Logger
	observer Observer
}

// NewTriggerManager creates a trigger manager over the given store.
func NewTriggerManager(store Store, config TriggerConfig, logger *zap.Logger) *TriggerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerManager{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "checkpoint_triggers")),
	}
}

// WithObserver attaches a metrics observer.
func (m *TriggerManager) WithObserver(o Observer) *TriggerManager {
	m.observer = o
	return m
}

// Capture takes a snapshot for the given trigger if that trigger is
// enabled. It returns the checkpoint on success and nil otherwise; any
// failure is swallowed here so the caller's workflow action proceeds.
func (m *TriggerManager) Capture(ctx context.Context, trigger Trigger, reason string, state *types.WorkflowState) *Checkpoint {
	if !m.enabled(trigger) {
		return nil
	}
	cp, err := m.write(ctx, trigger, reason, state)
	if err != nil {
		m.swallow(trigger, state.ThreadID, err)
		return nil
	}
	return cp
}

// BeforeDestructiveOperation guarantees a durable checkpoint before a
// tracked destructive operation runs. It always reports proceed=true:
// destructive operations are made recoverable, not preventable. When
// StrictDestructive is set, a failed checkpoint write is returned as an
// error alongside proceed=true so the caller can decide whether to run
// the operation without its safety net.
func (m *TriggerManager) BeforeDestructiveOperation(ctx context.Context, op, target string, state *types.WorkflowState) (bool, error) {
	if !m.config.OnBeforeDestructive || !m.tracked(op) {
		return true, nil
	}

	reason := fmt.Sprintf("before destructive operation %s on %s", op, target)
	_, err := m.write(ctx, TriggerBeforeDestructive, reason, state)
	if err != nil {
		if m.config.StrictDestructive {
			m.observe(TriggerBeforeDestructive, false)
			return true, fmt.Errorf("checkpoint before destructive operation %s: %w", op, err)
		}
		m.swallow(TriggerBeforeDestructive, state.ThreadID, err)
	}
	return true, nil
}

// Manual takes an on-demand checkpoint. Unlike event triggers, the caller
// asked for this snapshot explicitly, so failures are returned.
func (m *TriggerManager) Manual(ctx context.Context, reason string, state *types.WorkflowState) (*Checkpoint, error) {
	cp, err := m.write(ctx, TriggerManual, reason, state)
	if err != nil {
		m.observe(TriggerManual, false)
		return nil, err
	}
	return cp, nil
}

// Latest loads the most recent checkpoint of a thread.
func (m *TriggerManager) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	return m.store.LoadLatest(ctx, threadID)
}

// History lists a thread's checkpoints in version order.
func (m *TriggerManager) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	return m.store.ListByThread(ctx, threadID)
}

// Rollback writes a new checkpoint whose snapshot is the state recorded at
// the given version, making that historical point the thread's latest.
func (m *TriggerManager) Rollback(ctx context.Context, threadID string, version int) (*Checkpoint, error) {
	history, err := m.store.ListByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var source *Checkpoint
	for _, cp := range history {
		if cp.Version == version {
			source = cp
			break
		}
	}
	if source == nil {
		return nil, fmt.Errorf("%w: thread %s has no version %d", ErrNotFound, threadID, version)
	}

	state, err := source.State()
	if err != nil {
		return nil, err
	}

	cp, err := m.write(ctx, TriggerManual, fmt.Sprintf("rollback to version %d", version), state)
	if err != nil {
		return nil, err
	}
	m.logger.Info("rolled back",
		zap.String("thread_id", threadID),
		zap.Int("from_version", version),
		zap.Int("new_version", cp.Version),
	)
	return cp, nil
}

func (m *TriggerManager) write(ctx context.Context, trigger Trigger, reason string, state *types.WorkflowState) (*Checkpoint, error) {
	cp, err := New(state.ThreadID, trigger, reason, state)
	if err != nil {
		return nil, err
	}

	// Version and lineage come from the thread's latest checkpoint.
	cp.Version = 1
	latest, err := m.store.LoadLatest(ctx, state.ThreadID)
	if err == nil {
		cp.Version = latest.Version + 1
		cp.ParentID = latest.ID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := m.store.Save(ctx, cp); err != nil {
		return nil, err
	}

	m.observe(trigger, true)
	m.logger.Debug("checkpoint written",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.String("trigger", string(trigger)),
		zap.Int("version", cp.Version),
		zap.Int("compressed_size", cp.CompressedSize),
	)
	return cp, nil
}

func (m *TriggerManager) swallow(trigger Trigger, threadID string, err error) {
	m.observe(trigger, false)
	m.logger.Error("checkpoint write failed, continuing",
		zap.String("thread_id", threadID),
		zap.String("trigger", string(trigger)),
		zap.Error(err),
	)
}

func (m *TriggerManager) observe(trigger Trigger, ok bool) {
	if m.observer == nil {
		return
	}
	if ok {
		m.observer.CheckpointSaved(trigger)
	} else {
		m.observer.CheckpointFailed(trigger)
	}
}

func (m *TriggerManager) enabled(trigger Trigger) bool {
	switch trigger {
	case TriggerStateTransition:
		return m.config.OnStateTransition
	case TriggerAgentComplete:
		return m.config.OnAgentComplete
	case TriggerUserApproval:
		return m.config.OnUserApproval
	case TriggerErrorOccurred:
		return m.config.OnError
	case TriggerBeforeDestructive:
		return m.config.OnBeforeDestructive
	case TriggerManual:
		return true
	}
	return false
}

func (m *TriggerManager) tracked(op string) bool {
	for _, tracked := range m.config.DestructiveOps {
		if tracked == op {
			return true
		}
	}
	return false
}
