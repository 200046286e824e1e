package checkpoint

import (
	"fmt"
	"time"

	"github.com/atelierhq/conductor/types"
)

// Trigger identifies the event that caused a checkpoint.
type Trigger string

const (
	TriggerStateTransition   Trigger = "state_transition"
	TriggerAgentComplete     Trigger = "agent_complete"
	TriggerUserApproval      Trigger = "user_approval"
	TriggerErrorOccurred     Trigger = "error_occurred"
	TriggerBeforeDestructive Trigger = "before_destructive"
	TriggerManual            Trigger = "manual"
)

// Checkpoint is a durable snapshot of workflow state at a defined trigger.
// The snapshot is gzip-compressed JSON; IntegrityHash covers the
// uncompressed bytes and is verified on load.
type Checkpoint struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id"`
	Version        int            `json:"version"`
	ParentID       string         `json:"parent_id,omitempty"`
	Trigger        Trigger        `json:"trigger"`
	Reason         string         `json:"reason,omitempty"`
	StateSnapshot  []byte         `json:"state_snapshot"`
	IntegrityHash  string         `json:"integrity_hash"`
	RawSize        int            `json:"raw_size"`
	CompressedSize int            `json:"compressed_size"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// New builds a checkpoint from a snapshot of the given state. The state is
// cloned before encoding so later mutation cannot leak into the snapshot.
func New(threadID string, trigger Trigger, reason string, state *types.WorkflowState) (*Checkpoint, error) {
	snapshot, hash, rawSize, err := encodeState(state.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode state snapshot: %w", err)
	}
	return &Checkpoint{
		ID:             generateCheckpointID(),
		ThreadID:       threadID,
		Trigger:        trigger,
		Reason:         reason,
		StateSnapshot:  snapshot,
		IntegrityHash:  hash,
		RawSize:        rawSize,
		CompressedSize: len(snapshot),
		CreatedAt:      time.Now(),
	}, nil
}

// State decodes and verifies the snapshot. A hash or size mismatch returns
// an error satisfying errors.Is(err, ErrCorrupted) rather than partial data.
func (c *Checkpoint) State() (*types.WorkflowState, error) {
	return decodeState(c.StateSnapshot, c.IntegrityHash, c.RawSize)
}

func generateCheckpointID() string {
	return fmt.Sprintf("ckpt_%d", time.Now().UnixNano())
}
