// Package checkpoint provides durable snapshots of workflow state.
//
// A Checkpoint carries a compressed, integrity-hashed snapshot of one
// thread's WorkflowState plus the trigger that caused it. Stores persist
// checkpoints keyed by checkpoint id and thread id; the TriggerManager
// decides when a snapshot is taken and guarantees that checkpoint failures
// never abort the workflow action that triggered them (except, optionally,
// before destructive operations).
package checkpoint
