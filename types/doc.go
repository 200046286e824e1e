// Package types defines the shared data model of the conductor workflow
// core: workflow state, orchestrator decisions, dispatch results, approval
// contracts, and the structured error taxonomy.
//
// The package has no dependencies on other conductor packages so that every
// component can exchange these values without import cycles.
package types
