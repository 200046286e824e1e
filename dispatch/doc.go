// Package dispatch fans workflow decisions out to workers.
//
// The Coordinator runs one or many dispatch targets concurrently with
// bounded parallelism and full failure isolation: a fan-out of N targets
// always produces exactly N results, and one target failing, panicking, or
// tripping its circuit breaker never cancels its siblings.
package dispatch
