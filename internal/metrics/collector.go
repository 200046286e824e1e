// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/atelierhq/conductor/checkpoint"
)

// Collector records workflow metrics. It implements checkpoint.Observer
// so the trigger manager can report snapshot outcomes directly.
type Collector struct {
	nodeTransitions *prometheus.CounterVec
	workflowRuns    *prometheus.CounterVec

	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	fanOutSize       prometheus.Histogram

	approvalsTotal  *prometheus.CounterVec
	approvalLatency prometheus.Histogram

	checkpointsSaved  *prometheus.CounterVec
	checkpointsFailed *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.nodeTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of state machine node transitions",
		},
		[]string{"node"},
	)

	c.workflowRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by final status",
		},
		[]string{"status"},
	)

	c.dispatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of worker dispatches",
		},
		[]string{"role", "status"},
	)

	c.dispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Worker dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)

	c.fanOutSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fan_out_size",
			Help:      "Number of targets per fan-out",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	c.approvalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of approval rounds by resolution",
		},
		[]string{"resolution"},
	)

	c.approvalLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_latency_seconds",
			Help:      "Time from round open to resolution in seconds",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 86400},
		},
	)

	c.checkpointsSaved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total number of checkpoints written",
		},
		[]string{"trigger"},
	)

	c.checkpointsFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_failed_total",
			Help:      "Total number of failed checkpoint writes",
		},
		[]string{"trigger"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordNodeTransition records entry into a state machine node.
func (c *Collector) RecordNodeTransition(node string) {
	c.nodeTransitions.WithLabelValues(node).Inc()
}

// RecordWorkflowRun records a finished or suspended run by status.
func (c *Collector) RecordWorkflowRun(status string) {
	c.workflowRuns.WithLabelValues(status).Inc()
}

// RecordDispatch records one worker dispatch outcome.
func (c *Collector) RecordDispatch(role string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.dispatchesTotal.WithLabelValues(role, status).Inc()
	c.dispatchDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordFanOut records the size of a fan-out group.
func (c *Collector) RecordFanOut(targets int) {
	c.fanOutSize.Observe(float64(targets))
}

// RecordApproval records an approval round resolution.
func (c *Collector) RecordApproval(resolution string, latency time.Duration) {
	c.approvalsTotal.WithLabelValues(resolution).Inc()
	c.approvalLatency.Observe(latency.Seconds())
}

// CheckpointSaved implements checkpoint.Observer.
func (c *Collector) CheckpointSaved(trigger checkpoint.Trigger) {
	c.checkpointsSaved.WithLabelValues(string(trigger)).Inc()
}

// CheckpointFailed implements checkpoint.Observer.
func (c *Collector) CheckpointFailed(trigger checkpoint.Trigger) {
	c.checkpointsFailed.WithLabelValues(string(trigger)).Inc()
}
