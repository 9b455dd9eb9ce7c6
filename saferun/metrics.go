// Package saferun provides the checkpoint-approval orchestration engine for
// supervising autonomous agent workflows.
package saferun

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides comprehensive Prometheus-compatible metrics
// collection for orchestrator execution monitoring in production
// environments.
//
// Metrics exposed (all namespaced with "saferun_"):
//
// 1. workflows_active (gauge): Current number of workflows sitting in a
// given state. Labels: state.
// Use: Watch for stuck AWAITING_APPROVAL or ROLLING_BACK populations.
//
// 2. checkpoint_latency_ms (histogram): Milliseconds elapsed between a
// checkpoint's creation and its approval resolution.
// Labels: workflow_id.
// Buckets: [10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000].
// Use: P50/P95/P99 human-response-time analysis.
//
// 3. transitions_total (counter): Cumulative state transitions.
// Labels: from, to, event.
// Use: Audit trail of FSM activity, detect abnormal transition rates.
//
// 4. anomalies_total (counter): Anomalies raised by the monitor.
// Labels: checkpoint_id, anomaly_type, severity.
// Use: Track how often runaway agents trip the monitor's guards.
//
// 5. escrow_released_total (counter): Cumulative amount released from
// escrow. Labels: workflow_id, recipient_type (executor/supervisor).
// Use: Reconcile settlement totals against the x402 facilitator.
//
// 6. rollback_failures_total (counter): Compensating-transaction failures
// encountered while replaying a rollback. Labels: workflow_id, action_type.
// Use: Surface partial-rollback situations that need manual reconciliation.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	orch := New(WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods are safe for concurrent use.
type PrometheusMetrics struct {
	// Gauge metrics (current value observations).
	workflowsActive *prometheus.GaugeVec

	// Histogram metrics (distribution observations).
	checkpointLatency *prometheus.HistogramVec

	// Counter metrics (cumulative totals).
	transitions      *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	escrowReleased   *prometheus.CounterVec
	rollbackFailures *prometheus.CounterVec

	// registry holds all registered metrics.
	registry prometheus.Registerer

	// mu protects the enabled flag.
	mu sync.RWMutex

	// enabled controls whether metrics are recorded.
	enabled bool
}

// NewPrometheusMetrics creates and registers all orchestrator metrics with
// the provided Prometheus registry.
//
// Parameters:
//   - registry: Prometheus registry to register metrics with (use
//     prometheus.DefaultRegisterer for the global registry).
//
// Returns:
//   - *PrometheusMetrics: fully initialized metrics collector.
//
// All metrics are registered with namespace "saferun" and appropriate
// labels. The checkpoint latency histogram uses buckets sized for human
// approval response times (10ms to 5 minutes).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.workflowsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "saferun",
		Name:      "workflows_active",
		Help:      "Current number of workflows in a given state",
	}, []string{"state"})

	pm.checkpointLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "saferun",
		Name:      "checkpoint_latency_ms",
		Help:      "Milliseconds between checkpoint creation and approval resolution",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000},
	}, []string{"workflow_id"})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "transitions_total",
		Help:      "Cumulative count of workflow state transitions",
	}, []string{"from", "to", "event"})

	pm.anomalies = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "anomalies_total",
		Help:      "Anomalies detected by the monitor during execution",
	}, []string{"checkpoint_id", "anomaly_type", "severity"})

	pm.escrowReleased = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "escrow_released_total",
		Help:      "Cumulative amount released from escrow by recipient type",
	}, []string{"workflow_id", "recipient_type"})

	pm.rollbackFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "rollback_failures_total",
		Help:      "Compensating-transaction failures encountered during rollback replay",
	}, []string{"workflow_id", "action_type"})

	return pm
}

// RecordTransition records a single from->to state change triggered by the
// named event (e.g. "start", "approve", "reject", "timeout").
func (pm *PrometheusMetrics) RecordTransition(from, to WorkflowState, event string) {
	if !pm.isEnabled() {
		return
	}
	pm.transitions.WithLabelValues(string(from), string(to), event).Inc()
}

// SetWorkflowsActive sets the gauge tracking how many workflows currently
// sit in the given state.
func (pm *PrometheusMetrics) SetWorkflowsActive(state WorkflowState, count int) {
	if !pm.isEnabled() {
		return
	}
	pm.workflowsActive.WithLabelValues(string(state)).Set(float64(count))
}

// RecordCheckpointLatency observes the elapsed time between a checkpoint's
// creation and its approval resolution.
//
// Example:
//
//	start := time.Now()
//	// ... await approval ...
//	metrics.RecordCheckpointLatency(workflowID, time.Since(start))
func (pm *PrometheusMetrics) RecordCheckpointLatency(workflowID string, elapsed time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.checkpointLatency.WithLabelValues(workflowID).Observe(float64(elapsed.Milliseconds()))
}

// RecordAnomaly increments the anomaly counter for a checkpoint.
//
// Example:
//
//	if report.TokensUsed > tokenAnomalyThreshold {
//	    metrics.RecordAnomaly(checkpointID, "excessive_tokens", "warning")
//	}
func (pm *PrometheusMetrics) RecordAnomaly(checkpointID, anomalyType, severity string) {
	if !pm.isEnabled() {
		return
	}
	pm.anomalies.WithLabelValues(checkpointID, anomalyType, severity).Inc()
}

// RecordEscrowRelease adds amount to the cumulative escrow-released
// counter for the given recipient type ("executor" or "supervisor").
func (pm *PrometheusMetrics) RecordEscrowRelease(workflowID, recipientType string, amount float64) {
	if !pm.isEnabled() {
		return
	}
	pm.escrowReleased.WithLabelValues(workflowID, recipientType).Add(amount)
}

// RecordRollbackFailure increments the rollback-failure counter for a
// specific compensating action that could not be replayed.
func (pm *PrometheusMetrics) RecordRollbackFailure(workflowID, actionType string) {
	if !pm.isEnabled() {
		return
	}
	pm.rollbackFailures.WithLabelValues(workflowID, actionType).Inc()
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values (useful for testing). Counters and histograms
// are cumulative by Prometheus design and are not reset.
func (pm *PrometheusMetrics) Reset() {
	pm.workflowsActive.Reset()
}
