// Package monitor watches an executor's ExecutionState between checkpoints
// and decides whether a checkpoint should be forced early: on anomaly,
// on timeout, or on a caller-registered custom trigger.
//
// Grounded on agents/monitor/agent.py's MonitorAgent in the prototype this
// module was distilled from: anomaly thresholds, telemetry history, the
// alert callback, and recommendation generation are carried over unchanged
// in meaning.
package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun"
)

// Severity classifies how urgently an anomaly needs human attention.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is one detected irregularity in an ExecutionState.
type Anomaly struct {
	Type     string
	Severity Severity
	Details  string
}

// TelemetryEntry is one snapshot of execution metrics captured at
// MonitorExecution time, kept for trend inspection across a workflow's
// lifetime (MonitorAgent.telemetry in the source).
type TelemetryEntry struct {
	Timestamp  time.Time
	APICalls   int
	Decisions  int
	Outputs    int
	Resources  map[string]float64
	MemorySize int
}

// Alert is passed to a registered OnAlert callback whenever anomalies are
// detected for a checkpoint.
type Alert struct {
	CheckpointID string
	Anomalies    []Anomaly
}

// Report is the outcome of one MonitorExecution call.
type Report struct {
	CheckpointID    string
	Timestamp       time.Time
	ShouldCheckpoint bool
	TriggerReason   string
	Telemetry       TelemetryEntry
	Anomalies       []Anomaly
	Recommendations []string
}

// Trigger is a caller-registered predicate that forces a checkpoint when it
// returns true for the current ExecutionState.
type Trigger func(state saferun.ExecutionState) bool

// Monitor is pure with respect to orchestrator state: it never mutates a
// workflow, only observes it. One Monitor may watch many workflows; its own
// telemetry history and triggers are its only mutable state, and both are
// safe for concurrent use.
type Monitor struct {
	id string

	mu        sync.Mutex
	telemetry []TelemetryEntry
	triggers  map[string]Trigger
	onAlert   func(Alert)

	apiCallVolumeThreshold int
	tokenUsageThreshold    float64
}

// New returns a Monitor identified by id, using the default anomaly
// thresholds from spec.md §4.4 (>50 api calls, >10,000 tokens_used).
func New(id string) *Monitor {
	return &Monitor{
		id:                      id,
		triggers:                make(map[string]Trigger),
		apiCallVolumeThreshold:  50,
		tokenUsageThreshold:     10000,
	}
}

// RegisterTrigger installs a custom checkpoint-forcing predicate for a
// specific checkpoint id, replacing any previously registered trigger for
// that id.
func (m *Monitor) RegisterTrigger(checkpointID string, trigger Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[checkpointID] = trigger
}

// OnAlert installs a callback invoked synchronously whenever
// MonitorExecution detects one or more anomalies.
func (m *Monitor) OnAlert(callback func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = callback
}

// MonitorExecution inspects state against checkpoint and returns a Report
// describing anomalies, recommendations, and whether a checkpoint should be
// forced. now is supplied by the caller (typically the orchestrator's
// injected Clock) so timeout evaluation is deterministic in tests.
func (m *Monitor) MonitorExecution(state saferun.ExecutionState, checkpoint saferun.CheckpointConfig, now time.Time) Report {
	telemetry := m.captureTelemetry(state, now)

	m.mu.Lock()
	m.telemetry = append(m.telemetry, telemetry)
	trigger, hasTrigger := m.triggers[checkpoint.CheckpointID]
	alertCallback := m.onAlert
	m.mu.Unlock()

	var shouldCheckpoint bool
	var reason string

	if hasTrigger && trigger(state) {
		shouldCheckpoint = true
		reason = "custom_condition"
	}

	anomalies := m.detectAnomalies(state)
	if len(anomalies) > 0 {
		shouldCheckpoint = true
		reason = "anomaly_detected"
		if alertCallback != nil {
			alertCallback(Alert{CheckpointID: checkpoint.CheckpointID, Anomalies: anomalies})
		}
	}

	if m.timedOut(state, checkpoint, now) {
		shouldCheckpoint = true
		reason = "timeout"
	}

	return Report{
		CheckpointID:     checkpoint.CheckpointID,
		Timestamp:        now,
		ShouldCheckpoint: shouldCheckpoint,
		TriggerReason:    reason,
		Telemetry:        telemetry,
		Anomalies:        anomalies,
		Recommendations:  m.recommendations(state, anomalies),
	}
}

func (m *Monitor) captureTelemetry(state saferun.ExecutionState, now time.Time) TelemetryEntry {
	return TelemetryEntry{
		Timestamp:  now,
		APICalls:   len(state.APICalls),
		Decisions:  len(state.DecisionTrace),
		Outputs:    len(state.IntermediateOutputs),
		Resources:  state.ResourceConsumption,
		MemorySize: len(state.AgentMemory),
	}
}

func (m *Monitor) detectAnomalies(state saferun.ExecutionState) []Anomaly {
	var anomalies []Anomaly

	if len(state.APICalls) > m.apiCallVolumeThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:     "high_api_volume",
			Severity: SeverityWarning,
			Details:  "api call volume exceeds threshold",
		})
	}

	if tokens := state.ResourceConsumption["tokens_used"]; tokens > m.tokenUsageThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:     "high_token_usage",
			Severity: SeverityWarning,
			Details:  "token usage exceeds threshold",
		})
	}

	var errorCount int
	for _, d := range state.DecisionTrace {
		lower := strings.ToLower(d)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			errorCount++
		}
	}
	if errorCount > 0 {
		anomalies = append(anomalies, Anomaly{
			Type:     "error_detected",
			Severity: SeverityCritical,
			Details:  "decision trace contains error or failed entries",
		})
	}

	return anomalies
}

func (m *Monitor) timedOut(state saferun.ExecutionState, checkpoint saferun.CheckpointConfig, now time.Time) bool {
	elapsed := now.Sub(state.Timestamp)
	return elapsed > time.Duration(checkpoint.TimeoutSeconds)*time.Second
}

func (m *Monitor) recommendations(state saferun.ExecutionState, anomalies []Anomaly) []string {
	var recs []string
	if len(anomalies) > 0 {
		recs = append(recs, "Human review recommended due to detected anomalies")
	}
	if len(state.APICalls) > 30 {
		recs = append(recs, "Consider breaking task into smaller steps")
	}
	if len(state.IntermediateOutputs) == 0 {
		recs = append(recs, "No outputs generated yet, verify progress")
	}
	return recs
}

// Telemetry returns the full history of telemetry entries captured by this
// monitor across all MonitorExecution calls.
func (m *Monitor) Telemetry() []TelemetryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TelemetryEntry, len(m.telemetry))
	copy(out, m.telemetry)
	return out
}
