// Package supervisor turns a checkpoint snapshot into a reviewable
// approval request, formats it for display, and validates decisions
// submitted back against it.
//
// Grounded on agents/supervisor/agent.py's SupervisorAgent in the
// prototype this module was distilled from: summary generation, context
// digest, the six display sections, and the decision/stats bookkeeping
// are carried over unchanged in meaning.
package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Officialhomie/saferun-x402-go/saferun"
	"github.com/Officialhomie/saferun-x402-go/saferun/monitor"
)

// SectionType tags how a DisplaySection's Content should be rendered by a
// UI binding without it having to re-derive structure.
type SectionType string

const (
	SectionText    SectionType = "text"
	SectionList    SectionType = "list"
	SectionJSON    SectionType = "json"
	SectionAlerts  SectionType = "alerts"
	SectionDecision SectionType = "decision"
)

// DisplaySection is one titled block of an approval request formatted for
// display.
type DisplaySection struct {
	Title   string
	Type    SectionType
	Content any
}

// Display is the full transport-agnostic rendering of an ApprovalRequest.
type Display struct {
	RequestID    string
	WorkflowID   string
	CheckpointID string
	CreatedAt    time.Time
	Summary      string
	Sections     []DisplaySection
}

// DecisionOption is one choice offered in the Decision section.
type DecisionOption struct {
	Value string
	Label string
}

var decisionOptions = []DecisionOption{
	{Value: string(saferun.DecisionApproved), Label: "Approve - continue execution"},
	{Value: string(saferun.DecisionModified), Label: "Approve with modifications"},
	{Value: string(saferun.DecisionRejected), Label: "Reject - rollback"},
}

// Adapter builds approval requests from checkpoint snapshots, tracks which
// are still pending, and validates decisions submitted against them.
type Adapter struct {
	supervisorID string

	mu       sync.Mutex
	pending  map[string]saferun.ApprovalRequest
	history  []saferun.ApprovalResponse
	created  map[string]time.Time // request id -> CreatedAt, for response-time stats
}

// New returns an Adapter identified by supervisorID.
func New(supervisorID string) *Adapter {
	return &Adapter{
		supervisorID: supervisorID,
		pending:      make(map[string]saferun.ApprovalRequest),
		created:      make(map[string]time.Time),
	}
}

// CreateRequest builds an ApprovalRequest for the given snapshot, deriving
// a one-line summary and a context digest. monitorReport is optional; when
// present, its anomalies and recommendations are folded into the context
// and the summary.
func (a *Adapter) CreateRequest(workflowID, checkpointID, snapshotID string, state saferun.ExecutionState, monitorReport *monitor.Report, now time.Time) saferun.ApprovalRequest {
	summary := generateSummary(state, monitorReport)
	context := packageContext(state, monitorReport)

	req := saferun.ApprovalRequest{
		RequestID:    uuid.NewString(),
		WorkflowID:   workflowID,
		CheckpointID: checkpointID,
		SnapshotID:   snapshotID,
		Summary:      summary,
		Context:      context,
		CreatedAt:    now,
	}

	a.mu.Lock()
	a.pending[req.RequestID] = req
	a.created[req.RequestID] = now
	a.mu.Unlock()

	return req
}

func generateSummary(state saferun.ExecutionState, report *monitor.Report) string {
	var parts []string

	parts = append(parts, formatActionSummary(len(state.APICalls), len(state.DecisionTrace)))

	if len(state.IntermediateOutputs) > 0 {
		keys := make([]string, 0, len(state.IntermediateOutputs))
		for k := range state.IntermediateOutputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "Generated outputs: "+strings.Join(keys, ", "))
	}

	if report != nil && len(report.Anomalies) > 0 {
		parts = append(parts, formatAnomalyCount(len(report.Anomalies)))
	}

	if len(state.ResourceConsumption) > 0 {
		parts = append(parts, formatResourceSummary(state.ResourceConsumption))
	}

	return strings.Join(parts, " | ")
}

func formatActionSummary(apiCalls, decisions int) string {
	return fmt.Sprintf("Agent completed %d actions with %d decisions", apiCalls, decisions)
}

func formatAnomalyCount(n int) string {
	return fmt.Sprintf("%d anomalies detected", n)
}

func formatResourceSummary(resources map[string]float64) string {
	return fmt.Sprintf("Resources: %g API calls, %g tokens", resources["api_calls"], resources["tokens_used"])
}

func packageContext(state saferun.ExecutionState, report *monitor.Report) map[string]any {
	context := map[string]any{
		"execution_summary": map[string]any{
			"api_calls_count": len(state.APICalls),
			"decisions_count": len(state.DecisionTrace),
			"outputs_count":   len(state.IntermediateOutputs),
			"timestamp":       state.Timestamp,
		},
		"recent_decisions":     lastN(state.DecisionTrace, 5),
		"intermediate_outputs": state.IntermediateOutputs,
		"resource_consumption": state.ResourceConsumption,
		"recent_api_calls":     recentAPICalls(state.APICalls, 5),
	}

	if report != nil {
		context["monitoring"] = map[string]any{
			"anomalies":       report.Anomalies,
			"recommendations": report.Recommendations,
		}
	}

	return context
}

func recentAPICalls(calls []saferun.APICall, n int) []map[string]any {
	recent := calls
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	out := make([]map[string]any, 0, len(recent))
	for _, c := range recent {
		out = append(out, map[string]any{
			"description":      c.Description,
			"has_side_effects": c.HasSideEffects,
			"timestamp":        c.Timestamp,
		})
	}
	return out
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// FormatForDisplay arranges req into the six titled sections the original
// supervisor renders: Summary, Recent Actions, Outputs, Alerts,
// Recommendations, Decision.
func FormatForDisplay(req saferun.ApprovalRequest) Display {
	display := Display{
		RequestID:    req.RequestID,
		WorkflowID:   req.WorkflowID,
		CheckpointID: req.CheckpointID,
		CreatedAt:    req.CreatedAt,
		Summary:      req.Summary,
	}

	display.Sections = append(display.Sections, DisplaySection{
		Title: "Summary", Type: SectionText, Content: req.Summary,
	})

	if calls, ok := req.Context["recent_api_calls"]; ok {
		display.Sections = append(display.Sections, DisplaySection{
			Title: "Recent Actions", Type: SectionList, Content: calls,
		})
	}

	if outputs, ok := req.Context["intermediate_outputs"]; ok {
		if m, ok := outputs.(map[string]any); ok && len(m) > 0 {
			display.Sections = append(display.Sections, DisplaySection{
				Title: "Outputs", Type: SectionJSON, Content: outputs,
			})
		}
	}

	if monitoring, ok := req.Context["monitoring"].(map[string]any); ok {
		if anomalies, ok := monitoring["anomalies"].([]monitor.Anomaly); ok && len(anomalies) > 0 {
			display.Sections = append(display.Sections, DisplaySection{
				Title: "Alerts", Type: SectionAlerts, Content: anomalies,
			})
		}
		if recs, ok := monitoring["recommendations"].([]string); ok && len(recs) > 0 {
			display.Sections = append(display.Sections, DisplaySection{
				Title: "Recommendations", Type: SectionList, Content: recs,
			})
		}
	}

	display.Sections = append(display.Sections, DisplaySection{
		Title: "Decision", Type: SectionDecision, Content: decisionOptions,
	})

	return display
}

// Pending returns all currently-pending approval requests, in creation
// order.
func (a *Adapter) Pending() []saferun.ApprovalRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]saferun.ApprovalRequest, 0, len(a.pending))
	for _, r := range a.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Submit validates requestID is still pending and produces an
// ApprovalResponse, removing the request from the pending set. A MODIFIED
// decision requires a non-empty modifications mapping.
func (a *Adapter) Submit(requestID string, decision saferun.Decision, rationale string, approverID string, modifications map[string]any, now time.Time) (saferun.ApprovalResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pending[requestID]; !ok {
		return saferun.ApprovalResponse{}, saferun.ErrUnknownRequest
	}
	if decision == saferun.DecisionModified && len(modifications) == 0 {
		return saferun.ApprovalResponse{}, fmt.Errorf("modified decision requires non-empty modifications: %w", saferun.ErrValidation)
	}

	resp := saferun.ApprovalResponse{
		RequestID:     requestID,
		Decision:      decision,
		Rationale:     rationale,
		Modifications: modifications,
		ApproverID:    approverID,
		ApprovedAt:    now,
	}

	delete(a.pending, requestID)
	a.history = append(a.history, resp)

	return resp, nil
}

// Stats summarizes an Adapter's lifetime approval activity.
type Stats struct {
	SupervisorID        string
	Total               int
	Pending             int
	Approved            int
	Rejected            int
	Modified            int
	ApprovalRate        float64
	AverageResponseTime time.Duration
}

// Stats computes total/pending/decision-breakdown/approval-rate/mean
// response time over this Adapter's resolved-request history.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{SupervisorID: a.supervisorID, Pending: len(a.pending), Total: len(a.history)}
	if stats.Total == 0 {
		return stats
	}

	var totalResponseTime time.Duration
	for _, resp := range a.history {
		switch resp.Decision {
		case saferun.DecisionApproved:
			stats.Approved++
		case saferun.DecisionRejected:
			stats.Rejected++
		case saferun.DecisionModified:
			stats.Modified++
		}
		if created, ok := a.created[resp.RequestID]; ok {
			totalResponseTime += resp.ApprovedAt.Sub(created)
		}
	}

	stats.ApprovalRate = float64(stats.Approved) / float64(stats.Total)
	stats.AverageResponseTime = totalResponseTime / time.Duration(stats.Total)
	return stats
}
