package supervisor

import (
	"testing"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun"
)

func TestCreateRequestAndSubmit(t *testing.T) {
	a := New("supervisor-1")
	now := time.Now()

	state := saferun.ExecutionState{
		Timestamp:           now,
		APICalls:            []saferun.APICall{{Description: "fetch", Timestamp: now}},
		DecisionTrace:       []string{"decided to proceed"},
		IntermediateOutputs: map[string]any{"draft": "v1"},
	}

	req := a.CreateRequest("wf-1", "cp-1", "snap-1", state, nil, now)
	if req.RequestID == "" {
		t.Fatalf("expected a non-empty request id")
	}
	if req.Summary == "" {
		t.Fatalf("expected a non-empty generated summary")
	}

	pending := a.Pending()
	if len(pending) != 1 || pending[0].RequestID != req.RequestID {
		t.Fatalf("expected the new request to be pending, got %+v", pending)
	}

	resp, err := a.Submit(req.RequestID, saferun.DecisionApproved, "looks good", "supervisor-1", nil, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Decision != saferun.DecisionApproved {
		t.Errorf("expected DecisionApproved, got %v", resp.Decision)
	}

	if len(a.Pending()) != 0 {
		t.Fatalf("expected the request to be removed from pending after Submit")
	}
}

func TestSubmitUnknownRequest(t *testing.T) {
	a := New("supervisor-1")
	_, err := a.Submit("does-not-exist", saferun.DecisionApproved, "r", "supervisor-1", nil, time.Now())
	if err != saferun.ErrUnknownRequest {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestStatsComputesApprovalRate(t *testing.T) {
	a := New("supervisor-1")
	now := time.Now()

	for i, decision := range []saferun.Decision{saferun.DecisionApproved, saferun.DecisionApproved, saferun.DecisionRejected} {
		req := a.CreateRequest("wf-1", "cp-1", "snap", saferun.ExecutionState{}, nil, now)
		rationale := "ok"
		if decision == saferun.DecisionRejected {
			rationale = "not ok"
		}
		if _, err := a.Submit(req.RequestID, decision, rationale, "supervisor-1", nil, now.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	stats := a.Stats()
	if stats.Total != 3 {
		t.Fatalf("expected 3 total decisions, got %d", stats.Total)
	}
	if stats.Approved != 2 || stats.Rejected != 1 {
		t.Fatalf("expected 2 approved and 1 rejected, got %+v", stats)
	}
	if want := 2.0 / 3.0; stats.ApprovalRate != want {
		t.Errorf("ApprovalRate = %f, want %f", stats.ApprovalRate, want)
	}
}

func TestFormatForDisplayIncludesDecisionSection(t *testing.T) {
	req := saferun.ApprovalRequest{
		RequestID:    "req-1",
		WorkflowID:   "wf-1",
		CheckpointID: "cp-1",
		Summary:      "did some work",
		Context:      map[string]any{},
	}

	display := FormatForDisplay(req)
	var hasDecision bool
	for _, s := range display.Sections {
		if s.Title == "Decision" {
			hasDecision = true
		}
	}
	if !hasDecision {
		t.Fatalf("expected a Decision section to always be present, got %+v", display.Sections)
	}
}
