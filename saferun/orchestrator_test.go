package saferun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun/artifact"
	"github.com/Officialhomie/saferun-x402-go/saferun/escrow"
)

func testCheckpoints() []CheckpointConfig {
	return []CheckpointConfig{
		{CheckpointID: "cp-1", Name: "first", RequiresApproval: true, TimeoutSeconds: 60, CanRollback: true},
		{CheckpointID: "cp-2", Name: "second", RequiresApproval: true, TimeoutSeconds: 60, CanRollback: true},
		{CheckpointID: "cp-3", Name: "third", RequiresApproval: true, TimeoutSeconds: 60, CanRollback: false},
	}
}

func testConfig(workflowID string) WorkflowConfig {
	return NewWorkflowConfig(workflowID, "test workflow", "exercises the orchestrator",
		testCheckpoints(), 100.0, "poster-1", "executor-1", "supervisor-1")
}

func newTestOrchestrator() (*Orchestrator, *artifact.Memory, *escrow.Memory) {
	artifacts := artifact.NewMemory()
	escrowSink := escrow.NewMemory()
	orch := New(WithArtifactSink(artifacts), WithEscrowSink(escrowSink))
	return orch, artifacts, escrowSink
}

// advanceOne drives a workflow through create_checkpoint -> request_approval
// -> submit_approval for its current checkpoint and returns the snapshot
// the approval applied to.
func advanceOne(t *testing.T, orch *Orchestrator, workflowID string, decision Decision, mods map[string]any) CheckpointSnapshot {
	t.Helper()
	snapshot, err := orch.CreateCheckpoint(context.Background(), workflowID, ExecutionState{
		AgentMemory:         map[string]any{"k": "v"},
		IntermediateOutputs: map[string]any{"out": "v"},
	})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	req, err := orch.RequestApproval(workflowID, snapshot.SnapshotID, "summary", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	response := ApprovalResponse{
		RequestID:     req.RequestID,
		Decision:      decision,
		Rationale:     "test rationale",
		ApproverID:    "supervisor-1",
		Modifications: mods,
	}
	if err := orch.SubmitApproval(workflowID, response); err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	return snapshot
}

// TestHappyPath exercises scenario 1: every checkpoint approved in order,
// ending in COMPLETED with the full escrow amount released.
func TestHappyPath(t *testing.T) {
	orch, _, escrowSink := newTestOrchestrator()
	workflowID := "wf-happy"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		advanceOne(t, orch, workflowID, DecisionApproved, nil)
	}

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateSettling {
		t.Fatalf("expected SETTLING after all checkpoints approved, got %s", exec.CurrentState)
	}

	settlement, err := orch.Settle(context.Background(), workflowID, exec.Snapshots[len(exec.Snapshots)-1].State)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settlement.Ratio != 1.0 {
		t.Fatalf("expected full completion ratio 1.0, got %f", settlement.Ratio)
	}
	if settlement.Total != 100.0 {
		t.Fatalf("expected full escrow amount settled, got %f", settlement.Total)
	}

	if err := orch.Complete(workflowID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	exec, err = orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.CurrentState)
	}
	if exec.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}
	if escrowSink.Released(exec.EscrowID) != 100.0 {
		t.Fatalf("expected escrow sink to record full release, got %f", escrowSink.Released(exec.EscrowID))
	}
}

// TestRejectWithRollback exercises scenario 2: a rejection at a checkpoint
// that allows rollback moves the workflow to ROLLING_BACK, and replaying the
// registered compensating transactions succeeds.
func TestRejectWithRollback(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-reject-rollback"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	registry, err := orch.RollbackRegistry(workflowID)
	if err != nil {
		t.Fatalf("RollbackRegistry: %v", err)
	}
	undone := false
	registry.Register("action-1", ActionArtifactWrite, map[string]any{"path": "x"}, func(map[string]any) error {
		undone = true
		return nil
	})

	advanceOne(t, orch, workflowID, DecisionRejected, nil)

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateRollingBack {
		t.Fatalf("expected ROLLING_BACK after rejection at a rollback-capable checkpoint, got %s", exec.CurrentState)
	}

	result := registry.Rollback()
	if !result.Success {
		t.Fatalf("expected rollback to succeed, failed actions: %v", result.Failed)
	}
	if !undone {
		t.Fatalf("expected the registered compensating transaction to run")
	}

	if err := orch.CompleteRollback(workflowID, true); err != nil {
		t.Fatalf("CompleteRollback: %v", err)
	}
	exec, err = orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateExecuting {
		t.Fatalf("expected EXECUTING after a successful rollback, got %s", exec.CurrentState)
	}
	if exec.CurrentCheckpointIndex != 0 {
		t.Fatalf("expected checkpoint index to step back to 0, got %d", exec.CurrentCheckpointIndex)
	}
}

// TestRejectWithoutRollback exercises scenario 3: a rejection at a
// checkpoint that forbids rollback fails the workflow directly, with the
// exact error message the spec fixes.
func TestRejectWithoutRollback(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-reject-no-rollback"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Advance past the first two (rollback-capable) checkpoints so the
	// third, non-rollback-capable checkpoint is current.
	advanceOne(t, orch, workflowID, DecisionApproved, nil)
	advanceOne(t, orch, workflowID, DecisionApproved, nil)
	advanceOne(t, orch, workflowID, DecisionRejected, nil)

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateFailed {
		t.Fatalf("expected FAILED after rejection at a non-rollback checkpoint, got %s", exec.CurrentState)
	}
	if exec.ErrorMessage != "Approval rejected and rollback not permitted" {
		t.Fatalf("unexpected error message: %q", exec.ErrorMessage)
	}
}

// TestModificationAdvancesLikeApproval exercises scenario 4: a MODIFIED
// decision at the last checkpoint auto-advances straight to SETTLING.
func TestModificationAdvancesLikeApproval(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-modification"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	advanceOne(t, orch, workflowID, DecisionApproved, nil)
	advanceOne(t, orch, workflowID, DecisionApproved, nil)
	advanceOne(t, orch, workflowID, DecisionModified, map[string]any{"k": "modified-value"})

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateSettling {
		t.Fatalf("expected MODIFIED at the last checkpoint to auto-advance to SETTLING, got %s", exec.CurrentState)
	}

	restored, ok := orch.RestoredState(workflowID)
	if !ok {
		t.Fatalf("expected a restored state to be available after a modification")
	}
	if restored.AgentMemory["k"] != "modified-value" {
		t.Fatalf("expected modification to apply to AgentMemory, got %v", restored.AgentMemory["k"])
	}
}

// TestTimeoutBehavesLikeRejection exercises scenario 5: an elapsed approval
// window is treated exactly like a REJECTED decision.
func TestTimeoutBehavesLikeRejection(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	artifacts := artifact.NewMemory()
	orch := New(WithArtifactSink(artifacts), WithClock(clock))
	workflowID := "wf-timeout"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snapshot, err := orch.CreateCheckpoint(context.Background(), workflowID, ExecutionState{})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := orch.RequestApproval(workflowID, snapshot.SnapshotID, "summary", nil); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	timedOut, err := orch.ExpireIfTimedOut(workflowID)
	if err != nil {
		t.Fatalf("ExpireIfTimedOut: %v", err)
	}
	if timedOut {
		t.Fatalf("expected no timeout before the window elapses")
	}

	now = now.Add(61 * time.Second)
	timedOut, err = orch.ExpireIfTimedOut(workflowID)
	if err != nil {
		t.Fatalf("ExpireIfTimedOut: %v", err)
	}
	if !timedOut {
		t.Fatalf("expected the approval window to have elapsed")
	}

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateRollingBack {
		t.Fatalf("expected timeout to be treated like a rejection (ROLLING_BACK), got %s", exec.CurrentState)
	}
}

// TestArtifactHashMismatchIsFatal exercises scenario 6: a checkpoint whose
// artifact write is corrupted before the post-write verification read is
// detected and fails the workflow with InvariantViolation.
func TestArtifactHashMismatchIsFatal(t *testing.T) {
	artifacts := artifact.NewMemory()
	orch := New(WithArtifactSink(corruptingSink{artifacts}))
	workflowID := "wf-hash-mismatch"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := orch.CreateCheckpoint(context.Background(), workflowID, ExecutionState{})
	if err == nil {
		t.Fatalf("expected CreateCheckpoint to fail on a corrupted artifact")
	}
	var saferunErr *Error
	if !errors.As(err, &saferunErr) || saferunErr.Kind != InvariantViolation {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateFailed {
		t.Fatalf("expected FAILED after a hash mismatch, got %s", exec.CurrentState)
	}
}

// corruptingSink wraps artifact.Memory and corrupts every write immediately
// after it lands, so the orchestrator's post-write verification read
// observes a hash mismatch.
type corruptingSink struct {
	*artifact.Memory
}

func (c corruptingSink) Put(ctx context.Context, contentType string, data []byte, metadata map[string]any) (artifact.Record, error) {
	record, err := c.Memory.Put(ctx, contentType, data, metadata)
	if err != nil {
		return record, err
	}
	c.Memory.Corrupt(record.URI, append(data, 0xFF))
	return record, nil
}

func TestInvalidTransitionsRejected(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-invalid-transitions"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := orch.CreateCheckpoint(context.Background(), workflowID, ExecutionState{}); err == nil {
		t.Fatalf("expected create_checkpoint to fail before start")
	}
	if err := orch.Complete(workflowID); err == nil {
		t.Fatalf("expected complete to fail before settling")
	}
}

func TestInitializeRejectsDuplicateWorkflow(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-duplicate"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := orch.Initialize(testConfig(workflowID))
	if err == nil {
		t.Fatalf("expected the second Initialize to fail")
	}
	var saferunErr *Error
	if !errors.As(err, &saferunErr) || saferunErr.Kind != ValidationError {
		t.Fatalf("expected ValidationError for a duplicate workflow id, got %v", err)
	}
}

func TestCancelFiresRollback(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	workflowID := "wf-cancel"

	if _, err := orch.Initialize(testConfig(workflowID)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Start(context.Background(), workflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	registry, err := orch.RollbackRegistry(workflowID)
	if err != nil {
		t.Fatalf("RollbackRegistry: %v", err)
	}
	ran := false
	registry.Register("action-1", ActionCustom, nil, func(map[string]any) error {
		ran = true
		return nil
	})

	if _, err := orch.Cancel(workflowID, "operator cancelled"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ran {
		t.Fatalf("expected Cancel to fire the compensating-transaction pipeline")
	}

	exec, err := orch.Get(workflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateFailed {
		t.Fatalf("expected FAILED after cancel, got %s", exec.CurrentState)
	}
	if exec.ErrorMessage != "operator cancelled" {
		t.Fatalf("unexpected error message: %q", exec.ErrorMessage)
	}
}
