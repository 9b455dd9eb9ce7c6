package saferun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Officialhomie/saferun-x402-go/saferun/artifact"
	"github.com/Officialhomie/saferun-x402-go/saferun/emit"
	"github.com/Officialhomie/saferun-x402-go/saferun/escrow"
)

// workflowHandle is the Orchestrator's per-workflow unit of serialization:
// every state-changing operation on a given workflow holds mu for its
// duration, so no two transitions of the same workflow ever overlap,
// while distinct workflows proceed under distinct locks.
type workflowHandle struct {
	mu   sync.Mutex
	exec WorkflowExecution

	rollback *RollbackRegistry

	// restored holds the state a caller's executor should resume with
	// after a successful rollback or a MODIFIED approval: the last
	// snapshot's state with modifications shallow-applied, or the most
	// recent snapshot's state on rollback. Nil until one of those happens.
	restored *ExecutionState
}

func (h *workflowHandle) resolved(requestID string) bool {
	for _, resp := range h.exec.ApprovalResponses {
		if resp.RequestID == requestID {
			return true
		}
	}
	return false
}

// Orchestrator owns the lifecycle of every workflow it has initialized: it
// validates transitions against the state table, drives capture through
// the configured Artifact Sink, routes approvals, and settles escrow
// through the configured Escrow Sink. Construct with New and the With*
// options.
type Orchestrator struct {
	cfg orchestratorConfig

	mu        sync.RWMutex
	workflows map[string]*workflowHandle

	gaugeMu sync.Mutex
	gauges  map[WorkflowState]int
}

// New returns an Orchestrator configured by opts, e.g.:
//
//	orch := saferun.New(
//	    saferun.WithArtifactSink(artifact.NewMemory()),
//	    saferun.WithEscrowSink(escrow.NewMemory()),
//	    saferun.WithMetrics(metrics),
//	    saferun.WithEmitter(emitter),
//	)
func New(opts ...Option) *Orchestrator {
	cfg := defaultOrchestratorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		cfg:       cfg,
		workflows: make(map[string]*workflowHandle),
		gauges:    make(map[WorkflowState]int),
	}
}

func (o *Orchestrator) handle(workflowID string) (*workflowHandle, error) {
	o.mu.RLock()
	h, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, notFoundErr(workflowID, "unknown workflow")
	}
	return h, nil
}

// bumpGauge updates the workflows_active gauge for the states a
// transition moved between. from=="" is used for a workflow's first
// transition into existence (Initialize), which has no prior state to
// decrement.
func (o *Orchestrator) bumpGauge(from, to WorkflowState) {
	if o.cfg.metrics == nil {
		return
	}
	o.gaugeMu.Lock()
	if from != "" {
		o.gauges[from]--
		if o.gauges[from] < 0 {
			o.gauges[from] = 0
		}
	}
	o.gauges[to]++
	fromCount, toCount := o.gauges[from], o.gauges[to]
	o.gaugeMu.Unlock()

	if from != "" {
		o.cfg.metrics.SetWorkflowsActive(from, fromCount)
	}
	o.cfg.metrics.SetWorkflowsActive(to, toCount)
}

func (o *Orchestrator) recordTransition(from, to WorkflowState, event string) {
	if o.cfg.metrics == nil {
		return
	}
	o.cfg.metrics.RecordTransition(from, to, event)
}

// emitEvent emits msg for workflowID, tagging it with the checkpoint and
// step active in h at the time of the call. Caller must hold h.mu.
func (o *Orchestrator) emitEvent(workflowID string, h *workflowHandle, msg string, meta map[string]interface{}) {
	if o.cfg.emitter == nil {
		return
	}
	checkpointID := ""
	if cp, ok := h.exec.CurrentCheckpoint(); ok {
		checkpointID = cp.CheckpointID
	}
	o.cfg.emitter.Emit(emit.Event{
		RunID:  workflowID,
		Step:   h.exec.CurrentCheckpointIndex,
		NodeID: checkpointID,
		Msg:    msg,
		Meta:   meta,
	})
}

func cloneExecution(e WorkflowExecution) WorkflowExecution {
	out := e
	out.Snapshots = append([]CheckpointSnapshot(nil), e.Snapshots...)
	out.ApprovalRequests = append([]ApprovalRequest(nil), e.ApprovalRequests...)
	out.ApprovalResponses = append([]ApprovalResponse(nil), e.ApprovalResponses...)
	return out
}

// Initialize registers a new workflow in INITIALIZED and returns its
// execution record. Fails with ValidationError if the config is
// ill-formed or the workflow id is already registered.
func (o *Orchestrator) Initialize(config WorkflowConfig) (WorkflowExecution, error) {
	if config.WorkflowID == "" {
		return WorkflowExecution{}, validationErr("", "workflow id must not be empty")
	}
	if len(config.Checkpoints) == 0 {
		return WorkflowExecution{}, validationErr(config.WorkflowID, "checkpoints must not be empty")
	}
	if config.EscrowAmount < 0 {
		return WorkflowExecution{}, validationErr(config.WorkflowID, "escrow amount must be non-negative")
	}

	o.mu.Lock()
	if _, exists := o.workflows[config.WorkflowID]; exists {
		o.mu.Unlock()
		return WorkflowExecution{}, validationErr(config.WorkflowID, "workflow already registered")
	}

	exec := WorkflowExecution{
		WorkflowID:   config.WorkflowID,
		Config:       config,
		CurrentState: StateInitialized,
		StartedAt:    o.cfg.clock(),
	}
	h := &workflowHandle{exec: exec, rollback: NewRollbackRegistry()}
	o.workflows[config.WorkflowID] = h
	o.mu.Unlock()

	o.bumpGauge("", StateInitialized)
	o.recordTransition("", StateInitialized, "initialize")
	o.emitEvent(config.WorkflowID, h, "workflow_initialized", nil)

	return cloneExecution(exec), nil
}

// Start transitions a workflow from INITIALIZED to EXECUTING, locking
// escrow funds first if an Escrow Sink is configured. A lock failure
// fails the workflow rather than leaving it stuck in INITIALIZED.
func (o *Orchestrator) Start(ctx context.Context, workflowID string) error {
	h, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateInitialized {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "start requires INITIALIZED")
	}

	if o.cfg.escrow != nil {
		escrowID, err := o.cfg.escrow.Lock(ctx, workflowID, h.exec.Config.EscrowAmount, h.exec.Config.PosterID, h.exec.Config.ExecutorID)
		if err != nil {
			o.failLocked(workflowID, h, StateInitialized, "start", fmt.Sprintf("escrow lock failed: %v", err))
			return sinkFailureErr(workflowID, StateFailed, "escrow lock failed", err)
		}
		h.exec.EscrowID = escrowID
	}

	h.exec.CurrentState = StateExecuting
	o.bumpGauge(StateInitialized, StateExecuting)
	o.recordTransition(StateInitialized, StateExecuting, "start")
	o.emitEvent(workflowID, h, "workflow_started", nil)
	return nil
}

// failLocked finalizes h into FAILED with reason, recording the gauge
// move, transition metric, and emitted events. Caller must hold h.mu.
func (o *Orchestrator) failLocked(workflowID string, h *workflowHandle, from WorkflowState, event, reason string) {
	h.exec.CurrentState = StateFailed
	h.exec.ErrorMessage = reason
	now := o.cfg.clock()
	h.exec.CompletedAt = &now

	o.bumpGauge(from, StateFailed)
	o.recordTransition(from, StateFailed, event)
	o.emitEvent(workflowID, h, "workflow_failed", map[string]interface{}{"reason": reason})
}

// CreateCheckpoint serializes state, persists it through the configured
// Artifact Sink (if any), and appends a CheckpointSnapshot. A sink write
// failure degrades durability to in-process only rather than failing the
// call; a detected content-hash mismatch on the post-write verification
// read is fatal for the workflow (InvariantViolation).
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, workflowID string, state ExecutionState) (CheckpointSnapshot, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return CheckpointSnapshot{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateExecuting {
		return CheckpointSnapshot{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "create_checkpoint requires EXECUTING")
	}
	cp, ok := h.exec.CurrentCheckpoint()
	if !ok {
		return CheckpointSnapshot{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "current checkpoint index is past the end of the checkpoint list")
	}

	state.CheckpointID = cp.CheckpointID
	if state.Timestamp.IsZero() {
		state.Timestamp = o.cfg.clock()
	}

	hash, err := ContentHash(state)
	if err != nil {
		return CheckpointSnapshot{}, validationErr(workflowID, fmt.Sprintf("hash execution state: %v", err))
	}

	snapshot := CheckpointSnapshot{
		SnapshotID:       uuid.NewString(),
		WorkflowID:       workflowID,
		CheckpointID:     cp.CheckpointID,
		State:            state,
		ApprovalRequired: cp.RequiresApproval,
		CreatedAt:        o.cfg.clock(),
		ContentHash:      hash,
	}

	if o.cfg.artifacts != nil {
		data, serErr := Serialize(state)
		if serErr != nil {
			return CheckpointSnapshot{}, validationErr(workflowID, fmt.Sprintf("serialize execution state: %v", serErr))
		}
		record, putErr := o.cfg.artifacts.Put(ctx, "application/json", data, map[string]any{
			"workflow_id":   workflowID,
			"checkpoint_id": cp.CheckpointID,
		})
		if putErr != nil {
			o.emitEvent(workflowID, h, "checkpoint_artifact_write_failed", map[string]interface{}{"error": putErr.Error()})
		} else {
			snapshot.ArtifactURI = record.URI
			if _, getErr := o.cfg.artifacts.Get(ctx, record.URI); getErr != nil {
				if errors.Is(getErr, artifact.ErrHashMismatch) {
					o.failLocked(workflowID, h, StateExecuting, "create_checkpoint", fmt.Sprintf("artifact content hash mismatch: %v", getErr))
					return CheckpointSnapshot{}, invariantViolationErr(workflowID, StateFailed, "artifact content hash mismatch on checkpoint write verification", getErr)
				}
				// A transient read failure doesn't invalidate the write
				// that already succeeded; surface it and keep going.
				o.emitEvent(workflowID, h, "checkpoint_artifact_verify_failed", map[string]interface{}{"error": getErr.Error()})
			}
		}
	}

	h.exec.Snapshots = append(h.exec.Snapshots, snapshot)
	o.emitEvent(workflowID, h, "checkpoint_created", map[string]interface{}{"snapshot_id": snapshot.SnapshotID})
	return snapshot, nil
}

// RequestApproval builds an ApprovalRequest for an existing, unresolved
// snapshot and transitions the workflow to AWAITING_APPROVAL. summary and
// context are supplied by the caller — typically built by
// supervisor.Adapter.CreateRequest from the same snapshot and an optional
// monitor.Report — so this package never needs to import the supervisor
// or monitor packages (both of which import this one).
func (o *Orchestrator) RequestApproval(workflowID, snapshotID, summary string, context map[string]any) (ApprovalRequest, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateExecuting {
		return ApprovalRequest{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "request_approval requires EXECUTING")
	}

	var snapshot *CheckpointSnapshot
	for i := range h.exec.Snapshots {
		if h.exec.Snapshots[i].SnapshotID == snapshotID {
			snapshot = &h.exec.Snapshots[i]
			break
		}
	}
	if snapshot == nil {
		return ApprovalRequest{}, notFoundErr(workflowID, "snapshot not found on this workflow: "+snapshotID)
	}
	for _, req := range h.exec.ApprovalRequests {
		if req.SnapshotID == snapshotID && !h.resolved(req.RequestID) {
			return ApprovalRequest{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "snapshot already has a pending approval request")
		}
	}

	cp, _ := h.exec.CurrentCheckpoint()
	var expiresAt *time.Time
	if cp.TimeoutSeconds > 0 {
		t := o.cfg.clock().Add(time.Duration(cp.TimeoutSeconds) * time.Second)
		expiresAt = &t
	}

	req := ApprovalRequest{
		RequestID:    uuid.NewString(),
		WorkflowID:   workflowID,
		CheckpointID: snapshot.CheckpointID,
		SnapshotID:   snapshotID,
		Summary:      summary,
		Context:      context,
		CreatedAt:    o.cfg.clock(),
		ExpiresAt:    expiresAt,
	}

	h.exec.ApprovalRequests = append(h.exec.ApprovalRequests, req)
	from := h.exec.CurrentState
	h.exec.CurrentState = StateAwaitingApproval

	o.bumpGauge(from, StateAwaitingApproval)
	o.recordTransition(from, StateAwaitingApproval, "request_approval")
	o.emitEvent(workflowID, h, "approval_requested", map[string]interface{}{"request_id": req.RequestID, "snapshot_id": snapshotID})
	return req, nil
}

// applyModifications clones the latest snapshot's state and shallow-
// replaces each key in mods that already exists in AgentMemory or
// IntermediateOutputs, storing the result as h.restored. Keys present in
// neither bag are ignored and returned for the caller to report.
func (o *Orchestrator) applyModifications(h *workflowHandle, mods map[string]any) []string {
	base := h.exec.Snapshots[len(h.exec.Snapshots)-1].State.Clone()
	var ignored []string
	for k, v := range mods {
		switch {
		case base.AgentMemory != nil && hasKey(base.AgentMemory, k):
			base.AgentMemory[k] = v
		case base.IntermediateOutputs != nil && hasKey(base.IntermediateOutputs, k):
			base.IntermediateOutputs[k] = v
		default:
			ignored = append(ignored, k)
		}
	}
	h.restored = &base
	return ignored
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

// SubmitApproval applies the transition table's AWAITING_APPROVAL row for
// response.Decision: APPROVED/MODIFIED advance current_checkpoint_index,
// landing in SETTLING once the last checkpoint clears; REJECTED moves to
// ROLLING_BACK if the current checkpoint allows it, otherwise straight to
// FAILED with the rationale spec.md fixes as
// "Approval rejected and rollback not permitted".
func (o *Orchestrator) SubmitApproval(workflowID string, response ApprovalResponse) error {
	h, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateAwaitingApproval {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "submit_approval requires AWAITING_APPROVAL")
	}

	var req *ApprovalRequest
	for i := range h.exec.ApprovalRequests {
		if h.exec.ApprovalRequests[i].RequestID == response.RequestID {
			req = &h.exec.ApprovalRequests[i]
			break
		}
	}
	if req == nil {
		return notFoundErr(workflowID, "approval request not found: "+response.RequestID)
	}
	if h.resolved(response.RequestID) {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "approval request already resolved")
	}
	if response.Rationale == "" {
		return validationErr(workflowID, "rationale must not be empty")
	}
	switch response.Decision {
	case DecisionModified:
		if len(response.Modifications) == 0 {
			return validationErr(workflowID, "modified decision requires non-empty modifications")
		}
	case DecisionApproved, DecisionRejected:
		if len(response.Modifications) != 0 {
			return validationErr(workflowID, "approved/rejected decisions must not carry modifications")
		}
	default:
		return validationErr(workflowID, "unknown decision: "+string(response.Decision))
	}

	if response.ApprovedAt.IsZero() {
		response.ApprovedAt = o.cfg.clock()
	}
	h.exec.ApprovalResponses = append(h.exec.ApprovalResponses, response)

	cp, _ := h.exec.CurrentCheckpoint()
	from := h.exec.CurrentState

	switch response.Decision {
	case DecisionApproved, DecisionModified:
		if response.Decision == DecisionModified {
			if ignored := o.applyModifications(h, response.Modifications); len(ignored) > 0 {
				o.emitEvent(workflowID, h, "modification_keys_ignored", map[string]interface{}{"keys": ignored})
			}
		}
		h.exec.CurrentCheckpointIndex++
		if h.exec.CurrentCheckpointIndex >= len(h.exec.Config.Checkpoints) {
			h.exec.CurrentState = StateSettling
		} else {
			h.exec.CurrentState = StateExecuting
		}
	case DecisionRejected:
		if cp.CanRollback {
			h.exec.CurrentState = StateRollingBack
		} else {
			h.exec.CurrentState = StateFailed
			h.exec.ErrorMessage = "Approval rejected and rollback not permitted"
			now := o.cfg.clock()
			h.exec.CompletedAt = &now
		}
	}

	o.bumpGauge(from, h.exec.CurrentState)
	o.recordTransition(from, h.exec.CurrentState, "submit_approval:"+string(response.Decision))
	if o.cfg.metrics != nil {
		o.cfg.metrics.RecordCheckpointLatency(workflowID, response.ApprovedAt.Sub(req.CreatedAt))
	}
	o.emitEvent(workflowID, h, "approval_submitted", map[string]interface{}{
		"request_id": response.RequestID,
		"decision":   string(response.Decision),
	})
	if h.exec.CurrentState == StateFailed {
		o.emitEvent(workflowID, h, "workflow_failed", map[string]interface{}{"reason": h.exec.ErrorMessage})
	}
	return nil
}

// ExpireIfTimedOut checks the workflow's single outstanding approval
// request against its ExpiresAt (evaluated against the injected clock)
// and, if elapsed, submits a synthetic REJECTED response with rationale
// "timeout" — equivalent to a supervisor rejection, subject to the same
// rollback policy. Returns true if a timeout was applied.
func (o *Orchestrator) ExpireIfTimedOut(workflowID string) (bool, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	if h.exec.CurrentState != StateAwaitingApproval || len(h.exec.ApprovalRequests) == 0 {
		h.mu.Unlock()
		return false, nil
	}
	req := h.exec.ApprovalRequests[len(h.exec.ApprovalRequests)-1]
	now := o.cfg.clock()
	timedOut := req.ExpiresAt != nil && now.After(*req.ExpiresAt) && !h.resolved(req.RequestID)
	h.mu.Unlock()
	if !timedOut {
		return false, nil
	}

	if err := o.SubmitApproval(workflowID, ApprovalResponse{
		RequestID:  req.RequestID,
		Decision:   DecisionRejected,
		Rationale:  "timeout",
		ApprovedAt: now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteRollback finalizes a ROLLING_BACK workflow. On success the
// checkpoint index is decremented (floored at 0) and restored() becomes
// available from the most recent snapshot's state; on failure the workflow
// moves to FAILED. The registry replay itself (RollbackRegistry.Rollback)
// is the caller's responsibility — typically via Reconcile — since this
// operation only records the outcome in the state machine.
func (o *Orchestrator) CompleteRollback(workflowID string, success bool) error {
	h, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateRollingBack {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "complete_rollback requires ROLLING_BACK")
	}

	from := h.exec.CurrentState
	if success {
		if h.exec.CurrentCheckpointIndex > 0 {
			h.exec.CurrentCheckpointIndex--
		}
		h.exec.CurrentState = StateExecuting
		if len(h.exec.Snapshots) > 0 {
			restored := h.exec.Snapshots[len(h.exec.Snapshots)-1].State.Clone()
			h.restored = &restored
		}
	} else {
		h.exec.CurrentState = StateFailed
		h.exec.ErrorMessage = "rollback failed"
		now := o.cfg.clock()
		h.exec.CompletedAt = &now
	}

	o.bumpGauge(from, h.exec.CurrentState)
	o.recordTransition(from, h.exec.CurrentState, fmt.Sprintf("complete_rollback:%t", success))
	o.emitEvent(workflowID, h, "rollback_completed", map[string]interface{}{"success": success})
	if h.exec.CurrentState == StateFailed {
		o.emitEvent(workflowID, h, "workflow_failed", map[string]interface{}{"reason": h.exec.ErrorMessage})
	}
	return nil
}

// RollbackRegistry returns the per-workflow compensating-transaction
// registry, so callers can Register actions during EXECUTING and later
// drive Reconcile/Rollback before calling CompleteRollback.
func (o *Orchestrator) RollbackRegistry(workflowID string) (*RollbackRegistry, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return nil, err
	}
	return h.rollback, nil
}

// Settle computes the settlement split for a SETTLING workflow and
// instructs the configured Escrow Sink to pay it out. finalState feeds
// PartialCompletionRatio unless the workflow holds exactly one snapshot per
// declared checkpoint, in which case the ratio is 1.0 (the clean path spec.md §4.6 describes).
func (o *Orchestrator) Settle(ctx context.Context, workflowID string, finalState ExecutionState) (Settlement, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return Settlement{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateSettling {
		return Settlement{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "settle requires SETTLING")
	}

	ratio := PartialCompletionRatio(finalState, o.cfg.reconciliation)
	if len(h.exec.Snapshots) == len(h.exec.Config.Checkpoints) {
		ratio = 1.0
	}

	total := h.exec.Config.EscrowAmount * ratio
	if total > h.exec.Config.EscrowAmount {
		total = h.exec.Config.EscrowAmount
	}

	splits := []Split{
		{RecipientID: h.exec.Config.ExecutorID, Amount: total * o.cfg.executorShare, Reason: "settlement"},
	}
	if h.exec.Config.SupervisorID != "" {
		splits = append(splits, Split{RecipientID: h.exec.Config.SupervisorID, Amount: total * o.cfg.supervisorShare, Reason: "settlement"})
	}

	if o.cfg.escrow != nil && h.exec.EscrowID != "" {
		escrowSplits := make([]escrow.Split, len(splits))
		for i, s := range splits {
			escrowSplits[i] = escrow.Split{RecipientID: s.RecipientID, Amount: s.Amount, Reason: s.Reason}
		}
		if err := o.cfg.escrow.Split(ctx, h.exec.EscrowID, escrowSplits); err != nil {
			// The workflow stays in SETTLING rather than failing: per
			// spec.md §7, an escrow-release SinkFailure here is surfaced
			// for operator retry, not treated as fatal.
			o.emitEvent(workflowID, h, "settlement_split_failed", map[string]interface{}{"error": err.Error()})
			return Settlement{}, sinkFailureErr(workflowID, StateSettling, "escrow split failed", err)
		}
	}

	for _, s := range splits {
		h.exec.ReleasedTotal += s.Amount
		if o.cfg.metrics != nil {
			recipientType := "executor"
			if s.RecipientID == h.exec.Config.SupervisorID {
				recipientType = "supervisor"
			}
			o.cfg.metrics.RecordEscrowRelease(workflowID, recipientType, s.Amount)
		}
	}

	settlement := Settlement{WorkflowID: workflowID, Ratio: ratio, Splits: splits, Total: total}
	o.emitEvent(workflowID, h, "settled", map[string]interface{}{"ratio": ratio, "total": total})
	return settlement, nil
}

// Complete moves a SETTLING workflow to COMPLETED, setting completed_at
// and discarding its compensating-transaction registry (no further
// rollback is possible once settled).
func (o *Orchestrator) Complete(workflowID string) error {
	h, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState != StateSettling {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "complete requires SETTLING")
	}

	from := h.exec.CurrentState
	h.exec.CurrentState = StateCompleted
	now := o.cfg.clock()
	h.exec.CompletedAt = &now
	h.rollback.Clear()

	o.bumpGauge(from, StateCompleted)
	o.recordTransition(from, StateCompleted, "complete")
	o.emitEvent(workflowID, h, "workflow_completed", nil)
	return nil
}

// Fail moves any non-terminal workflow straight to FAILED with reason.
func (o *Orchestrator) Fail(workflowID, reason string) error {
	h, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState.terminal() {
		return invalidTransitionErr(workflowID, h.exec.CurrentState, "fail requires a non-terminal state")
	}

	from := h.exec.CurrentState
	o.failLocked(workflowID, h, from, "fail", reason)
	return nil
}

// Cancel moves any non-terminal workflow to FAILED, first firing the
// compensating-transaction pipeline exactly as a rejection would if the
// current checkpoint allows rollback.
func (o *Orchestrator) Cancel(workflowID, reason string) (RollbackResult, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return RollbackResult{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exec.CurrentState.terminal() {
		return RollbackResult{}, invalidTransitionErr(workflowID, h.exec.CurrentState, "cancel requires a non-terminal state")
	}

	cp, hasCheckpoint := h.exec.CurrentCheckpoint()
	from := h.exec.CurrentState

	var result RollbackResult
	if hasCheckpoint && cp.CanRollback {
		result = h.rollback.Rollback()
		if !result.Success && o.cfg.metrics != nil {
			for _, id := range result.Failed {
				o.cfg.metrics.RecordRollbackFailure(workflowID, id)
			}
		}
	}

	h.exec.CurrentState = StateFailed
	h.exec.ErrorMessage = reason
	now := o.cfg.clock()
	h.exec.CompletedAt = &now

	o.bumpGauge(from, StateFailed)
	o.recordTransition(from, StateFailed, "cancel")
	o.emitEvent(workflowID, h, "workflow_cancelled", map[string]interface{}{"reason": reason})
	return result, nil
}

// Get returns a copy of workflowID's execution record.
func (o *Orchestrator) Get(workflowID string) (WorkflowExecution, error) {
	h, err := o.handle(workflowID)
	if err != nil {
		return WorkflowExecution{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneExecution(h.exec), nil
}

// RestoredState returns the state a caller's executor should resume
// with after the most recent successful rollback or MODIFIED approval,
// and whether one has happened yet.
func (o *Orchestrator) RestoredState(workflowID string) (ExecutionState, bool) {
	h, err := o.handle(workflowID)
	if err != nil {
		return ExecutionState{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.restored == nil {
		return ExecutionState{}, false
	}
	return h.restored.Clone(), true
}
