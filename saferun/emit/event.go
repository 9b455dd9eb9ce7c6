package emit

// Event represents an observability event emitted during workflow
// execution: a state transition, a checkpoint operation, an approval
// decision, a settlement.
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the 0-based checkpoint index active when the event fired,
	// including for workflow-level events (started, settled, failed); once
	// every checkpoint has been approved it equals the checkpoint count.
	Step int

	// NodeID identifies the checkpoint at index Step when the event fired.
	// Empty string once Step is past the last checkpoint.
	NodeID string

	// Msg is a human-readable description of the event, e.g.
	// "checkpoint_created", "approval_requested", "rollback_completed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "decision": the ApprovalResponse.Decision for approval events
	//   - "reason": failure or rejection rationale
	//   - "snapshot_id": the snapshot a checkpoint event concerns
	//   - "ratio", "total": the completion ratio and amount for settlement events
	Meta map[string]interface{}
}
