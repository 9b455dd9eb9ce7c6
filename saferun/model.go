package saferun

import "time"

// WorkflowState is one of the seven states a WorkflowExecution may occupy.
type WorkflowState string

const (
	StateInitialized     WorkflowState = "INITIALIZED"
	StateExecuting       WorkflowState = "EXECUTING"
	StateAwaitingApproval WorkflowState = "AWAITING_APPROVAL"
	StateRollingBack     WorkflowState = "ROLLING_BACK"
	StateSettling        WorkflowState = "SETTLING"
	StateCompleted       WorkflowState = "COMPLETED"
	StateFailed          WorkflowState = "FAILED"
)

// terminal reports whether a state accepts no further operations.
func (s WorkflowState) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Decision is the supervisor's verdict on an approval request.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionModified Decision = "MODIFIED"
)

// CheckpointConfig describes one declared pause point in a workflow. It is
// immutable once placed in a WorkflowConfig.
type CheckpointConfig struct {
	CheckpointID     string
	Name             string
	Description      string
	RequiresApproval bool
	TimeoutSeconds   int // default 300 if zero, applied by NewWorkflowConfig
	CanRollback      bool
}

// WorkflowConfig is immutable after the workflow is initialized.
type WorkflowConfig struct {
	WorkflowID   string
	Name         string
	Description  string
	Checkpoints  []CheckpointConfig
	EscrowAmount float64
	PosterID     string
	ExecutorID   string
	SupervisorID string // optional
}

// APICall records one side-effecting (or side-effect-free) action taken by
// the executor between checkpoints.
type APICall struct {
	ID              string
	Timestamp       time.Time
	Description     string
	HasSideEffects  bool
	Result          any
}

// ExecutionState is the value captured at a checkpoint: everything the
// supervisor needs to judge the executor's progress so far.
type ExecutionState struct {
	CheckpointID        string
	Timestamp           time.Time
	AgentMemory         map[string]any
	APICalls            []APICall
	IntermediateOutputs map[string]any
	DecisionTrace       []string
	ResourceConsumption map[string]float64
}

// Clone returns a deep-enough copy of s suitable for mutation (e.g. applying
// modifications) without aliasing the caller's maps/slices.
func (s ExecutionState) Clone() ExecutionState {
	out := s
	out.AgentMemory = cloneAnyMap(s.AgentMemory)
	out.IntermediateOutputs = cloneAnyMap(s.IntermediateOutputs)
	out.ResourceConsumption = cloneFloatMap(s.ResourceConsumption)
	out.APICalls = append([]APICall(nil), s.APICalls...)
	out.DecisionTrace = append([]string(nil), s.DecisionTrace...)
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CheckpointSnapshot is the immutable, persisted record of an ExecutionState
// at one checkpoint.
type CheckpointSnapshot struct {
	SnapshotID       string
	WorkflowID       string
	CheckpointID     string
	State            ExecutionState
	ApprovalRequired bool
	CreatedAt        time.Time
	ArtifactURI      string // empty if the artifact sink failed or none is configured
	ContentHash      string // sha256 hex of the serialized state, always set
}

// ApprovalRequest is the immutable request handed to a supervisor.
type ApprovalRequest struct {
	RequestID   string
	WorkflowID  string
	CheckpointID string
	SnapshotID  string
	Summary     string
	Context     map[string]any
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// ApprovalResponse is the immutable decision a supervisor submits against a
// request.
type ApprovalResponse struct {
	RequestID     string
	Decision      Decision
	Rationale     string
	Modifications map[string]any // non-nil iff Decision == DecisionModified
	ApproverID    string
	ApprovedAt    time.Time
}

// WorkflowExecution is the mutable record owned by the Orchestrator. All
// mutation happens through Orchestrator methods under the workflow's lock;
// callers receive copies.
type WorkflowExecution struct {
	WorkflowID             string
	Config                 WorkflowConfig
	CurrentState           WorkflowState
	CurrentCheckpointIndex int
	Snapshots              []CheckpointSnapshot
	ApprovalRequests       []ApprovalRequest
	ApprovalResponses      []ApprovalResponse
	StartedAt              time.Time
	CompletedAt            *time.Time
	ErrorMessage           string
	EscrowID               string
	ReleasedTotal          float64
}

// CurrentCheckpoint returns the checkpoint config at CurrentCheckpointIndex,
// or the zero value and false if the index is out of range (i.e. the
// workflow has advanced past its last checkpoint).
func (w WorkflowExecution) CurrentCheckpoint() (CheckpointConfig, bool) {
	if w.CurrentCheckpointIndex < 0 || w.CurrentCheckpointIndex >= len(w.Config.Checkpoints) {
		return CheckpointConfig{}, false
	}
	return w.Config.Checkpoints[w.CurrentCheckpointIndex], true
}

// Settlement is the outcome of a successful settle() call.
type Settlement struct {
	WorkflowID string
	Ratio      float64
	Splits     []Split
	Total      float64
}

// Split names one recipient of a settlement and the amount released to them.
type Split struct {
	RecipientID string
	Amount      float64
	Reason      string
}

const defaultCheckpointTimeoutSeconds = 300

// NewWorkflowConfig applies default field values (e.g. a checkpoint's
// zero-value TimeoutSeconds becomes 300) and returns the config ready for
// Initialize. It does not validate; Initialize does that.
func NewWorkflowConfig(workflowID, name, description string, checkpoints []CheckpointConfig, escrowAmount float64, posterID, executorID, supervisorID string) WorkflowConfig {
	cps := make([]CheckpointConfig, len(checkpoints))
	copy(cps, checkpoints)
	for i := range cps {
		if cps[i].TimeoutSeconds <= 0 {
			cps[i].TimeoutSeconds = defaultCheckpointTimeoutSeconds
		}
	}
	return WorkflowConfig{
		WorkflowID:   workflowID,
		Name:         name,
		Description:  description,
		Checkpoints:  cps,
		EscrowAmount: escrowAmount,
		PosterID:     posterID,
		ExecutorID:   executorID,
		SupervisorID: supervisorID,
	}
}
