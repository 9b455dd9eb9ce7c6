package saferun

import "sync"

// ActionKind enumerates the compensating-action variants the registry knows
// how to dispatch on. Modeled as a tagged variant (per spec.md §9) rather
// than capturing live closures, so registered actions stay plain data.
type ActionKind string

const (
	ActionAPICall       ActionKind = "api_call"
	ActionArtifactWrite ActionKind = "artifact_write"
	ActionEscrowRelease ActionKind = "escrow_release"
	ActionCustom        ActionKind = "custom"
)

// Inverse is the function invoked to undo a registered action. It receives
// the action's recorded payload and must itself be idempotent — the
// registry marks a transaction executed before invoking it, so a retried
// Inverse call must be safe to run on state it may have already mutated.
type Inverse func(payload map[string]any) error

// compensatingTransaction is one registered side-effecting action together
// with its inverse. Mirrors CompensatingTransaction in the reconciliation
// module this registry is grounded on.
type compensatingTransaction struct {
	actionID string
	kind     ActionKind
	payload  map[string]any
	inverse  Inverse
	executed bool
	success  bool
}

// execute runs the transaction's inverse exactly once. A second call
// returns the first call's recorded outcome without re-invoking Inverse —
// this is the at-most-once guarantee spec.md §5's shared-resource policy
// requires ("the registry marks a transaction executed=true before running
// the inverse to prevent duplicate execution on retry").
func (t *compensatingTransaction) execute() bool {
	if t.executed {
		return t.success
	}
	t.executed = true
	if t.inverse == nil {
		// No inverse registered: treated as a no-op, counted as success.
		t.success = true
		return true
	}
	t.success = t.inverse(t.payload) == nil
	return t.success
}

// RollbackRegistry records side-effectful actions with their inverses and
// replays them in reverse registration order on rollback. One registry is
// owned per workflow by the Orchestrator.
type RollbackRegistry struct {
	mu           sync.Mutex
	order        []string
	transactions map[string]*compensatingTransaction
}

// NewRollbackRegistry returns an empty registry.
func NewRollbackRegistry() *RollbackRegistry {
	return &RollbackRegistry{transactions: make(map[string]*compensatingTransaction)}
}

// Register records actionID as a side-effectful action with the given
// inverse. Call this before executing any action that has side effects;
// a nil inverse marks the action as something the registry skips
// (counted as success) during rollback.
func (r *RollbackRegistry) Register(actionID string, kind ActionKind, payload map[string]any, inverse Inverse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[actionID] = &compensatingTransaction{
		actionID: actionID,
		kind:     kind,
		payload:  payload,
		inverse:  inverse,
	}
	r.order = append(r.order, actionID)
}

// RollbackResult is the outcome of one Rollback invocation: per-action
// success/failure plus the overall best-effort-all-or-nothing verdict.
type RollbackResult struct {
	ActionsAttempted int
	Failed           []string
	Success          bool
}

// Rollback replays registered actions in reverse registration order,
// invoking each inverse exactly once. Failures do not short-circuit the
// loop (best-effort all-or-nothing); actions without a registered inverse
// are skipped and counted as success.
func (r *RollbackRegistry) Rollback() RollbackResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := RollbackResult{ActionsAttempted: len(r.order), Success: true}
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		txn, ok := r.transactions[id]
		if !ok {
			continue
		}
		if ok := txn.execute(); !ok {
			result.Success = false
			result.Failed = append(result.Failed, id)
		}
	}
	return result
}

// Clear discards all registered transactions, e.g. after a successful
// settlement where no further rollback can occur.
func (r *RollbackRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.transactions = make(map[string]*compensatingTransaction)
}

// ActionIDsWithSideEffects extracts the action ids worth rolling back from
// an ExecutionState's api-call log: those flagged HasSideEffects. Mirrors
// ReconciliationAgent._identify_rollback_actions.
func ActionIDsWithSideEffects(state ExecutionState) []string {
	var ids []string
	for _, call := range state.APICalls {
		if call.HasSideEffects {
			ids = append(ids, call.ID)
		}
	}
	return ids
}
