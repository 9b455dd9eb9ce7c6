package saferun

// ReconciliationConfig holds the policy constants used to compute partial
// completion ratios and recommended payouts. These were literals in the
// source prototype (10 api calls, 5 outputs, 10 decisions); spec.md §9's
// Open Question resolves them as a configurable struct, defaulted to the
// source's values, overridable per Orchestrator. The 10% supervisor fee is
// not part of this struct; it is set with WithSettlementShares.
type ReconciliationConfig struct {
	// APICallTarget is the api-call count treated as "fully complete" when
	// computing the api-calls contribution to the completion ratio.
	APICallTarget int
	// OutputTarget is the intermediate-output count treated as "fully
	// complete" for the outputs contribution.
	OutputTarget int
	// DecisionTarget is the decision-trace length treated as "fully
	// complete" for the decisions contribution.
	DecisionTarget int
}

// DefaultReconciliationConfig returns the policy constants carried over
// from the original prototype's ReconciliationAgent.
func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		APICallTarget:  10,
		OutputTarget:   5,
		DecisionTarget: 10,
	}
}

// PartialCompletionRatio computes mean(min(|api_calls|/target,1),
// min(|outputs|/target,1), min(|decisions|/target,1)) over the non-empty
// contributors, 0 if none — exactly spec.md §4.3's formula.
func PartialCompletionRatio(state ExecutionState, cfg ReconciliationConfig) float64 {
	var sum float64
	var n int

	if len(state.APICalls) > 0 {
		sum += minF(float64(len(state.APICalls))/float64(cfg.APICallTarget), 1.0)
		n++
	}
	if len(state.IntermediateOutputs) > 0 {
		sum += minF(float64(len(state.IntermediateOutputs))/float64(cfg.OutputTarget), 1.0)
		n++
	}
	if len(state.DecisionTrace) > 0 {
		sum += minF(float64(len(state.DecisionTrace))/float64(cfg.DecisionTarget), 1.0)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ReconciliationReport is the outcome of reconciling a rejected checkpoint:
// the partial-completion ratio, the rollback outcome, and the recommended
// payout, clamped to [0, escrowAmount].
type ReconciliationReport struct {
	WorkflowID         string
	CheckpointID       string
	RejectionReason    string
	RollbackSuccess    bool
	PartialCompletion  float64
	RecommendedPayout  float64
	FailedRollbackIDs  []string
}

// Reconcile computes a ReconciliationReport for a rejected checkpoint:
// partial completion, recommended payout (basePayout × ratio −
// Σresource_consumption, clamped to [0, escrowAmount]), and the rollback
// outcome from registry.Rollback().
func Reconcile(workflowID string, state ExecutionState, rejectionReason string, basePayout, escrowAmount float64, cfg ReconciliationConfig, registry *RollbackRegistry) ReconciliationReport {
	ratio := PartialCompletionRatio(state, cfg)

	var resourceCost float64
	for _, v := range state.ResourceConsumption {
		resourceCost += v
	}

	payout := basePayout*ratio - resourceCost
	if payout < 0 {
		payout = 0
	}
	if payout > escrowAmount {
		payout = escrowAmount
	}

	result := registry.Rollback()

	return ReconciliationReport{
		WorkflowID:        workflowID,
		CheckpointID:      state.CheckpointID,
		RejectionReason:   rejectionReason,
		RollbackSuccess:   result.Success,
		PartialCompletion: ratio,
		RecommendedPayout: payout,
		FailedRollbackIDs: result.Failed,
	}
}
