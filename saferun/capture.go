package saferun

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// serializedState is the canonical on-wire shape of ExecutionState.
// encoding/json already marshals Go maps with sorted keys, which is what
// guarantees hash stability here — relied upon, not re-implemented.
type serializedState struct {
	CheckpointID        string             `json:"checkpoint_id"`
	Timestamp           string             `json:"timestamp"`
	AgentMemory         map[string]any     `json:"agent_memory"`
	APICalls            []serializedCall   `json:"api_calls"`
	IntermediateOutputs map[string]any     `json:"intermediate_outputs"`
	DecisionTrace       []string           `json:"decision_trace"`
	ResourceConsumption map[string]float64 `json:"resource_consumption"`
}

// serializedCall is APICall with its Timestamp normalized to UTC, so that
// two otherwise-equal states captured in different time zones produce the
// same ContentHash.
type serializedCall struct {
	ID             string `json:"ID"`
	Timestamp      string `json:"Timestamp"`
	Description    string `json:"Description"`
	HasSideEffects bool   `json:"HasSideEffects"`
	Result         any    `json:"Result"`
}

func normalizeAPICalls(calls []APICall) []serializedCall {
	out := make([]serializedCall, len(calls))
	for i, c := range calls {
		out[i] = serializedCall{
			ID:             c.ID,
			Timestamp:      c.Timestamp.UTC().Format(time.RFC3339Nano),
			Description:    c.Description,
			HasSideEffects: c.HasSideEffects,
			Result:         c.Result,
		}
	}
	return out
}

func denormalizeAPICalls(calls []serializedCall) ([]APICall, error) {
	out := make([]APICall, len(calls))
	for i, c := range calls {
		ts, err := time.Parse(time.RFC3339Nano, c.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("saferun: api call %d: timestamp: %w", i, err)
		}
		out[i] = APICall{
			ID:             c.ID,
			Timestamp:      ts.UTC(),
			Description:    c.Description,
			HasSideEffects: c.HasSideEffects,
			Result:         c.Result,
		}
	}
	return out, nil
}

// Serialize produces a deterministic, stable byte encoding of an
// ExecutionState: ISO-8601 UTC timestamps with trailing "Z", map keys in
// stable (sorted) order. Serialization is total for any valid
// ExecutionState.
func Serialize(state ExecutionState) ([]byte, error) {
	s := serializedState{
		CheckpointID:        state.CheckpointID,
		Timestamp:           state.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentMemory:         state.AgentMemory,
		APICalls:            normalizeAPICalls(state.APICalls),
		IntermediateOutputs: state.IntermediateOutputs,
		DecisionTrace:       state.DecisionTrace,
		ResourceConsumption: state.ResourceConsumption,
	}
	return json.Marshal(s)
}

// Deserialize is the inverse of Serialize.
func Deserialize(data []byte) (ExecutionState, error) {
	var s serializedState
	if err := json.Unmarshal(data, &s); err != nil {
		return ExecutionState{}, fmt.Errorf("saferun: deserialize execution state: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, s.Timestamp)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("saferun: deserialize execution state: timestamp: %w", err)
	}
	calls, err := denormalizeAPICalls(s.APICalls)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("saferun: deserialize execution state: %w", err)
	}
	return ExecutionState{
		CheckpointID:        s.CheckpointID,
		Timestamp:           ts.UTC(),
		AgentMemory:         s.AgentMemory,
		APICalls:            calls,
		IntermediateOutputs: s.IntermediateOutputs,
		DecisionTrace:       s.DecisionTrace,
		ResourceConsumption: s.ResourceConsumption,
	}, nil
}

// ContentHash returns the hex-encoded SHA-256 of state's canonical
// serialization. Invariant under map insertion order because Serialize
// always encodes maps with sorted keys.
func ContentHash(state ExecutionState) (string, error) {
	data, err := Serialize(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MapDiff is the added/removed/changed breakdown between two string-keyed
// maps, mirroring StateCapture._dict_diff.
type MapDiff struct {
	Added   map[string]any
	Removed map[string]any
	Changed map[string]ValueChange
}

// ValueChange records the old and new value of a key present in both maps
// being diffed.
type ValueChange struct {
	Old any
	New any
}

func dictDiff(a, b map[string]any) MapDiff {
	diff := MapDiff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Changed: map[string]ValueChange{},
	}
	for k, v := range b {
		if _, ok := a[k]; !ok {
			diff.Added[k] = v
		}
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			diff.Removed[k] = v
		}
	}
	for k, av := range a {
		if bv, ok := b[k]; ok && !equalAny(av, bv) {
			diff.Changed[k] = ValueChange{Old: av, New: bv}
		}
	}
	return diff
}

func equalAny(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}

// StateDiff is the debugging-only comparison between two ExecutionStates:
// per-bag added/removed/changed keys plus non-negative length deltas for
// api-calls and decision-trace growth. Not on the critical path.
type StateDiff struct {
	MemoryDiff       MapDiff
	APICallsAdded    int
	OutputsDiff      MapDiff
	DecisionsAdded   int
	ResourceDiff     MapDiff
}

// Diff compares two ExecutionStates, typically consecutive checkpoints of
// the same workflow, and reports what changed between them.
func Diff(a, b ExecutionState) StateDiff {
	return StateDiff{
		MemoryDiff:     dictDiff(a.AgentMemory, b.AgentMemory),
		APICallsAdded:  nonNegative(len(b.APICalls) - len(a.APICalls)),
		OutputsDiff:    dictDiff(a.IntermediateOutputs, b.IntermediateOutputs),
		DecisionsAdded: nonNegative(len(b.DecisionTrace) - len(a.DecisionTrace)),
		ResourceDiff:   dictDiff(floatMapToAny(a.ResourceConsumption), floatMapToAny(b.ResourceConsumption)),
	}
}

// nonNegative clamps growth deltas at 0: b is expected to be a later
// checkpoint than a, but a shorter list (e.g. b compared against the wrong
// a) must not produce a negative "added" count.
func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func floatMapToAny(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
