package saferun

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the reason a saferun operation failed. Callers
// switch on Kind (or use errors.Is against the Err* sentinels below)
// rather than parsing error strings.
type ErrorKind string

const (
	// InvalidTransition means the requested operation is illegal from the
	// workflow's current state.
	InvalidTransition ErrorKind = "invalid_transition"
	// NotFound means an unknown workflow, snapshot, or request id was referenced.
	NotFound ErrorKind = "not_found"
	// ValidationError means a caller supplied ill-formed input: empty
	// rationale, missing modifications, a negative amount, an empty
	// checkpoint list, and the like.
	ValidationError ErrorKind = "validation_error"
	// SinkFailure means the Artifact or Escrow Sink returned an error.
	SinkFailure ErrorKind = "sink_failure"
	// InvariantViolation means an internal consistency rule was broken,
	// e.g. a content-hash mismatch on artifact read. Fatal for the
	// affected workflow.
	InvariantViolation ErrorKind = "invariant_violation"
	// Timeout means an approval window elapsed without a response.
	Timeout ErrorKind = "timeout"
)

// Error is the error type returned by all saferun operations. It carries
// enough context for a caller to react programmatically (Kind) and enough
// detail for a human to understand what happened (Error()).
type Error struct {
	Kind       ErrorKind
	WorkflowID string
	State      WorkflowState
	Reason     string
	Cause      error
}

func (e *Error) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("saferun: %s: %s", e.Kind, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("saferun: workflow %s (%s): %s: %s: %v", e.WorkflowID, e.State, e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("saferun: workflow %s (%s): %s: %s", e.WorkflowID, e.State, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is one of the Err* sentinels matching e.Kind,
// letting callers write errors.Is(err, saferun.ErrNotFound) without caring
// about the concrete *Error value underneath.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	if sentinel.WorkflowID != "" || sentinel.State != "" || sentinel.Reason != "" {
		return false
	}
	return e.Kind == sentinel.Kind
}

// Sentinel errors, one per ErrorKind, for use with errors.Is. They carry
// no workflow context — construct a full *Error (via the newXxxError
// helpers) when returning from an operation.
var (
	ErrInvalidTransition  = &Error{Kind: InvalidTransition}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrValidation         = &Error{Kind: ValidationError}
	ErrSinkFailure        = &Error{Kind: SinkFailure}
	ErrInvariantViolation = &Error{Kind: InvariantViolation}
	ErrTimeout            = &Error{Kind: Timeout}
)

// ErrUnknownRequest is returned by the supervisor adapter when a decision
// is submitted against a request id that is not (or no longer) pending.
var ErrUnknownRequest = errors.New("unknown or already-resolved approval request")

func newError(kind ErrorKind, workflowID string, state WorkflowState, reason string, cause error) *Error {
	return &Error{Kind: kind, WorkflowID: workflowID, State: state, Reason: reason, Cause: cause}
}

func invalidTransitionErr(workflowID string, state WorkflowState, reason string) *Error {
	return newError(InvalidTransition, workflowID, state, reason, nil)
}

func notFoundErr(workflowID, reason string) *Error {
	return newError(NotFound, workflowID, "", reason, nil)
}

func validationErr(workflowID, reason string) *Error {
	return newError(ValidationError, workflowID, "", reason, nil)
}

func sinkFailureErr(workflowID string, state WorkflowState, reason string, cause error) *Error {
	return newError(SinkFailure, workflowID, state, reason, cause)
}

func invariantViolationErr(workflowID string, state WorkflowState, reason string, cause error) *Error {
	return newError(InvariantViolation, workflowID, state, reason, cause)
}

func timeoutErr(workflowID string, state WorkflowState, reason string) *Error {
	return newError(Timeout, workflowID, state, reason, nil)
}
