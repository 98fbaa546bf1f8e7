package engine

import "fmt"

// DeniedError is returned when policy, approval, or budget blocks a guarded
// call. It is an ordinary verdict, not an infrastructure failure, so callers
// should not retry it.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "engine: denied: " + e.Reason
}

// PolicyError reports a failed policy evaluation. The denial it triggered is
// already on the ledger when this is returned.
type PolicyError struct {
	Err error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("engine: policy evaluation failed: %v", e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ApprovalError reports that the approval process itself broke, as opposed
// to a human denying or a wait timing out.
type ApprovalError struct {
	Err error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("engine: approval process failed: %v", e.Err)
}

func (e *ApprovalError) Unwrap() error { return e.Err }

// EvidenceError reports a failed decision append. The engine is fail-closed:
// when this is returned the guarded action did not run.
type EvidenceError struct {
	Err error
}

func (e *EvidenceError) Error() string {
	return fmt.Sprintf("engine: failed to write decision evidence: %v", e.Err)
}

func (e *EvidenceError) Unwrap() error { return e.Err }
