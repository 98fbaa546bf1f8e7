package approval

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Resolve when no record exists for a request_id.
var ErrNotFound = errors.New("approval: request_id not found")

// TransitionError reports an attempt to move a terminal record to a
// different terminal state.
type TransitionError struct {
	RequestID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("approval: invalid state transition %s -> %s for request %s", e.From, e.To, e.RequestID)
}

// BindingConflictError reports a CreatePending whose policy or decision hash
// differs from the still-pending record already stored under the same
// request_id. The existing binding is never silently overwritten.
type BindingConflictError struct {
	RequestID string
}

func (e *BindingConflictError) Error() string {
	return fmt.Sprintf("approval: policy_hash/decision_hash mismatch for existing pending request %s", e.RequestID)
}

// TimeoutError reports that a wait-side deadline elapsed before the store
// showed a terminal state. Distinct from denial so callers can branch on
// retry-after-timeout versus never-retry-after-rejection.
type TimeoutError struct {
	RequestID string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval: wait exceeded %s for request %s", e.Waited, e.RequestID)
}
