// Package approval implements the durable approval state machine that
// coordinates human-in-the-loop decisions with the ledger. A record is
// created pending, bound to one specific decision instance, and transitions
// exactly once to a terminal state; stale pendings expire by TTL so nothing
// can wait forever.
package approval

import (
	"context"
	"fmt"
	"time"
)

// State of an approval record. Pending has exactly one outbound transition;
// all other states are terminal.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
	StateFailed   State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateExpired, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a resolved state.
func (s State) Terminal() bool { return s.Valid() && s != StatePending }

// TTL bounds applied at the store, not the engine. The hard cap holds
// regardless of what a caller requests.
const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = time.Hour
)

// timeLayout is the fixed-width UTC rendering used for persisted timestamps.
// Fixed width keeps lexicographic comparison equal to chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Record is one pending-or-resolved approval. The decision hash binds it to
// a single decision instance, which is the anti-replay mechanism.
type Record struct {
	RequestID    string
	PolicyHash   string
	DecisionHash string
	State        State
	ApproverID   *string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
}

// Store is the durable approval state contract. Fetch must be cheap: polling
// approvers call it at high frequency from many concurrent waiters.
type Store interface {
	// CreatePending inserts request_id as pending with a clamped expiry.
	// Re-creating an identical pending refreshes the expiry and changes
	// nothing else; a pending with a different binding is a
	// *BindingConflictError; a terminal record is left untouched.
	CreatePending(ctx context.Context, requestID, policyHash, decisionHash string, expiresAt *time.Time) error

	// Resolve moves a pending record to a terminal state. Re-resolving to
	// the same state is idempotent; a different terminal state is a
	// *TransitionError; an unknown request_id is ErrNotFound.
	Resolve(ctx context.Context, requestID string, state State, approverID *string) error

	// Fetch returns the current record, lazily flipping an overdue pending
	// to expired first. A missing record returns (nil, nil).
	Fetch(ctx context.Context, requestID string) (*Record, error)

	// ExpireExpired flips every overdue pending to expired and returns the
	// count. Called before creating new pendings and by polling approvers,
	// never on an internal timer.
	ExpireExpired(ctx context.Context) (int64, error)
}

// clampExpiry applies the default and hard-cap TTLs relative to now.
func clampExpiry(expiresAt *time.Time, now time.Time, defaultTTL, maxTTL time.Duration) time.Time {
	maxExpiry := now.Add(maxTTL)
	if expiresAt == nil {
		return now.Add(defaultTTL)
	}
	if expiresAt.After(maxExpiry) {
		return maxExpiry
	}
	return *expiresAt
}

func validateIdentity(requestID, policyHash, decisionHash string) error {
	if requestID == "" {
		return fmt.Errorf("request_id must be a non-empty string")
	}
	if policyHash == "" {
		return fmt.Errorf("policy_hash must be a non-empty string")
	}
	if decisionHash == "" {
		return fmt.Errorf("decision_hash must be a non-empty string")
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q", s)
	}
	return t.UTC(), nil
}
