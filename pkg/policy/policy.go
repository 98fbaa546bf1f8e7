// Package policy defines the decision boundary the engine calls before any
// guarded action runs. Policies are arbitrary user logic behind one interface;
// the engine treats evaluation errors as fail-closed denials.
package policy

import "context"

// Decision is the outcome of evaluating a guarded call.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// Reason codes recorded on decision entries. The vocabulary is closed so
// downstream alerting can match on codes instead of free-text reasons.
const (
	CodeAllowLowRisk            = "policy.allow.low_risk"
	CodeDenyHighRisk            = "policy.deny.high_risk"
	CodeRequireApprovalHighRisk = "policy.require_approval.high_value"
	CodePolicyEvaluationFailed  = "policy.evaluation_failed"
	CodeApprovalDenied          = "approval.denied"
	CodeApprovalProcessFailed   = "approval.process_failed"
	CodeBudgetExceededAgent     = "budget.exceeded.agent_rate"
	CodeBudgetExceededTool      = "budget.exceeded.tool_rate"
	CodeBudgetEvaluationFailed  = "budget.evaluation_failed"
)

// DefaultReasonCode maps a decision to its fallback code when the policy
// supplies none.
func DefaultReasonCode(d Decision) string {
	switch d {
	case Allow:
		return CodeAllowLowRisk
	case Deny:
		return CodeDenyHighRisk
	case RequireApproval:
		return CodeRequireApprovalHighRisk
	}
	return CodePolicyEvaluationFailed
}

// Request is the data captured for a single guarded call, with parameters
// already redacted.
type Request struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	Metadata   map[string]any
}

// Result of a policy evaluation. Reason must be non-empty; ReasonCode is
// optional and defaults per decision.
type Result struct {
	Decision   Decision
	Reason     string
	ReasonCode string
}

// Policy evaluates one guarded call. Implementations must be deterministic
// and side-effect-free; a returned error is mapped to a fail-closed deny.
type Policy interface {
	Evaluate(ctx context.Context, req Request) (Result, error)

	// ID identifies the policy in ledger entries.
	ID() string
}

// Versioned is implemented by policies that carry a version string, recorded
// alongside the policy id in decision entries.
type Versioned interface {
	Version() string
}

// Hashed is implemented by policies that publish their own stable policy
// hash. Without it the engine derives one from the id and version.
type Hashed interface {
	PolicyHash() string
}

// AllowAll permits every action.
type AllowAll struct{}

func (AllowAll) Evaluate(ctx context.Context, req Request) (Result, error) {
	return Result{Decision: Allow, Reason: "allowed"}, nil
}

func (AllowAll) ID() string { return "policy.AllowAll" }

// DenyAll denies every action.
type DenyAll struct{}

func (DenyAll) Evaluate(ctx context.Context, req Request) (Result, error) {
	return Result{Decision: Deny, Reason: "denied"}, nil
}

func (DenyAll) ID() string { return "policy.DenyAll" }
