// Package engine orchestrates guarded execution: policy evaluation, optional
// human approval, budget accounting, and tamper-evident evidence. The order
// is fixed: policy, approval, budget, decision append, execute, outcome
// append. Decision appends are fail-closed (no evidence, no execution);
// outcome appends are best-effort.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardlabs/toolgate/pkg/approval"
	"github.com/wardlabs/toolgate/pkg/audit"
	"github.com/wardlabs/toolgate/pkg/budget"
	"github.com/wardlabs/toolgate/pkg/ledger"
	"github.com/wardlabs/toolgate/pkg/policy"
)

const (
	defaultMaxErrorLength = 200
	defaultApprovalTTL    = 5 * time.Minute
)

// Fn is a guarded function. It only runs after a decision entry is durably
// on the ledger.
type Fn func(ctx context.Context) (any, error)

// Engine guards function calls for one agent.
type Engine struct {
	agentID  string
	policy   policy.Policy
	ledger   ledger.Ledger
	approver approval.Approver
	store    approval.Store
	budget   budget.Manager
	auditLog audit.Logger
	logger   *slog.Logger

	now   func() time.Time
	newID func() string

	onError              func(stage string, err error)
	errorCount           atomic.Int64
	includeErrorMessages bool
	maxErrorLength       int
	approvalTTL          time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithApprover routes require_approval decisions through a. Without one,
// every require_approval decision is denied.
func WithApprover(a approval.Approver) Option {
	return func(e *Engine) { e.approver = a }
}

// WithApprovalStore persists pending approvals to s before waiting, so a
// crash mid-wait leaves durable, expirable state instead of nothing.
func WithApprovalStore(s approval.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBudget enforces windowed spend limits through m.
func WithBudget(m budget.Manager) Option {
	return func(e *Engine) { e.budget = m }
}

// WithAuditLogger writes the operational trail alongside the ledger.
func WithAuditLogger(l audit.Logger) Option {
	return func(e *Engine) { e.auditLog = l }
}

// WithLogger sets the structured logger for best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator substitutes request id generation. Tests use this for
// deterministic entries.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithOnError installs a hook called for each best-effort outcome write
// failure. Hook panics are swallowed.
func WithOnError(hook func(stage string, err error)) Option {
	return func(e *Engine) { e.onError = hook }
}

// WithErrorMessages includes execution error text (truncated to maxLength)
// in outcome entries instead of just the error type.
func WithErrorMessages(maxLength int) Option {
	return func(e *Engine) {
		e.includeErrorMessages = true
		if maxLength > 0 {
			e.maxErrorLength = maxLength
		}
	}
}

// WithApprovalTTL sets the default approval wait and pending-record TTL.
func WithApprovalTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.approvalTTL = d
		}
	}
}

// New builds an engine guarding calls for agentID. Policy and ledger are
// mandatory; everything else is optional.
func New(agentID string, pol policy.Policy, led ledger.Ledger, opts ...Option) (*Engine, error) {
	if agentID == "" {
		return nil, errors.New("engine: agent_id must be a non-empty string")
	}
	if pol == nil {
		return nil, errors.New("engine: policy is required")
	}
	if led == nil {
		return nil, errors.New("engine: ledger is required")
	}
	e := &Engine{
		agentID:        agentID,
		policy:         pol,
		ledger:         led,
		auditLog:       audit.Discard{},
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
		maxErrorLength: defaultMaxErrorLength,
		approvalTTL:    defaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ErrorCount reports how many best-effort outcome writes have failed since
// the engine was created.
func (e *Engine) ErrorCount() int64 { return e.errorCount.Load() }

// CallOption adjusts one guarded call.
type CallOption func(*callConfig)

type callConfig struct {
	policyOverride policy.Policy
	cost           int64
	costRequested  bool
	approvalTTL    time.Duration
}

// WithPolicyOverride evaluates this call against p instead of the engine
// default.
func WithPolicyOverride(p policy.Policy) CallOption {
	return func(c *callConfig) { c.policyOverride = p }
}

// WithCost charges this call against the budget at cost instead of 1.
func WithCost(cost int64) CallOption {
	return func(c *callConfig) {
		c.cost = cost
		c.costRequested = true
	}
}

// WithTTL bounds the approval wait for this call.
func WithTTL(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.approvalTTL = d
		}
	}
}

// Execute runs fn under guard. Parameters are redacted before policy
// evaluation and before anything reaches the ledger.
func (e *Engine) Execute(ctx context.Context, action string, params map[string]any, fn Fn, opts ...CallOption) (any, error) {
	if action == "" {
		return nil, errors.New("engine: action must be a non-empty string")
	}
	cfg := callConfig{cost: 1, approvalTTL: e.approvalTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	effective := e.policy
	if cfg.policyOverride != nil {
		effective = cfg.policyOverride
	}

	state, err := e.buildState(action, params, effective, cfg)
	if err != nil {
		return nil, err
	}

	result, err := effective.Evaluate(ctx, state.request())
	if err != nil {
		// Fail closed: the denial is on the ledger before the error
		// reaches the caller.
		if logErr := e.logDecision(ctx, state, policy.Deny, "policy evaluation failed",
			policy.CodePolicyEvaluationFailed, e.safeError(err), nil, nil, false); logErr != nil {
			return nil, logErr
		}
		return nil, &PolicyError{Err: err}
	}
	reasonCode := result.ReasonCode
	if reasonCode == "" {
		reasonCode = policy.DefaultReasonCode(result.Decision)
	}

	switch result.Decision {
	case policy.Allow:
		return e.executeAllowed(ctx, state, fn, result.Reason, reasonCode, nil, nil)
	case policy.Deny:
		if err := e.logDecision(ctx, state, policy.Deny, result.Reason, reasonCode, nil, nil, nil, false); err != nil {
			return nil, err
		}
		return nil, &DeniedError{Reason: result.Reason}
	case policy.RequireApproval:
		return e.executeWithApproval(ctx, state, fn, result, reasonCode)
	}

	if err := e.logDecision(ctx, state, policy.Deny, "unknown decision type",
		policy.CodePolicyEvaluationFailed, nil, nil, nil, false); err != nil {
		return nil, err
	}
	return nil, &PolicyError{Err: errors.New("unknown decision " + string(result.Decision))}
}

func (e *Engine) executeAllowed(ctx context.Context, state *executionState, fn Fn,
	reason, reasonCode string, approvalMeta map[string]any, approvalRecord *approval.Record) (any, error) {

	budgetChecked := false
	if e.budget != nil {
		budgetChecked = true
		err := e.budget.Check(ctx, state.requestID, e.agentID, state.action, state.cost)
		if err == nil {
			err = e.budget.Commit(ctx, state.requestID)
		}
		if err != nil {
			code, reason := budgetDenial(err)
			if logErr := e.logDecision(ctx, state, policy.Deny, reason, code, nil, nil, nil, true); logErr != nil {
				return nil, logErr
			}
			return nil, &DeniedError{Reason: reason}
		}
	}

	if err := e.logDecision(ctx, state, policy.Allow, reason, reasonCode,
		approvalMeta, approvalMeta, approvalRecord, budgetChecked); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		e.logOutcome(ctx, state, reason, reasonCode, "error", err)
		return nil, err
	}
	e.logOutcome(ctx, state, reason, reasonCode, "success", nil)
	return result, nil
}

func (e *Engine) executeWithApproval(ctx context.Context, state *executionState, fn Fn,
	result policy.Result, reasonCode string) (any, error) {

	ttl := state.approvalTTL
	if ttl > approval.MaxTTL {
		ttl = approval.MaxTTL
	}
	expiresAt := e.now().Add(ttl)

	if e.store != nil {
		if _, err := e.store.ExpireExpired(ctx); err != nil {
			return nil, &ApprovalError{Err: err}
		}
		if err := e.store.CreatePending(ctx, state.requestID, state.policyHash, state.decisionHash, &expiresAt); err != nil {
			return nil, &ApprovalError{Err: err}
		}
	}

	if e.approver == nil {
		return nil, e.denyApproval(ctx, state, result.Reason, nil, nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, ttl)
	response, err := e.approver.Approve(waitCtx, state.request(), result, state.requestID)
	cancel()
	if err != nil {
		var timeout *approval.TimeoutError
		if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, e.expireApproval(ctx, state)
		}
		e.resolveStore(ctx, state.requestID, approval.StateFailed, nil)
		if logErr := e.logDecision(ctx, state, policy.Deny, "approval process failed",
			policy.CodeApprovalProcessFailed, e.safeError(err),
			map[string]any{"approved": false, "state": "failed", "policy_decision": "require_approval"},
			nil, false); logErr != nil {
			return nil, logErr
		}
		return nil, &ApprovalError{Err: err}
	}

	approved, binding, approverID := e.verifyResponse(state, response)
	if !approved {
		return nil, e.denyApproval(ctx, state, result.Reason, binding, approverID)
	}

	record := e.resolveStore(ctx, state.requestID, approval.StateApproved, approverID)
	meta := map[string]any{
		"approved":         true,
		"approver_id":      optionalString(approverID),
		"approval_binding": bindingBlock(binding),
		"policy_decision":  "require_approval",
	}
	return e.executeAllowed(ctx, state, fn, result.Reason, reasonCode, meta, record)
}

// denyApproval resolves the store record to denied, logs the denial, and
// returns the caller-facing error.
func (e *Engine) denyApproval(ctx context.Context, state *executionState, reason string,
	binding *approval.Binding, approverID *string) error {

	record := e.resolveStore(ctx, state.requestID, approval.StateDenied, approverID)
	meta := map[string]any{
		"approved":        false,
		"policy_decision": "require_approval",
	}
	if binding != nil {
		meta["approval_binding"] = bindingBlock(binding)
	}
	info := map[string]any{
		"approved":        false,
		"state":           "denied",
		"approver_id":     optionalString(approverID),
		"policy_decision": "require_approval",
	}
	if binding != nil {
		info["approval_binding"] = bindingBlock(binding)
	}
	if err := e.logDecision(ctx, state, policy.Deny, reason, policy.CodeApprovalDenied,
		meta, info, record, false); err != nil {
		return err
	}
	return &DeniedError{Reason: reason}
}

// expireApproval drives the store record to expired before propagating the
// timeout, so an abandoned wait never leaves pending state behind.
func (e *Engine) expireApproval(ctx context.Context, state *executionState) error {
	record := e.resolveStore(ctx, state.requestID, approval.StateExpired, nil)
	info := map[string]any{
		"approved":        false,
		"state":           "expired",
		"policy_decision": "require_approval",
	}
	meta := map[string]any{
		"approved":        false,
		"policy_decision": "require_approval",
	}
	if err := e.logDecision(ctx, state, policy.Deny, "approval expired",
		policy.CodeApprovalProcessFailed, meta, info, record, false); err != nil {
		return err
	}
	return &DeniedError{Reason: "approval expired"}
}

// resolveStore best-effort resolves and re-fetches the approval record for
// the ledger approval block. Resolution failures are logged, not raised: the
// denial or expiry still goes on the ledger.
func (e *Engine) resolveStore(ctx context.Context, requestID string, state approval.State, approverID *string) *approval.Record {
	if e.store == nil {
		return nil
	}
	if err := e.store.Resolve(ctx, requestID, state, approverID); err != nil && !errors.Is(err, approval.ErrNotFound) {
		e.logger.Warn("failed to resolve approval record",
			"request_id", requestID, "state", string(state), "error", err)
	}
	record, err := e.store.Fetch(ctx, requestID)
	if err != nil {
		e.logger.Warn("failed to fetch approval record", "request_id", requestID, "error", err)
		return nil
	}
	return record
}

// verifyResponse applies binding anti-replay: a response echoing any field
// of the binding differently from what was issued is a denial no matter
// what its approved flag says.
func (e *Engine) verifyResponse(state *executionState, response approval.Response) (bool, *approval.Binding, *string) {
	expected := approval.Binding{
		RequestID:    state.requestID,
		PolicyHash:   state.policyHash,
		DecisionHash: state.decisionHash,
	}
	binding := expected
	if response.Binding != nil {
		binding = *response.Binding
	}
	approved := response.Approved
	if binding != expected {
		approved = false
	}
	return approved, &binding, response.ApproverID
}

func budgetDenial(err error) (code, reason string) {
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		switch exceeded.Scope {
		case "agent":
			return policy.CodeBudgetExceededAgent, "budget exceeded"
		case "tool":
			return policy.CodeBudgetExceededTool, "budget exceeded"
		}
		return policy.CodeBudgetEvaluationFailed, "budget exceeded"
	}
	return policy.CodeBudgetEvaluationFailed, "budget evaluation failed"
}

func bindingBlock(b *approval.Binding) map[string]any {
	if b == nil {
		return nil
	}
	return map[string]any{
		"request_id":    b.RequestID,
		"policy_hash":   b.PolicyHash,
		"decision_hash": b.DecisionHash,
	}
}

func optionalString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
