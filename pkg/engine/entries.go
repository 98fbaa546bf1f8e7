package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/wardlabs/toolgate/pkg/approval"
	"github.com/wardlabs/toolgate/pkg/audit"
	"github.com/wardlabs/toolgate/pkg/ledger"
	"github.com/wardlabs/toolgate/pkg/policy"
)

// logDecision appends the decision entry and its operational audit record.
// Fail-closed: any failure here means the guarded action must not run.
func (e *Engine) logDecision(ctx context.Context, state *executionState, effect policy.Decision,
	reason, reasonCode string, extraMeta, approvalInfo map[string]any,
	record *approval.Record, budgetChecked bool) error {

	metadata := map[string]any{}
	for k, v := range extraMeta {
		metadata[k] = v
	}
	if reasonCode != "" {
		metadata["reason_code"] = reasonCode
	}

	entry := ledger.Entry{
		"schema_version":  ledger.SchemaVersion,
		"ledger_version":  ledger.LedgerVersion,
		"prev_entry_hash": nil,
		"entry_hash":      nil,
		"request_id":      state.requestID,
		"created_at":      formatTimestamp(state.decisionTime),
		"event":           ledger.EventDecision,
		"action":          state.action,
		"agent_id":        state.agentID,
		"decision": map[string]any{
			"effect":         string(effect),
			"reason":         reason,
			"reason_code":    nonEmpty(reasonCode),
			"policy_id":      state.policyID,
			"policy_version": state.policyVersion,
			"policy_hash":    state.policyHash,
			"decision_hash":  state.decisionHash,
		},
		"approval":   e.approvalBlock(state, approvalInfo, record),
		"budget":     e.budgetBlock(state, budgetChecked),
		"parameters": state.params,
		"metadata":   metadata,
	}

	if _, err := e.ledger.Append(ctx, entry); err != nil {
		return &EvidenceError{Err: err}
	}

	auditMeta := map[string]any{"parameters": state.params}
	for k, v := range metadata {
		auditMeta[k] = v
	}
	if err := e.auditLog.Log(audit.Entry{
		Timestamp: state.decisionTime,
		RequestID: state.requestID,
		Event:     ledger.EventDecision,
		Action:    state.action,
		Decision:  string(effect),
		Reason:    reason,
		Metadata:  auditMeta,
	}); err != nil {
		return &EvidenceError{Err: err}
	}
	return nil
}

// logOutcome appends the outcome entry. Best-effort: failures are counted,
// logged, and reported to the on-error hook, never raised to the caller
// whose action already ran.
func (e *Engine) logOutcome(ctx context.Context, state *executionState, reason, reasonCode, status string, execErr error) {
	var errText, errType any
	if execErr != nil {
		safe := e.safeError(execErr)
		errText = safe["error"]
		errType = safe["error_type"]
	}

	entry := ledger.Entry{
		"schema_version":  ledger.SchemaVersion,
		"ledger_version":  ledger.LedgerVersion,
		"prev_entry_hash": nil,
		"entry_hash":      nil,
		"request_id":      state.requestID,
		"created_at":      formatTimestamp(e.now()),
		"event":           ledger.EventOutcome,
		"action":          state.action,
		"agent_id":        state.agentID,
		"decision": map[string]any{
			"decision_hash":  state.decisionHash,
			"policy_id":      state.policyID,
			"policy_version": state.policyVersion,
			"policy_hash":    state.policyHash,
			"reason":         reason,
			"reason_code":    nonEmpty(reasonCode),
		},
		"outcome": map[string]any{
			"status":      status,
			"reason":      reason,
			"reason_code": nonEmpty(reasonCode),
			"error_type":  errType,
			"error":       errText,
		},
		"parameters": state.params,
	}

	if _, err := e.ledger.Append(ctx, entry); err != nil {
		e.reportOutcomeError("outcome_ledger_write", state.requestID, err)
	}

	auditEntry := audit.Entry{
		Timestamp: e.now(),
		RequestID: state.requestID,
		Event:     ledger.EventOutcome,
		Action:    state.action,
		Decision:  string(policy.Allow),
		Reason:    reason,
		Outcome:   status,
	}
	if s, ok := errType.(string); ok {
		auditEntry.ErrorType = s
	}
	if s, ok := errText.(string); ok {
		auditEntry.Error = s
	}
	if err := e.auditLog.Log(auditEntry); err != nil {
		e.reportOutcomeError("outcome_audit_write", state.requestID, err)
	}
}

func (e *Engine) reportOutcomeError(stage, requestID string, err error) {
	e.errorCount.Add(1)
	e.logger.Warn("best-effort outcome write failed",
		"stage", stage, "request_id", requestID, "error", err)
	if e.onError != nil {
		func() {
			defer func() { recover() }() // hook failure must not cascade
			e.onError(stage, err)
		}()
	}
}

// approvalBlock assembles the structured approval block recorded on
// decision entries. Returns nil when no approval took part in the call.
func (e *Engine) approvalBlock(state *executionState, info map[string]any, record *approval.Record) map[string]any {
	if info == nil && record == nil {
		return nil
	}
	block := map[string]any{
		"approval_id": state.requestID,
		"approver_id": nil,
		"state":       nil,
		"created_at":  nil,
		"resolved_at": nil,
		"expires_at":  nil,
		"binding":     nil,
	}
	if record != nil {
		block["approval_id"] = record.RequestID
		block["approver_id"] = optionalString(record.ApproverID)
		block["state"] = string(record.State)
		block["created_at"] = formatTimestamp(record.CreatedAt)
		block["expires_at"] = formatTimestamp(record.ExpiresAt)
		if record.ResolvedAt != nil {
			block["resolved_at"] = formatTimestamp(*record.ResolvedAt)
		}
	}
	if info != nil {
		if block["approver_id"] == nil {
			if v, ok := info["approver_id"]; ok {
				block["approver_id"] = v
			}
		}
		if block["state"] == nil {
			if v, ok := info["state"].(string); ok && v != "" {
				block["state"] = v
			} else if approved, ok := info["approved"].(bool); ok {
				if approved {
					block["state"] = string(approval.StateApproved)
				} else {
					block["state"] = string(approval.StateDenied)
				}
			}
		}
		if v, ok := info["approval_binding"]; ok {
			block["binding"] = v
		}
	}
	return block
}

// budgetBlock assembles the budget block. Returned nil unless a budget was
// consulted or the caller explicitly priced the call.
func (e *Engine) budgetBlock(state *executionState, budgetChecked bool) map[string]any {
	if !budgetChecked && !state.costRequested {
		return nil
	}
	block := map[string]any{
		"budget_key":     nil,
		"agent_id":       state.agentID,
		"action":         state.action,
		"cost":           state.cost,
		"window_seconds": int64(budgetDefaultWindowSeconds),
		"checked":        budgetChecked,
	}
	if e.budget != nil {
		cfg := e.budget.Describe()
		block["budget_key"] = nonEmpty(cfg.BudgetKey)
		block["window_seconds"] = int64(cfg.Window.Seconds())
	}
	return block
}

const budgetDefaultWindowSeconds = 3600

// safeError renders err for the ledger without stack traces or paths. Any
// message containing a path separator collapses to the error's type name.
func (e *Engine) safeError(err error) map[string]any {
	errorType := fmt.Sprintf("%T", err)
	msg := errorType
	if e.includeErrorMessages {
		msg = err.Error()
	}
	if strings.ContainsAny(msg, `/\`) {
		msg = errorType
	}
	if len(msg) > e.maxErrorLength {
		msg = msg[:e.maxErrorLength-3] + "..."
	}
	return map[string]any{"error": msg, "error_type": errorType, "error_message": msg}
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
