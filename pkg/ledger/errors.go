package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ViolationKind names the specific integrity violation found by Verify.
type ViolationKind string

const (
	ViolationBadJSON           ViolationKind = "bad_json"
	ViolationEmptyEntry        ViolationKind = "empty_entry"
	ViolationNotCanonical      ViolationKind = "not_canonical"
	ViolationSchemaVersion     ViolationKind = "schema_version_mismatch"
	ViolationLedgerVersion     ViolationKind = "ledger_version_mismatch"
	ViolationEventInvalid      ViolationKind = "event_invalid"
	ViolationRequestID         ViolationKind = "request_id_invalid"
	ViolationDecisionBlock     ViolationKind = "decision_block_missing"
	ViolationDecisionHash      ViolationKind = "decision_hash_missing"
	ViolationDuplicateDecision ViolationKind = "duplicate_decision_hash"
	ViolationUnknownDecision   ViolationKind = "unknown_decision_hash"
	ViolationDecisionMismatch  ViolationKind = "decision_hash_mismatch"
	ViolationChainBroken       ViolationKind = "prev_entry_hash_mismatch"
	ViolationEntryHashMissing  ViolationKind = "entry_hash_missing"
	ViolationEntryHashMismatch ViolationKind = "entry_hash_mismatch"
	ViolationColumnMismatch    ViolationKind = "column_mismatch"
	ViolationSignatureMissing  ViolationKind = "entry_signature_missing"
	ViolationSignatureInvalid  ViolationKind = "entry_signature_invalid"
)

// VerifyError reports the first integrity violation found during chain
// replay, positioned at the offending line (file backend) or row (SQLite
// backend), both 1-based. Verification never repairs and never aggregates.
type VerifyError struct {
	Pos  int
	Kind ViolationKind
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("ledger verify: %s at entry %d", e.Kind, e.Pos)
}

// WriteError wraps any failure during Append. Its message is sanitized: it
// never carries filesystem paths or connection strings.
type WriteError struct {
	Cause string
}

func (e *WriteError) Error() string {
	return "ledger write: " + e.Cause
}

// KeyError reports unusable signing key material (generation, parse, or
// format failures). It is deliberately distinct from signature verification
// violations so operators can tell broken keys from tampered ledgers.
type KeyError struct {
	Cause string
}

func (e *KeyError) Error() string {
	return "ledger key: " + e.Cause
}

// writeError builds a sanitized WriteError from any underlying failure.
func writeError(err error) *WriteError {
	return &WriteError{Cause: sanitizeError(err)}
}

// sanitizeError strips filesystem detail from error text. Path-carrying
// errors are reduced to their operation and errno; anything else containing
// a path separator is reduced to its dynamic type.
func sanitizeError(err error) string {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Sprintf("%s: %v", pathErr.Op, pathErr.Err)
	}
	msg := err.Error()
	if strings.ContainsAny(msg, `/\`) {
		return fmt.Sprintf("%T", err)
	}
	return msg
}
