package ledger

import (
	"bytes"
	"crypto/ed25519"

	"github.com/wardlabs/toolgate/pkg/canonical"
)

// parsedEntry is one decoded entry handed to the chain validator. Raw holds
// the stored text when the backend stores text (both backends do); the row
// hash columns are set only by the SQLite backend for denormalization checks.
type parsedEntry struct {
	entry        Entry
	raw          []byte
	index        int
	rowEntryHash *string
	rowPrevHash  *string
}

// chainValidator replays entries in append order and fails on the first
// violation. It is shared by both backends so they cannot drift.
type chainValidator struct {
	publicKey     ed25519.PublicKey
	expectedPrev  *string
	decisionOwner map[string]string // decision_hash -> request_id
}

func newChainValidator(publicKey ed25519.PublicKey) *chainValidator {
	return &chainValidator{
		publicKey:     publicKey,
		decisionOwner: make(map[string]string),
	}
}

func (v *chainValidator) check(p *parsedEntry) error {
	entry := p.entry

	// Stored text must be exactly the canonical re-encoding: any cosmetic
	// difference means the bytes on disk are not what was hashed.
	if p.raw != nil {
		encoded, err := canonical.Encode(entry)
		if err != nil {
			return &VerifyError{Pos: p.index, Kind: ViolationNotCanonical}
		}
		if !bytes.Equal(encoded, p.raw) {
			return &VerifyError{Pos: p.index, Kind: ViolationNotCanonical}
		}
	}

	if s, ok := entry["schema_version"].(string); !ok || s != SchemaVersion {
		return &VerifyError{Pos: p.index, Kind: ViolationSchemaVersion}
	}
	if s, ok := entry["ledger_version"].(string); !ok || s != LedgerVersion {
		return &VerifyError{Pos: p.index, Kind: ViolationLedgerVersion}
	}

	event, _ := entry["event"].(string)
	switch event {
	case EventDecision, EventOutcome, EventCheckpoint:
	default:
		return &VerifyError{Pos: p.index, Kind: ViolationEventInvalid}
	}

	requestID, hasRequestID := entry["request_id"].(string)
	if event != EventCheckpoint {
		if !hasRequestID || requestID == "" {
			return &VerifyError{Pos: p.index, Kind: ViolationRequestID}
		}
	} else if rid, present := entry["request_id"]; present && rid != nil {
		if _, ok := rid.(string); !ok {
			return &VerifyError{Pos: p.index, Kind: ViolationRequestID}
		}
	}

	if event != EventCheckpoint {
		if err := v.checkDecisionHash(p, event, requestID); err != nil {
			return err
		}
	}

	prevHash, err := optionalString(entry, "prev_entry_hash")
	if err != nil {
		return &VerifyError{Pos: p.index, Kind: ViolationChainBroken}
	}
	if !equalOptional(prevHash, v.expectedPrev) {
		return &VerifyError{Pos: p.index, Kind: ViolationChainBroken}
	}

	// Recompute the hash exactly as Prepare produced it: entry_hash nulled,
	// signature removed.
	blanked := deepCopy(entry)
	blanked["entry_hash"] = nil
	delete(blanked, "entry_signature")
	computed, encErr := canonical.SHA256Hex(blanked)
	if encErr != nil {
		return &VerifyError{Pos: p.index, Kind: ViolationNotCanonical}
	}

	entryHash, ok := entry["entry_hash"].(string)
	if !ok || entryHash == "" {
		return &VerifyError{Pos: p.index, Kind: ViolationEntryHashMissing}
	}
	if computed != entryHash {
		return &VerifyError{Pos: p.index, Kind: ViolationEntryHashMismatch}
	}

	if p.rowEntryHash != nil && *p.rowEntryHash != entryHash {
		return &VerifyError{Pos: p.index, Kind: ViolationColumnMismatch}
	}
	if p.rowPrevHash != nil && !equalOptional(prevHash, p.rowPrevHash) {
		return &VerifyError{Pos: p.index, Kind: ViolationColumnMismatch}
	}
	if p.rowPrevHash == nil && p.rowEntryHash != nil && prevHash != nil {
		return &VerifyError{Pos: p.index, Kind: ViolationColumnMismatch}
	}

	if v.publicKey != nil {
		signature, ok := entry["entry_signature"].(string)
		if !ok || signature == "" {
			return &VerifyError{Pos: p.index, Kind: ViolationSignatureMissing}
		}
		if !VerifyEntryHash(v.publicKey, entryHash, signature) {
			return &VerifyError{Pos: p.index, Kind: ViolationSignatureInvalid}
		}
	}

	v.expectedPrev = &entryHash
	return nil
}

// checkDecisionHash enforces decision_hash uniqueness for decisions and
// correlation for outcomes: every outcome must reference a decision_hash
// already emitted by a decision entry for the same request_id.
func (v *chainValidator) checkDecisionHash(p *parsedEntry, event, requestID string) error {
	decisionBlock, ok := p.entry["decision"].(map[string]any)
	if !ok {
		return &VerifyError{Pos: p.index, Kind: ViolationDecisionBlock}
	}
	decisionHash, ok := decisionBlock["decision_hash"].(string)
	if !ok || decisionHash == "" {
		return &VerifyError{Pos: p.index, Kind: ViolationDecisionHash}
	}
	if event == EventDecision {
		if _, dup := v.decisionOwner[decisionHash]; dup {
			return &VerifyError{Pos: p.index, Kind: ViolationDuplicateDecision}
		}
		v.decisionOwner[decisionHash] = requestID
		return nil
	}
	owner, known := v.decisionOwner[decisionHash]
	if !known {
		return &VerifyError{Pos: p.index, Kind: ViolationUnknownDecision}
	}
	if owner != requestID {
		return &VerifyError{Pos: p.index, Kind: ViolationDecisionMismatch}
	}
	return nil
}

func optionalString(entry Entry, key string) (*string, error) {
	raw, present := entry[key]
	if !present || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, &canonical.Error{Cause: key + " is not a string"}
	}
	return &s, nil
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
