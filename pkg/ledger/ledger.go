// Package ledger implements the tamper-evident append-only ledger: canonical
// hash-chained entries, optional Ed25519 signing, and full-chain verification
// across two interchangeable backends (line-oriented file and embedded
// SQLite). Both backends share one preparation and one validation code path,
// so the same logical entry produces byte-identical canonical text and the
// same hash regardless of where it is stored.
package ledger

import (
	"context"
	"crypto/ed25519"
)

// Schema and format constants validated on every entry during verification.
const (
	SchemaVersion = "2.0"
	LedgerVersion = "1.0"
)

// Event kinds recorded in the ledger.
const (
	EventDecision   = "decision"
	EventOutcome    = "outcome"
	EventCheckpoint = "checkpoint" // reserved variant, minimal validation
)

// Entry is a ledger entry in the canonical value model. Entries are built by
// the engine, completed by Prepare, and immutable once appended.
type Entry = map[string]any

// Ledger is the append-only store contract shared by both backends.
type Ledger interface {
	// Append durably persists one entry as the new chain tail and returns
	// its entry hash. Decision appends are fail-closed at the engine level.
	Append(ctx context.Context, entry Entry) (string, error)

	// Verify replays the whole chain. A nil public key skips signature
	// checks; a non-nil key makes missing signatures a violation.
	Verify(ctx context.Context, publicKey ed25519.PublicKey) error
}
