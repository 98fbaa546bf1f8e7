package ledger

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"

	"github.com/wardlabs/toolgate/pkg/canonical"
)

// SQLiteLedger is the relational backend: one row per entry in an
// auto-incrementing table that stores the canonical JSON text plus
// denormalized hash columns for indexed lookup. Appends run inside an
// immediate transaction so concurrent writers are serialized and can never
// extend the same tail twice. The handle comes from a storage.Registry,
// which configures WAL journaling and full synchronous flushing.
type SQLiteLedger struct {
	db         *sql.DB
	signingKey ed25519.PrivateKey
}

// NewSQLiteLedger binds a ledger to db and creates the schema if missing.
// signingKey may be nil for an unsigned ledger.
func NewSQLiteLedger(db *sql.DB, signingKey ed25519.PrivateKey) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, signingKey: signingKey}
	if err := l.migrate(); err != nil {
		return nil, writeError(err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_json TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			prev_entry_hash TEXT
		)`)
	return err
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, entry Entry) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", writeError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	prevHash, err := lastEntryHash(ctx, tx)
	if err != nil {
		return "", writeError(err)
	}

	prepared, entryHash, err := Prepare(entry, prevHash)
	if err != nil {
		return "", writeError(err)
	}
	if l.signingKey != nil {
		prepared["entry_signature"] = SignEntryHash(l.signingKey, entryHash)
	}

	entryJSON, err := canonical.Encode(prepared)
	if err != nil {
		return "", writeError(err)
	}

	var prevArg any
	if prevHash != nil {
		prevArg = *prevHash
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (entry_json, entry_hash, prev_entry_hash) VALUES (?, ?, ?)`,
		string(entryJSON), entryHash, prevArg,
	); err != nil {
		return "", writeError(err)
	}
	if err := tx.Commit(); err != nil {
		return "", writeError(err)
	}
	return entryHash, nil
}

// Verify implements Ledger. Reads run under normal transaction isolation;
// writers are not blocked beyond that.
func (l *SQLiteLedger) Verify(ctx context.Context, publicKey ed25519.PublicKey) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_json, entry_hash, prev_entry_hash FROM ledger ORDER BY id ASC`)
	if err != nil {
		return writeError(err)
	}
	defer rows.Close()

	validator := newChainValidator(publicKey)
	index := 0
	for rows.Next() {
		index++
		var (
			entryJSON string
			rowHash   string
			rowPrev   sql.NullString
		)
		if err := rows.Scan(&entryJSON, &rowHash, &rowPrev); err != nil {
			return writeError(err)
		}
		if entryJSON == "" {
			return &VerifyError{Pos: index, Kind: ViolationEmptyEntry}
		}
		entry, err := canonical.DecodeObject([]byte(entryJSON))
		if err != nil {
			return &VerifyError{Pos: index, Kind: ViolationBadJSON}
		}
		parsed := &parsedEntry{
			entry:        entry,
			raw:          []byte(entryJSON),
			index:        index,
			rowEntryHash: &rowHash,
		}
		if rowPrev.Valid {
			parsed.rowPrevHash = &rowPrev.String
		}
		if err := validator.check(parsed); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return writeError(err)
	}
	return nil
}

func lastEntryHash(ctx context.Context, tx *sql.Tx) (*string, error) {
	var entryHash string
	err := tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM ledger ORDER BY id DESC LIMIT 1`).Scan(&entryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entryHash, nil
}
