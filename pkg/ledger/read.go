package ledger

import (
	"bufio"
	"bytes"
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wardlabs/toolgate/pkg/canonical"
)

// Reader is the export surface consumed by the CLI. Both backends implement
// it in addition to Ledger.
type Reader interface {
	// Entries returns every entry in append order. A missing store returns
	// an empty slice. No integrity checking is performed; use Verify for
	// that.
	Entries(ctx context.Context) ([]Entry, error)
}

// Entries implements Reader.
func (l *FileLedger) Entries(ctx context.Context) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, writeError(err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, writeError(err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	index := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, writeError(err)
		}
		index++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			return nil, &VerifyError{Pos: index, Kind: ViolationEmptyEntry}
		}
		entry, err := canonical.DecodeObject(line)
		if err != nil {
			return nil, &VerifyError{Pos: index, Kind: ViolationBadJSON}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, writeError(err)
	}
	return entries, nil
}

// Entries implements Reader.
func (l *SQLiteLedger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_json FROM ledger ORDER BY id ASC`)
	if err != nil {
		return nil, writeError(err)
	}
	defer rows.Close()

	var entries []Entry
	index := 0
	for rows.Next() {
		index++
		var entryJSON string
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, writeError(err)
		}
		entry, err := canonical.DecodeObject([]byte(entryJSON))
		if err != nil {
			return nil, &VerifyError{Pos: index, Kind: ViolationBadJSON}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, writeError(err)
	}
	return entries, nil
}
