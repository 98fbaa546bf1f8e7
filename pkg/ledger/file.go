package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/wardlabs/toolgate/pkg/canonical"
)

// tailReadChunkSize bounds how much is read per step when discovering the
// tail hash by scanning backward from end-of-file.
const tailReadChunkSize = 4096

// maxLineSize is the scanner limit for a single ledger line during Verify.
const maxLineSize = 16 << 20

// FileLedger is the line-oriented backend: one canonical JSON entry per line,
// appended under an exclusive advisory flock that covers the whole
// read-tail -> hash -> write -> fsync sequence. The lock is advisory, which
// is the standard contract for cooperating append-only log writers.
type FileLedger struct {
	path       string
	signingKey ed25519.PrivateKey
}

// NewFileLedger opens a file-backed ledger at path. The file is created on
// first append. signingKey may be nil for an unsigned ledger.
func NewFileLedger(path string, signingKey ed25519.PrivateKey) *FileLedger {
	return &FileLedger{path: path, signingKey: signingKey}
}

// Append implements Ledger. It is atomic with respect to concurrent writers
// in this process and in other processes locking the same file.
func (l *FileLedger) Append(ctx context.Context, entry Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", writeError(err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return "", writeError(err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return "", writeError(err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return "", writeError(err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	prevHash, err := readLastEntryHash(f)
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

	line, err := canonical.Encode(prepared)
	if err != nil {
		return "", writeError(err)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return "", writeError(err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", writeError(err)
	}
	if err := f.Sync(); err != nil {
		return "", writeError(err)
	}
	return entryHash, nil
}

// Verify implements Ledger. It takes the same exclusive lock as writers so a
// half-written tail line can never be observed. A missing file verifies
// trivially as success.
func (l *FileLedger) Verify(ctx context.Context, publicKey ed25519.PublicKey) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return writeError(err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return writeError(err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	validator := newChainValidator(publicKey)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	index := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return writeError(err)
		}
		index++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			return &VerifyError{Pos: index, Kind: ViolationEmptyEntry}
		}
		entry, err := canonical.DecodeObject(line)
		if err != nil {
			return &VerifyError{Pos: index, Kind: ViolationBadJSON}
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		if err := validator.check(&parsedEntry{entry: entry, raw: raw, index: index}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return writeError(err)
	}
	return nil
}

// readLastEntryHash returns the entry_hash of the last non-empty line without
// scanning the whole file: it reads backward in bounded chunks until a full
// trailing line is buffered.
func readLastEntryHash(f *os.File) (*string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var data []byte
	pos := size
	for pos > 0 {
		readSize := int64(tailReadChunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, err
		}
		data = append(chunk, data...)
		// Stop once a newline exists before the trailing byte: the last
		// line is then fully buffered.
		if len(data) > 1 && bytes.Contains(data[:len(data)-1], []byte{'\n'}) {
			break
		}
	}

	trimmed := bytes.TrimRight(data, "\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	lines := bytes.Split(trimmed, []byte{'\n'})
	lastLine := bytes.TrimSpace(lines[len(lines)-1])
	if len(lastLine) == 0 {
		return nil, nil
	}

	entry, err := canonical.DecodeObject(lastLine)
	if err != nil {
		return nil, err
	}
	entryHash, ok := entry["entry_hash"].(string)
	if !ok || entryHash == "" {
		return nil, &VerifyError{Pos: 0, Kind: ViolationEntryHashMissing}
	}
	return &entryHash, nil
}
