// Package audit writes the operational audit trail: one JSON line per
// decision or outcome, for humans and log pipelines. It is not
// tamper-evident; the ledger is the evidence store, this is the convenience
// copy.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one operational audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Event     string         `json:"event"`
	Action    string         `json:"action"`
	Decision  string         `json:"decision"`
	Reason    string         `json:"reason"`
	Outcome   string         `json:"outcome,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records operational audit entries.
type Logger interface {
	Log(entry Entry) error
}

// JSONLLogger appends one JSON line per entry to a writer, serialized by a
// mutex so concurrent guarded calls never interleave lines.
type JSONLLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLLogger writes to w. A nil writer falls back to stdout.
func NewJSONLLogger(w io.Writer) *JSONLLogger {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLLogger{writer: w}
}

// OpenJSONLFile opens (or creates) an append-only audit file at path.
func OpenJSONLFile(path string) (*JSONLLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &JSONLLogger{writer: f}, nil
}

// Log implements Logger.
func (l *JSONLLogger) Log(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// Discard drops every entry. Used when no operational trail is configured.
type Discard struct{}

func (Discard) Log(entry Entry) error { return nil }
