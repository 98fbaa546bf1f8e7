// Package storage owns SQLite connection handles for the process. Every
// SQLite-backed component (ledger, approval store, budget manager) receives
// its *sql.DB from one Registry wired in at the composition root, so
// per-path durability configuration happens exactly once and tests can
// substitute their own registry.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Registry hands out one configured *sql.DB per database path. Connections
// are opened in immediate-transaction mode with write-ahead logging and full
// synchronous flushing, which is what serializes concurrent writers and makes
// commits durable.
type Registry struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewRegistry() *Registry {
	return &Registry{dbs: make(map[string]*sql.DB)}
}

// Open returns the shared handle for path, creating and configuring it on
// first use. The parent directory is created if needed.
func (r *Registry) Open(path string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[path]; ok {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	r.dbs[path] = db
	return db, nil
}

// Close closes every handle the registry opened. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, path)
	}
	return firstErr
}
