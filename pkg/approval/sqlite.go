package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is the durable approval store. The handle comes from a
// storage.Registry so WAL and synchronous flushing are already configured;
// every mutation runs in an immediate transaction.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore binds a store to db and creates the schema if missing.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, opts: defaultOptions()}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approvals (
			request_id TEXT PRIMARY KEY,
			policy_hash TEXT NOT NULL,
			decision_hash TEXT NOT NULL,
			state TEXT NOT NULL,
			approver_id TEXT,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			resolved_at TEXT
		)`); err != nil {
		return fmt.Errorf("approval: create schema: %w", err)
	}
	// Partial index keeps ExpireExpired cheap at any table size.
	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_approvals_pending_expires
		ON approvals (state, expires_at)
		WHERE state = 'pending'`); err != nil {
		return fmt.Errorf("approval: create index: %w", err)
	}
	return nil
}

// CreatePending implements Store. Stale pendings are swept inside the same
// transaction before the insert.
func (s *SQLiteStore) CreatePending(ctx context.Context, requestID, policyHash, decisionHash string, expiresAt *time.Time) error {
	if err := validateIdentity(requestID, policyHash, decisionHash); err != nil {
		return err
	}
	now := s.opts.now()
	expiry := clampExpiry(expiresAt, now, s.opts.defaultTTL, s.opts.maxTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := expireStale(ctx, tx, formatTime(now)); err != nil {
		return err
	}

	var existingPolicy, existingDecision string
	var existingState State
	err = tx.QueryRowContext(ctx,
		`SELECT policy_hash, decision_hash, state FROM approvals WHERE request_id = ?`,
		requestID,
	).Scan(&existingPolicy, &existingDecision, &existingState)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approvals
			 (request_id, policy_hash, decision_hash, state, approver_id, expires_at, created_at, resolved_at)
			 VALUES (?, ?, ?, 'pending', NULL, ?, ?, NULL)`,
			requestID, policyHash, decisionHash, formatTime(expiry), formatTime(now),
		); err != nil {
			return fmt.Errorf("approval: insert pending: %w", err)
		}
	case err != nil:
		return fmt.Errorf("approval: lookup existing: %w", err)
	case existingState != StatePending:
		// Never resurrect a resolved approval.
		return tx.Commit()
	case existingPolicy != policyHash || existingDecision != decisionHash:
		return &BindingConflictError{RequestID: requestID}
	default:
		// Identical pending binding: refresh the expiry only.
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET expires_at = ? WHERE request_id = ? AND state = 'pending'`,
			formatTime(expiry), requestID,
		); err != nil {
			return fmt.Errorf("approval: refresh pending: %w", err)
		}
	}
	return tx.Commit()
}

// Resolve implements Store.
func (s *SQLiteStore) Resolve(ctx context.Context, requestID string, state State, approverID *string) error {
	if requestID == "" {
		return fmt.Errorf("request_id must be a non-empty string")
	}
	if !state.Terminal() {
		return fmt.Errorf("approval: %q is not a terminal state", state)
	}
	now := s.opts.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET state = ?, approver_id = ?, resolved_at = ?
		 WHERE request_id = ? AND state = 'pending'`,
		string(state), nullable(approverID), formatTime(now), requestID,
	)
	if err != nil {
		return fmt.Errorf("approval: resolve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: resolve: %w", err)
	}
	if affected == 0 {
		var existing State
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM approvals WHERE request_id = ?`, requestID,
		).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("approval: lookup state: %w", err)
		}
		if existing != state {
			return &TransitionError{RequestID: requestID, From: existing, To: state}
		}
		// Same terminal state again: idempotent no-op.
	}
	return tx.Commit()
}

// Fetch implements Store, flipping an overdue pending to expired as a side
// effect of the read.
func (s *SQLiteStore) Fetch(ctx context.Context, requestID string) (*Record, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request_id must be a non-empty string")
	}
	now := s.opts.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	record, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT request_id, policy_hash, decision_hash, state, approver_id, expires_at, created_at, resolved_at
		 FROM approvals WHERE request_id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	if record.State == StatePending && record.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET state = 'expired', resolved_at = ? WHERE request_id = ?`,
			formatTime(now), requestID,
		); err != nil {
			return nil, fmt.Errorf("approval: expire on fetch: %w", err)
		}
		record.State = StateExpired
		resolved := now
		record.ResolvedAt = &resolved
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit: %w", err)
	}
	return record, nil
}

// ExpireExpired implements Store.
func (s *SQLiteStore) ExpireExpired(ctx context.Context) (int64, error) {
	now := formatTime(s.opts.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("approval: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	count, err := expireStale(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func expireStale(ctx context.Context, tx *sql.Tx, nowText string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET state = 'expired', resolved_at = ?
		 WHERE state = 'pending' AND expires_at < ?`,
		nowText, nowText,
	)
	if err != nil {
		return 0, fmt.Errorf("approval: expire stale: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		approverID sql.NullString
		expiresAt  string
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := row.Scan(&rec.RequestID, &rec.PolicyHash, &rec.DecisionHash, &rec.State,
		&approverID, &expiresAt, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if approverID.Valid {
		rec.ApproverID = &approverID.String
	}
	var err error
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
