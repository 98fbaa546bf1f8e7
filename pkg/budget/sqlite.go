package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteManager is the durable budget manager. Check and Commit each run in
// one immediate transaction so concurrent callers racing on the same agent
// or tool key serialize at the database.
type SQLiteManager struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

func NewSQLiteManager(db *sql.DB, cfg Config, opts ...Option) (*SQLiteManager, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	m := &SQLiteManager{
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&m.now)
	}
	if err := m.migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SQLiteManager) migrate() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS pending (
			request_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			tool TEXT NOT NULL,
			cost INTEGER NOT NULL,
			checked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS committed (
			request_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			tool TEXT NOT NULL,
			cost INTEGER NOT NULL,
			committed_at TEXT NOT NULL
		)`,
	} {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("budget: create schema: %w", err)
		}
	}
	return nil
}

// Check implements Manager.
func (m *SQLiteManager) Check(ctx context.Context, requestID, agent, tool string, cost int64) error {
	if err := validateCost(cost); err != nil {
		return err
	}
	now := m.now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("budget: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.pruneTx(ctx, tx, now); err != nil {
		return err
	}

	exists, err := rowExists(ctx, tx, `SELECT 1 FROM committed WHERE request_id = ?`, requestID)
	if err != nil {
		return err
	}
	if !exists {
		exists, err = rowExists(ctx, tx, `SELECT 1 FROM pending WHERE request_id = ?`, requestID)
		if err != nil {
			return err
		}
	}
	if exists {
		return tx.Commit()
	}

	cutoff := now.Add(-m.cfg.Window).UTC().Format(budgetTimeLayout)
	agentUsage, err := windowUsage(ctx, tx, "agent", agent, cutoff)
	if err != nil {
		return err
	}
	toolUsage, err := windowUsage(ctx, tx, "tool", tool, cutoff)
	if err != nil {
		return err
	}
	if err := enforceLimits(m.cfg, agentUsage, toolUsage, cost); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending (request_id, agent, tool, cost, checked_at) VALUES (?, ?, ?, ?, ?)`,
		requestID, agent, tool, cost, now.Format(budgetTimeLayout),
	); err != nil {
		return fmt.Errorf("budget: reserve: %w", err)
	}
	return tx.Commit()
}

// Commit implements Manager.
func (m *SQLiteManager) Commit(ctx context.Context, requestID string) error {
	now := m.now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("budget: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.pruneTx(ctx, tx, now); err != nil {
		return err
	}

	exists, err := rowExists(ctx, tx, `SELECT 1 FROM committed WHERE request_id = ?`, requestID)
	if err != nil {
		return err
	}
	if exists {
		return tx.Commit()
	}

	var agent, tool string
	var cost int64
	err = tx.QueryRowContext(ctx,
		`SELECT agent, tool, cost FROM pending WHERE request_id = ?`, requestID,
	).Scan(&agent, &tool, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return &StateError{Cause: "pending check not found for commit"}
	}
	if err != nil {
		return fmt.Errorf("budget: lookup pending: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO committed (request_id, agent, tool, cost, committed_at) VALUES (?, ?, ?, ?, ?)`,
		requestID, agent, tool, cost, now.Format(budgetTimeLayout),
	); err != nil {
		return fmt.Errorf("budget: commit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending WHERE request_id = ?`, requestID,
	); err != nil {
		return fmt.Errorf("budget: clear pending: %w", err)
	}
	return tx.Commit()
}

// Describe implements Manager.
func (m *SQLiteManager) Describe() Config { return m.cfg }

func (m *SQLiteManager) pruneTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	cutoff := now.Add(-m.cfg.Window).Format(budgetTimeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM committed WHERE committed_at < ?`, cutoff); err != nil {
		return fmt.Errorf("budget: prune committed: %w", err)
	}
	staleCutoff := now.Add(-2 * m.cfg.Window).Format(budgetTimeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending WHERE checked_at < ?`, staleCutoff); err != nil {
		return fmt.Errorf("budget: prune pending: %w", err)
	}
	return nil
}

func windowUsage(ctx context.Context, tx *sql.Tx, scope, value, cutoff string) (int64, error) {
	var committedSum, pendingSum int64
	column := scope // "agent" or "tool", fixed by callers
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM committed WHERE `+column+` = ? AND committed_at >= ?`,
		value, cutoff,
	).Scan(&committedSum); err != nil {
		return 0, fmt.Errorf("budget: sum committed: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM pending WHERE `+column+` = ? AND checked_at >= ?`,
		value, cutoff,
	).Scan(&pendingSum); err != nil {
		return 0, fmt.Errorf("budget: sum pending: %w", err)
	}
	return committedSum + pendingSum, nil
}

func rowExists(ctx context.Context, tx *sql.Tx, query, arg string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("budget: existence check: %w", err)
	}
	return true, nil
}
