package engine

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/wardlabs/toolgate/pkg/approval"
	"github.com/wardlabs/toolgate/pkg/audit"
	"github.com/wardlabs/toolgate/pkg/budget"
	"github.com/wardlabs/toolgate/pkg/config"
	"github.com/wardlabs/toolgate/pkg/ledger"
	"github.com/wardlabs/toolgate/pkg/policy"
	"github.com/wardlabs/toolgate/pkg/storage"
)

// FromConfig is the composition root: it builds a fully wired engine from a
// loaded configuration. The returned cleanup closes every database handle the
// engine opened and must be called when the engine is no longer needed.
// Options given here are applied after the config-derived ones, so callers
// can still override clocks, loggers, or approvers in tests.
func FromConfig(cfg *config.Config, pol policy.Policy, opts ...Option) (*Engine, func() error, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("engine: config is required")
	}
	registry := storage.NewRegistry()
	fail := func(err error) (*Engine, func() error, error) {
		_ = registry.Close()
		return nil, nil, err
	}

	var privateKey ed25519.PrivateKey
	if cfg.Ledger.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.Ledger.PrivateKeyPath)
		if err != nil {
			return fail(fmt.Errorf("engine: read private key: %w", err))
		}
		if privateKey, err = ledger.LoadPrivateKey(data); err != nil {
			return fail(err)
		}
	}

	var led ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.BackendSQLite:
		db, err := registry.Open(cfg.Ledger.Path)
		if err != nil {
			return fail(err)
		}
		led, err = ledger.NewSQLiteLedger(db, privateKey)
		if err != nil {
			return fail(err)
		}
	default:
		led = ledger.NewFileLedger(cfg.Ledger.Path, privateKey)
	}

	built := []Option{WithApprovalTTL(cfg.Approval.DefaultTTL.Std())}

	if cfg.Approval.StorePath != "" {
		db, err := registry.Open(cfg.Approval.StorePath)
		if err != nil {
			return fail(err)
		}
		store, err := approval.NewSQLiteStore(db)
		if err != nil {
			return fail(err)
		}
		built = append(built,
			WithApprovalStore(store),
			WithApprover(approval.NewPollingApprover(store,
				cfg.Approval.PollInterval.Std(), cfg.Approval.WaitTimeout.Std(), nil)))
	}

	if cfg.Budget.AgentLimit > 0 || cfg.Budget.ToolLimit > 0 {
		budgetCfg := budget.Config{
			AgentLimit: cfg.Budget.AgentLimit,
			ToolLimit:  cfg.Budget.ToolLimit,
			Window:     cfg.Budget.Window.Std(),
			BudgetKey:  cfg.Budget.BudgetKey,
		}
		var mgr budget.Manager
		if cfg.Budget.StorePath != "" {
			db, err := registry.Open(cfg.Budget.StorePath)
			if err != nil {
				return fail(err)
			}
			mgr, err = budget.NewSQLiteManager(db, budgetCfg)
			if err != nil {
				return fail(err)
			}
		} else {
			var err error
			mgr, err = budget.NewMemoryManager(budgetCfg)
			if err != nil {
				return fail(err)
			}
		}
		built = append(built, WithBudget(mgr))
	}

	if cfg.AuditLogPath != "" {
		auditLog, err := audit.OpenJSONLFile(cfg.AuditLogPath)
		if err != nil {
			return fail(err)
		}
		built = append(built, WithAuditLogger(auditLog))
	}

	eng, err := New(cfg.AgentID, pol, led, append(built, opts...)...)
	if err != nil {
		return fail(err)
	}
	return eng, registry.Close, nil
}
