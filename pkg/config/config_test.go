package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent_id: agent-1
ledger:
  path: /var/lib/toolgate/ledger.jsonl
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", cfg.AgentID)
	assert.Equal(t, BackendFile, cfg.Ledger.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Approval.DefaultTTL.Std())
	assert.Equal(t, 2*time.Second, cfg.Approval.PollInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.Approval.WaitTimeout.Std())
	assert.Equal(t, time.Hour, cfg.Budget.Window.Std())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
agent_id: agent-1
ledger:
  backend: sqlite
  path: /var/lib/toolgate/ledger.db
  private_key_path: /etc/toolgate/private.pem
  public_key_path: /etc/toolgate/public.pem
approval:
  store_path: /var/lib/toolgate/approvals.db
  default_ttl: 10m
  poll_interval: 5s
  wait_timeout: 15m
budget:
  store_path: /var/lib/toolgate/budget.db
  agent_limit: 100
  tool_limit: 50
  window: 30m
  budget_key: payments
audit_log_path: /var/log/toolgate/audit.jsonl
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Ledger.Backend)
	assert.Equal(t, "/etc/toolgate/private.pem", cfg.Ledger.PrivateKeyPath)
	assert.Equal(t, 10*time.Minute, cfg.Approval.DefaultTTL.Std())
	assert.Equal(t, 15*time.Minute, cfg.Approval.WaitTimeout.Std())
	assert.Equal(t, int64(100), cfg.Budget.AgentLimit)
	assert.Equal(t, 30*time.Minute, cfg.Budget.Window.Std())
	assert.Equal(t, "payments", cfg.Budget.BudgetKey)
	assert.Equal(t, "/var/log/toolgate/audit.jsonl", cfg.AuditLogPath)
}

func TestLoadDurationAsSeconds(t *testing.T) {
	path := writeConfig(t, `
agent_id: agent-1
ledger:
  path: /var/lib/toolgate/ledger.jsonl
approval:
  default_ttl: 90
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Approval.DefaultTTL.Std())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TOOLGATE_LEDGER_PATH", "/override/ledger.jsonl")
	t.Setenv("TOOLGATE_APPROVAL_DB", "/override/approvals.db")
	t.Setenv("TOOLGATE_BUDGET_DB", "/override/budget.db")
	t.Setenv("TOOLGATE_AUDIT_LOG", "/override/audit.jsonl")

	path := writeConfig(t, `
agent_id: agent-1
ledger:
  path: /var/lib/toolgate/ledger.jsonl
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/override/ledger.jsonl", cfg.Ledger.Path)
	assert.Equal(t, "/override/approvals.db", cfg.Approval.StorePath)
	assert.Equal(t, "/override/budget.db", cfg.Budget.StorePath)
	assert.Equal(t, "/override/audit.jsonl", cfg.AuditLogPath)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing agent_id", "ledger:\n  path: /tmp/l.jsonl\n"},
		{"missing ledger path", "agent_id: a\n"},
		{"unknown backend", "agent_id: a\nledger:\n  backend: postgres\n  path: /tmp/l.db\n"},
		{"negative budget", "agent_id: a\nledger:\n  path: /tmp/l.jsonl\nbudget:\n  agent_limit: -1\n"},
		{"negative ttl", "agent_id: a\nledger:\n  path: /tmp/l.jsonl\napproval:\n  default_ttl: -5s\n"},
		{"garbage duration", "agent_id: a\nledger:\n  path: /tmp/l.jsonl\napproval:\n  default_ttl: soon\n"},
		{"malformed yaml", "agent_id: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
