// Package config loads the YAML configuration that wires a complete
// toolgate process: ledger backend, key files, approval TTLs, and budget
// limits. Paths can be overridden from the environment for container
// deployments.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the ledger storage implementation.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s", "5m") or as a bare integer number of seconds.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("config: duration must be a string or integer seconds")
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full process configuration.
type Config struct {
	AgentID string       `yaml:"agent_id"`
	Ledger  LedgerConfig `yaml:"ledger"`

	Approval ApprovalConfig `yaml:"approval"`
	Budget   BudgetConfig   `yaml:"budget"`

	// AuditLogPath is the operational JSONL trail. Empty disables it.
	AuditLogPath string `yaml:"audit_log_path"`
}

// LedgerConfig selects and locates the evidence store.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`

	// PrivateKeyPath enables Ed25519 signing when set.
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
}

// ApprovalConfig tunes the durable approval store and polling approver.
type ApprovalConfig struct {
	StorePath    string   `yaml:"store_path"`
	DefaultTTL   Duration `yaml:"default_ttl"`
	PollInterval Duration `yaml:"poll_interval"`
	WaitTimeout  Duration `yaml:"wait_timeout"`
}

// BudgetConfig tunes windowed spend limits. Zero limits mean unlimited.
type BudgetConfig struct {
	StorePath  string   `yaml:"store_path"`
	AgentLimit int64    `yaml:"agent_limit"`
	ToolLimit  int64    `yaml:"tool_limit"`
	Window     Duration `yaml:"window"`
	BudgetKey  string   `yaml:"budget_key"`
}

// Load reads and validates a config file, then applies environment
// overrides: TOOLGATE_LEDGER_PATH, TOOLGATE_APPROVAL_DB, TOOLGATE_BUDGET_DB,
// TOOLGATE_AUDIT_LOG.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TOOLGATE_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("TOOLGATE_APPROVAL_DB"); v != "" {
		c.Approval.StorePath = v
	}
	if v := os.Getenv("TOOLGATE_BUDGET_DB"); v != "" {
		c.Budget.StorePath = v
	}
	if v := os.Getenv("TOOLGATE_AUDIT_LOG"); v != "" {
		c.AuditLogPath = v
	}
}

// Validate checks cross-field consistency and fills defaults.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	switch c.Ledger.Backend {
	case "":
		c.Ledger.Backend = BackendFile
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("config: ledger path is required")
	}
	if c.Approval.DefaultTTL < 0 || c.Approval.PollInterval < 0 || c.Approval.WaitTimeout < 0 {
		return fmt.Errorf("config: approval durations must be non-negative")
	}
	if c.Budget.AgentLimit < 0 || c.Budget.ToolLimit < 0 || c.Budget.Window < 0 {
		return fmt.Errorf("config: budget limits and window must be non-negative")
	}
	if c.Approval.DefaultTTL == 0 {
		c.Approval.DefaultTTL = Duration(5 * time.Minute)
	}
	if c.Approval.PollInterval == 0 {
		c.Approval.PollInterval = Duration(2 * time.Second)
	}
	if c.Approval.WaitTimeout == 0 {
		c.Approval.WaitTimeout = c.Approval.DefaultTTL
	}
	if c.Budget.Window == 0 {
		c.Budget.Window = Duration(time.Hour)
	}
	return nil
}
