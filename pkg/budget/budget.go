// Package budget provides windowed spend accounting for guarded calls.
// Check reserves cost, Commit confirms it; both are idempotent by request_id
// so a retried call after a crash between the two never double-charges.
// Pending and committed usage both count toward limits, which keeps many
// concurrent in-flight checks from overcommitting a window.
package budget

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindow is the accounting window applied when a config omits one.
const DefaultWindow = time.Hour

// Config bounds spending per agent and per tool inside a sliding window.
// A zero limit means that scope is unlimited.
type Config struct {
	AgentLimit int64
	ToolLimit  int64
	Window     time.Duration

	// BudgetKey names this budget in ledger entries. Optional.
	BudgetKey string
}

func (c *Config) normalize() error {
	if c.AgentLimit < 0 {
		return fmt.Errorf("budget: agent limit must be non-negative")
	}
	if c.ToolLimit < 0 {
		return fmt.Errorf("budget: tool limit must be non-negative")
	}
	if c.Window < 0 {
		return fmt.Errorf("budget: window must be positive")
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	return nil
}

// Manager is the spend accounting contract consumed by the engine.
type Manager interface {
	// Check reserves cost for request_id against the agent and tool
	// windows. Idempotent: a request_id already pending or committed is
	// accepted without reserving again. Returns *ExceededError when a
	// limit would be crossed.
	Check(ctx context.Context, requestID, agent, tool string, cost int64) error

	// Commit confirms a prior Check. Idempotent by request_id; committing
	// a request_id that was never checked is a *StateError.
	Commit(ctx context.Context, requestID string) error

	// Describe returns the config for ledger budget blocks.
	Describe() Config
}

// ExceededError reports which scope ran out.
type ExceededError struct {
	Scope string // "agent" or "tool"
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s budget exceeded", e.Scope)
}

// StateError reports invalid or missing budget state, such as a commit with
// no matching check.
type StateError struct {
	Cause string
}

func (e *StateError) Error() string {
	return "budget: " + e.Cause
}

// usage is one reserved or confirmed charge.
type usage struct {
	agent string
	tool  string
	cost  int64
	at    time.Time
}

func validateCost(cost int64) error {
	if cost < 0 {
		return &StateError{Cause: "cost must be non-negative"}
	}
	return nil
}

func enforceLimits(cfg Config, agentUsage, toolUsage, cost int64) error {
	if cfg.AgentLimit > 0 && agentUsage+cost > cfg.AgentLimit {
		return &ExceededError{Scope: "agent"}
	}
	if cfg.ToolLimit > 0 && toolUsage+cost > cfg.ToolLimit {
		return &ExceededError{Scope: "tool"}
	}
	return nil
}

// budgetTimeLayout matches the fixed-width rendering used elsewhere so TEXT
// comparisons order chronologically.
const budgetTimeLayout = "2006-01-02T15:04:05.000000Z"
