package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryManager keeps window state in process memory. Semantics match
// SQLiteManager exactly; only durability differs.
type MemoryManager struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	pending   map[string]usage
	committed map[string]usage
}

func NewMemoryManager(cfg Config, opts ...Option) (*MemoryManager, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	m := &MemoryManager{
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[string]usage),
		committed: make(map[string]usage),
	}
	for _, opt := range opts {
		opt(&m.now)
	}
	return m, nil
}

// Option configures a manager.
type Option func(now *func() time.Time)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(target *func() time.Time) { *target = now }
}

// Check implements Manager.
func (m *MemoryManager) Check(ctx context.Context, requestID, agent, tool string, cost int64) error {
	if err := validateCost(cost); err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)

	if _, ok := m.committed[requestID]; ok {
		return nil
	}
	if _, ok := m.pending[requestID]; ok {
		return nil
	}

	cutoff := now.Add(-m.cfg.Window)
	var agentUsage, toolUsage int64
	for _, records := range []map[string]usage{m.committed, m.pending} {
		for _, u := range records {
			if u.at.Before(cutoff) {
				continue
			}
			if u.agent == agent {
				agentUsage += u.cost
			}
			if u.tool == tool {
				toolUsage += u.cost
			}
		}
	}
	if err := enforceLimits(m.cfg, agentUsage, toolUsage, cost); err != nil {
		return err
	}
	m.pending[requestID] = usage{agent: agent, tool: tool, cost: cost, at: now}
	return nil
}

// Commit implements Manager.
func (m *MemoryManager) Commit(ctx context.Context, requestID string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)

	if _, ok := m.committed[requestID]; ok {
		return nil
	}
	u, ok := m.pending[requestID]
	if !ok {
		return &StateError{Cause: "pending check not found for commit"}
	}
	u.at = now
	m.committed[requestID] = u
	delete(m.pending, requestID)
	return nil
}

// Describe implements Manager.
func (m *MemoryManager) Describe() Config { return m.cfg }

// pruneLocked drops committed usage outside the window and pending usage
// that outlived two windows without ever committing.
func (m *MemoryManager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	for rid, u := range m.committed {
		if u.at.Before(cutoff) {
			delete(m.committed, rid)
		}
	}
	staleCutoff := now.Add(-2 * m.cfg.Window)
	for rid, u := range m.pending {
		if u.at.Before(staleCutoff) {
			delete(m.pending, rid)
		}
	}
}
