package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlabs/toolgate/pkg/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func forEachManager(t *testing.T, cfg Config, run func(t *testing.T, m Manager, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newFakeClock()
		m, err := NewMemoryManager(cfg, WithClock(clock.Now))
		require.NoError(t, err)
		run(t, m, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := newFakeClock()
		registry := storage.NewRegistry()
		t.Cleanup(func() { _ = registry.Close() })
		db, err := registry.Open(filepath.Join(t.TempDir(), "budget.db"))
		require.NoError(t, err)
		m, err := NewSQLiteManager(db, cfg, WithClock(clock.Now))
		require.NoError(t, err)
		run(t, m, clock)
	})
}

func TestCheckAndCommitIdempotent(t *testing.T) {
	cfg := Config{AgentLimit: 10, ToolLimit: 10}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 4))
		// A retried check for the same request reserves nothing extra.
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 4))
		require.NoError(t, m.Commit(ctx, "r-1"))
		require.NoError(t, m.Commit(ctx, "r-1"))
		// A re-check after commit is also accepted without reserving.
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 4))

		// Exactly 4 of 10 is consumed: a cost-6 call still fits, cost-7 not.
		require.NoError(t, m.Check(ctx, "r-2", "agent-1", "tool-a", 6))
		err := m.Check(ctx, "r-3", "agent-1", "tool-a", 1)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
	})
}

func TestAgentLimitExceeded(t *testing.T) {
	cfg := Config{AgentLimit: 5}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 3))

		err := m.Check(ctx, "r-2", "agent-1", "tool-b", 3)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, "agent", exceeded.Scope)

		// Another agent has its own window.
		require.NoError(t, m.Check(ctx, "r-3", "agent-2", "tool-b", 3))
	})
}

func TestToolLimitExceeded(t *testing.T) {
	cfg := Config{ToolLimit: 5}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 3))

		err := m.Check(ctx, "r-2", "agent-2", "tool-a", 3)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, "tool", exceeded.Scope)

		require.NoError(t, m.Check(ctx, "r-3", "agent-2", "tool-b", 3))
	})
}

func TestPendingCountsTowardLimits(t *testing.T) {
	cfg := Config{AgentLimit: 5}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		// Reserved but never committed still occupies the window.
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 5))

		err := m.Check(ctx, "r-2", "agent-1", "tool-a", 1)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
	})
}

func TestCommitWithoutCheck(t *testing.T) {
	forEachManager(t, Config{}, func(t *testing.T, m Manager, clock *fakeClock) {
		err := m.Commit(context.Background(), "r-never-checked")
		var serr *StateError
		require.ErrorAs(t, err, &serr)
	})
}

func TestWindowExpiryFreesBudget(t *testing.T) {
	cfg := Config{AgentLimit: 5, Window: time.Hour}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 5))
		require.NoError(t, m.Commit(ctx, "r-1"))

		err := m.Check(ctx, "r-2", "agent-1", "tool-a", 1)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)

		clock.Advance(time.Hour + time.Minute)
		require.NoError(t, m.Check(ctx, "r-2", "agent-1", "tool-a", 5))
	})
}

func TestStalePendingIsPrunedAfterTwoWindows(t *testing.T) {
	cfg := Config{AgentLimit: 5, Window: time.Hour}
	forEachManager(t, cfg, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 5))

		// After two windows the orphaned reservation is gone and the
		// request_id can be checked fresh.
		clock.Advance(2*time.Hour + time.Minute)
		require.NoError(t, m.Check(ctx, "r-1", "agent-1", "tool-a", 5))

		err := m.Commit(ctx, "r-1")
		require.NoError(t, err)
	})
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	forEachManager(t, Config{}, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			rid := string(rune('a' + i))
			require.NoError(t, m.Check(ctx, rid, "agent-1", "tool-a", 1000))
		}
	})
}

func TestRejectsNegativeCost(t *testing.T) {
	forEachManager(t, Config{}, func(t *testing.T, m Manager, clock *fakeClock) {
		err := m.Check(context.Background(), "r-1", "agent-1", "tool-a", -1)
		var serr *StateError
		require.ErrorAs(t, err, &serr)
	})
}

func TestConfigNormalization(t *testing.T) {
	_, err := NewMemoryManager(Config{AgentLimit: -1})
	require.Error(t, err)
	_, err = NewMemoryManager(Config{Window: -time.Second})
	require.Error(t, err)

	m, err := NewMemoryManager(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, m.Describe().Window)
}
