package approval

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

// Both stores must satisfy the same contract, so every test runs against both.
func forEachStore(t *testing.T, run func(t *testing.T, store Store, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newFakeClock()
		run(t, NewMemoryStore(WithClock(clock.Now)), clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := newFakeClock()
		registry := storage.NewRegistry()
		t.Cleanup(func() { _ = registry.Close() })
		db, err := registry.Open(filepath.Join(t.TempDir(), "approvals.db"))
		require.NoError(t, err)
		store, err := NewSQLiteStore(db, WithClock(clock.Now))
		require.NoError(t, err)
		run(t, store, clock)
	})
}

func TestCreatePendingAndFetch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, StatePending, rec.State)
		assert.Equal(t, "ph-1", rec.PolicyHash)
		assert.Equal(t, "dh-1", rec.DecisionHash)
		assert.Nil(t, rec.ApproverID)
		assert.Nil(t, rec.ResolvedAt)
		assert.Equal(t, clock.Now().Add(DefaultTTL), rec.ExpiresAt)
	})
}

func TestFetchUnknownReturnsNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		rec, err := store.Fetch(context.Background(), "r-none")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestCreatePendingIdempotentRefreshesExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		clock.Advance(time.Minute)
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, rec.State)
		assert.Equal(t, clock.Now().Add(DefaultTTL), rec.ExpiresAt)
	})
}

func TestCreatePendingBindingConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		err := store.CreatePending(ctx, "r-1", "ph-other", "dh-1", nil)
		var conflict *BindingConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "r-1", conflict.RequestID)

		err = store.CreatePending(ctx, "r-1", "ph-1", "dh-other", nil)
		require.ErrorAs(t, err, &conflict)
	})
}

func TestCreatePendingNeverResurrectsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))
		require.NoError(t, store.Resolve(ctx, "r-1", StateDenied, nil))

		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, StateDenied, rec.State)
	})
}

func TestCreatePendingClampsExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		requested := clock.Now().Add(10000 * time.Second)
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", &requested))

		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(MaxTTL), rec.ExpiresAt)
	})
}

func TestCreatePendingRejectsEmptyIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.Error(t, store.CreatePending(ctx, "", "ph", "dh", nil))
		require.Error(t, store.CreatePending(ctx, "r", "", "dh", nil))
		require.Error(t, store.CreatePending(ctx, "r", "ph", "", nil))
	})
}

func TestResolveTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		approver := "alice"
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))
		require.NoError(t, store.Resolve(ctx, "r-1", StateApproved, &approver))

		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, StateApproved, rec.State)
		require.NotNil(t, rec.ApproverID)
		assert.Equal(t, "alice", *rec.ApproverID)
		require.NotNil(t, rec.ResolvedAt)
		assert.Equal(t, clock.Now(), *rec.ResolvedAt)

		// Same terminal state again is a no-op.
		require.NoError(t, store.Resolve(ctx, "r-1", StateApproved, &approver))

		// A different terminal state is refused.
		err = store.Resolve(ctx, "r-1", StateDenied, nil)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, StateApproved, terr.From)
		assert.Equal(t, StateDenied, terr.To)
	})
}

func TestResolveUnknownRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		err := store.Resolve(context.Background(), "r-none", StateApproved, nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolveRejectsNonTerminalState(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))
		require.Error(t, store.Resolve(ctx, "r-1", StatePending, nil))
		require.Error(t, store.Resolve(ctx, "r-1", State("bogus"), nil))
	})
}

func TestFetchLazilyExpiresOverduePending(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, store.CreatePending(ctx, "r-1", "ph-1", "dh-1", nil))

		clock.Advance(DefaultTTL + time.Second)
		rec, err := store.Fetch(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, StateExpired, rec.State)
		require.NotNil(t, rec.ResolvedAt)

		// The expiry is durable, not a read-side illusion.
		err = store.Resolve(ctx, "r-1", StateApproved, nil)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, StateExpired, terr.From)
	})
}

func TestExpireExpiredSweepsOnlyOverduePendings(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		short := clock.Now().Add(time.Minute)
		require.NoError(t, store.CreatePending(ctx, "r-short", "ph", "dh-1", &short))
		require.NoError(t, store.CreatePending(ctx, "r-long", "ph", "dh-2", nil))
		require.NoError(t, store.CreatePending(ctx, "r-done", "ph", "dh-3", &short))
		require.NoError(t, store.Resolve(ctx, "r-done", StateDenied, nil))

		clock.Advance(2 * time.Minute)
		count, err := store.ExpireExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		rec, err := store.Fetch(ctx, "r-short")
		require.NoError(t, err)
		assert.Equal(t, StateExpired, rec.State)
		rec, err = store.Fetch(ctx, "r-long")
		require.NoError(t, err)
		assert.Equal(t, StatePending, rec.State)
		rec, err = store.Fetch(ctx, "r-done")
		require.NoError(t, err)
		assert.Equal(t, StateDenied, rec.State)
	})
}
