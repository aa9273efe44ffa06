package unlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func expiredConfig() unlock.Config {
	config := testConfig()
	config.Tiers[unlock.TierFree] = unlock.TierConfig{
		Name:              unlock.TierFree,
		MonthlyAllocation: 100,
		UnlockWindow:      -time.Minute,
	}
	return config
}

func TestSweepTransitionsExpiredRows(t *testing.T) {
	resolver, store := newResolver(t, expiredConfig())
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c"} {
		seedAccount(t, store, user, unlock.TierFree, 100)
		_, err := resolver.Resolve(ctx, user, "chart", 8)
		require.NoError(t, err)
	}

	sweeper, err := unlock.NewSweeper(store, unlock.SweeperConfig{})
	require.NoError(t, err)

	transitioned, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, transitioned)

	// Idempotent: an immediate second run finds nothing.
	transitioned, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, transitioned)
}

func TestSweepNeverTouchesCredits(t *testing.T) {
	resolver, store := newResolver(t, expiredConfig())
	ctx := context.Background()
	seedAccount(t, store, "user1", unlock.TierFree, 100)

	_, err := resolver.Resolve(ctx, "user1", "chart", 8)
	require.NoError(t, err)

	before, err := resolver.Balance(ctx, "user1")
	require.NoError(t, err)

	sweeper, err := unlock.NewSweeper(store, unlock.SweeperConfig{})
	require.NoError(t, err)
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	after, err := resolver.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, before.Consumed, after.Consumed)
	assert.Equal(t, before.Remaining, after.Remaining)
}

func TestSweepBatches(t *testing.T) {
	resolver, store := newResolver(t, expiredConfig())
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, user := range users {
		seedAccount(t, store, user, unlock.TierFree, 100)
		_, err := resolver.Resolve(ctx, user, "chart", 8)
		require.NoError(t, err)
	}

	// BatchSize 2 forces multiple fetch rounds in a single sweep.
	sweeper, err := unlock.NewSweeper(store, unlock.SweeperConfig{BatchSize: 2})
	require.NoError(t, err)

	transitioned, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(users), transitioned)
}

func TestSweepLeavesLiveRowsAlone(t *testing.T) {
	resolver, store := newResolver(t, testConfig())
	ctx := context.Background()
	seedAccount(t, store, "user1", unlock.TierFree, 10)

	res, err := resolver.Resolve(ctx, "user1", "chart", 8)
	require.NoError(t, err)

	sweeper, err := unlock.NewSweeper(store, unlock.SweeperConfig{})
	require.NoError(t, err)
	transitioned, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, transitioned)

	// Still reusable afterwards.
	again, err := resolver.Resolve(ctx, "user1", "chart", 8)
	require.NoError(t, err)
	assert.Equal(t, unlock.ResolutionReuse, again.Kind)
	assert.Equal(t, res.Entitlement.ID, again.Entitlement.ID)
}

func TestSweepEmitsExpireEvents(t *testing.T) {
	resolver, store := newResolver(t, expiredConfig())
	ctx := context.Background()
	seedAccount(t, store, "user1", unlock.TierFree, 100)

	_, err := resolver.Resolve(ctx, "user1", "chart", 8)
	require.NoError(t, err)

	sweeper, err := unlock.NewSweeper(store, unlock.SweeperConfig{})
	require.NoError(t, err)
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	events, err := store.ListAuditEvents(ctx, unlock.AuditFilter{UserID: "user1", Type: unlock.EventExpire})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNewSweeperRequiresStore(t *testing.T) {
	_, err := unlock.NewSweeper(nil, unlock.SweeperConfig{})
	assert.ErrorIs(t, err, unlock.ErrStoreUnavailable)

	_, err = unlock.NewSweeper(memory.New(), unlock.SweeperConfig{})
	assert.NoError(t, err)
}
