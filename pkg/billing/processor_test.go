package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func testTiers() map[unlock.Tier]unlock.TierConfig {
	return map[unlock.Tier]unlock.TierConfig{
		unlock.TierFree:  {Name: unlock.TierFree, MonthlyAllocation: 0, UnlockWindow: time.Hour},
		unlock.TierPro:   {Name: unlock.TierPro, MonthlyAllocation: 500, UnlockWindow: 24 * time.Hour},
		unlock.TierElite: {Name: unlock.TierElite, MonthlyAllocation: 2000, UnlockWindow: 7 * 24 * time.Hour},
	}
}

func newTestProcessor(t *testing.T) (*Processor, *memory.Storage) {
	t.Helper()
	store := memory.New()
	p, err := NewProcessor(store, testTiers(), unlock.TierFree, nil, nil)
	require.NoError(t, err)
	return p, store
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(nil, testTiers(), unlock.TierFree, nil, nil)
	assert.Error(t, err)

	_, err = NewProcessor(memory.New(), nil, unlock.TierFree, nil, nil)
	assert.Error(t, err)

	_, err = NewProcessor(memory.New(), testTiers(), unlock.Tier("unknown"), nil, nil)
	assert.Error(t, err)
}

func TestApplyTierCreatesAccount(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.ApplyTier(ctx, "user1", unlock.TierPro, time.Now().UTC()))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierPro, acct.Tier)
	assert.Equal(t, 500, acct.MonthlyAllocation)
	assert.True(t, acct.ResetAt.After(time.Now()))
}

func TestApplyTierRewritesExistingAccount(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 500,
		ConsumedCredits:   200,
		PurchasedCredits:  30,
	}))

	require.NoError(t, p.ApplyTier(ctx, "user1", unlock.TierElite, time.Now().UTC()))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierElite, acct.Tier)
	assert.Equal(t, 2000, acct.MonthlyAllocation)
	assert.Equal(t, 0, acct.ConsumedCredits)
	// Purchased credits survive tier changes.
	assert.Equal(t, 30, acct.PurchasedCredits)
}

func TestApplyTierUnknownTierFallsBack(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.ApplyTier(ctx, "user1", unlock.Tier("legacy"), time.Time{}))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierFree, acct.Tier)
}

func TestCancelDowngradesWithoutTouchingCredits(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 500,
		ConsumedCredits:   120,
		PurchasedCredits:  50,
	}))

	require.NoError(t, p.Cancel(ctx, "user1"))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierFree, acct.Tier)
	assert.Equal(t, 0, acct.MonthlyAllocation)
	assert.Equal(t, 120, acct.ConsumedCredits)
	assert.Equal(t, 50, acct.PurchasedCredits)
}

func TestRolloverOnlyAfterResetAt(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	future := time.Now().UTC().AddDate(0, 0, 10)
	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 500,
		ConsumedCredits:   200,
		ResetAt:           future,
	}))

	// Before ResetAt: no-op.
	require.NoError(t, p.Rollover(ctx, "user1"))
	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 200, acct.ConsumedCredits)
	assert.Equal(t, future, acct.ResetAt)

	// Past ResetAt: consumed zeroes, next reset scheduled.
	past := time.Now().UTC().AddDate(0, -1, -2)
	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID:            "user2",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 500,
		ConsumedCredits:   450,
		ResetAt:           past,
	}))
	require.NoError(t, p.Rollover(ctx, "user2"))

	acct, err = store.GetAccount(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.ConsumedCredits)
	assert.True(t, acct.ResetAt.After(time.Now()))
}

func TestGrantCreditsIdempotent(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID: "user1",
		Tier:   unlock.TierFree,
	}))

	require.NoError(t, p.GrantCredits(ctx, "user1", 100, "evt_1"))
	// A replayed event is a silent success, not a double grant.
	require.NoError(t, p.GrantCredits(ctx, "user1", 100, "evt_1"))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 100, acct.PurchasedCredits)
}
