package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "gounlock:", s.config.KeyPrefix)
	assert.Equal(t, 10000, s.config.MaxAuditLen)
}

func TestChargeLifecycle_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 10,
	}))

	res, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          8,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 8, res.Charged)
	assert.Equal(t, 2, res.Remaining)

	// A live slot is reused without deducting.
	again, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          8,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, res.Entitlement.ID, again.Entitlement.ID)

	// Insufficient balance leaves everything untouched.
	_, err = s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "scores",
		Cost:          5,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	var insufficient *unlock.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Remaining)

	acct, err := s.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 8, acct.ConsumedCredits)

	events, err := s.ListAuditEvents(ctx, unlock.AuditFilter{UserID: "user1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, unlock.EventCharge, events[0].Type)
	assert.Equal(t, -8, events[0].CreditsDelta)
}

func TestChargeExpiresStaleWinner_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 10,
	}))

	// Negative window: the winner is logically expired at birth.
	stale, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          2,
		Window:        -time.Minute,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)

	fresh, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          2,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)
	assert.False(t, fresh.Reused)
	assert.NotEqual(t, stale.Entitlement.ID, fresh.Entitlement.ID)

	// The stale winner was transitioned inside the same script run.
	old, err := s.getEntitlement(ctx, stale.Entitlement.ID)
	require.NoError(t, err)
	assert.Equal(t, unlock.StatusExpired, old.Status)

	events, err := s.ListAuditEvents(ctx, unlock.AuditFilter{
		UserID: "user1",
		Type:   unlock.EventExpire,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stale.Entitlement.ID, events[0].EntitlementID)
}

func TestChargeHealsDanglingSlot_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 10,
	}))

	// A slot pointing at a deleted entitlement must not block new charges.
	require.NoError(t, client.Set(ctx, s.slotKey("user1", "chart"), "ent_gone", 0).Err())

	res, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          3,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 3, res.Charged)

	id, err := client.Get(ctx, s.slotKey("user1", "chart")).Result()
	require.NoError(t, err)
	assert.Equal(t, res.Entitlement.ID, id)
}

func TestTransitionGuard_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 10,
	}))

	res, err := s.Charge(ctx, &unlock.ChargeRequest{
		UserID:        "user1",
		Component:     "chart",
		Cost:          1,
		Window:        time.Hour,
		EntitlementID: unlock.NewEntitlementID(),
	})
	require.NoError(t, err)

	ok, err := s.ExpireEntitlement(ctx, res.Entitlement.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExpireEntitlement(ctx, res.Entitlement.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetActiveEntitlement(ctx, "user1", "chart")
	assert.ErrorIs(t, err, unlock.ErrEntitlementNotFound)

	events, err := s.ListAuditEvents(ctx, unlock.AuditFilter{
		UserID: "user1",
		Type:   unlock.EventExpire,
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestListExpiredActive_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierPro,
		MonthlyAllocation: 10,
	}))

	// Negative window: active rows already past their window.
	for _, component := range []string{"a", "b"} {
		_, err := s.Charge(ctx, &unlock.ChargeRequest{
			UserID:        "user1",
			Component:     component,
			Cost:          1,
			Window:        -time.Minute,
			EntitlementID: unlock.NewEntitlementID(),
		})
		require.NoError(t, err)
	}

	rows, err := s.ListExpiredActive(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTopUpIdempotency_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID: "user1",
		Tier:   unlock.TierFree,
	}))

	require.NoError(t, s.AddPurchasedCredits(ctx, "user1", 25, "txn-1"))
	assert.ErrorIs(t, s.AddPurchasedCredits(ctx, "user1", 25, "txn-1"),
		unlock.ErrIdempotencyKeyExists)

	acct, err := s.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 25, acct.PurchasedCredits)
}

func TestApplyTierChange_Redis(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutAccount(ctx, &unlock.Account{
		UserID:            "user1",
		Tier:              unlock.TierFree,
		MonthlyAllocation: 0,
		ConsumedCredits:   0,
	}))

	require.NoError(t, s.ApplyTierChange(ctx, &unlock.TierChangeRequest{
		UserID:            "user1",
		NewTier:           unlock.TierPro,
		MonthlyAllocation: 500,
		ResetConsumed:     true,
	}))

	acct, err := s.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierPro, acct.Tier)
	assert.Equal(t, 500, acct.MonthlyAllocation)
}
