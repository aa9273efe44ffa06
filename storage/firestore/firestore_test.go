package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestSlotID(t *testing.T) {
	assert.Equal(t, "user1__chart", slotID("user1", "chart"))
}

func TestDocToAccount(t *testing.T) {
	now := time.Now().UTC()
	acct := docToAccount("user1", map[string]interface{}{
		"tier":              "pro",
		"monthlyAllocation": int64(500),
		"purchasedCredits":  int64(25),
		"consumedCredits":   int64(100),
		"updatedAt":         now,
	})

	require.NotNil(t, acct)
	assert.Equal(t, unlock.TierPro, acct.Tier)
	assert.Equal(t, 425, acct.Available())
	assert.Equal(t, now, acct.UpdatedAt)
	assert.True(t, acct.ResetAt.IsZero())
}

func TestDocToEntitlement(t *testing.T) {
	now := time.Now().UTC()
	ent := docToEntitlement("ent_1", map[string]interface{}{
		"userId":         "user1",
		"component":      "chart",
		"creditsCharged": int64(8),
		"createdAt":      now,
		"expiresAt":      now.Add(time.Hour),
		"status":         "active",
	})

	require.NotNil(t, ent)
	assert.Equal(t, "ent_1", ent.ID)
	assert.Equal(t, 8, ent.CreditsCharged)
	assert.True(t, ent.Live(now))
	assert.False(t, ent.Live(now.Add(2*time.Hour)))
}

func TestGetIntHandlesFirestoreNumerics(t *testing.T) {
	data := map[string]interface{}{
		"a": int64(5),
		"b": float64(7.0),
		"c": "not a number",
	}
	assert.Equal(t, 5, getInt(data, "a"))
	assert.Equal(t, 7, getInt(data, "b"))
	assert.Equal(t, 0, getInt(data, "c"))
	assert.Equal(t, 0, getInt(data, "missing"))
}
