package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gounlock/pkg/billing"
	"github.com/mihaimyh/gounlock/pkg/unlock"
	"github.com/mihaimyh/gounlock/storage/memory"
)

func newTestProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
			Tiers: map[unlock.Tier]unlock.TierConfig{
				unlock.TierFree:  {Name: unlock.TierFree, MonthlyAllocation: 0, UnlockWindow: time.Hour},
				unlock.TierPro:   {Name: unlock.TierPro, MonthlyAllocation: 500, UnlockWindow: 24 * time.Hour},
				unlock.TierElite: {Name: unlock.TierElite, MonthlyAllocation: 2000, UnlockWindow: 7 * 24 * time.Hour},
			},
			TierMapping: map[string]unlock.Tier{
				"price_pro_monthly":   unlock.TierPro,
				"price_elite_monthly": unlock.TierElite,
			},
		},
		StripeAPIKey:        "sk_test_xxx",
		StripeWebhookSecret: "whsec_test_secret",
	})
	require.NoError(t, err)
	return p, store
}

func subscriptionEvent(t *testing.T, eventType, userID, priceID, status string) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":       "sub_123",
		"status":   status,
		"created":  time.Now().Unix(),
		"metadata": map[string]string{"user_id": userID},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": priceID}},
			},
		},
	})
	require.NoError(t, err)
	return &stripe.Event{
		ID:      "evt_" + eventType,
		Type:    stripe.EventType(eventType),
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{
		Config: billing.Config{Store: memory.New()},
	})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestMapPriceToTier(t *testing.T) {
	p, _ := newTestProvider(t)

	assert.Equal(t, unlock.TierPro, p.MapPriceToTier("price_pro_monthly"))
	assert.Equal(t, unlock.TierPro, p.MapPriceToTier("PRICE_PRO_MONTHLY"))
	assert.Equal(t, unlock.TierElite, p.MapPriceToTier("price_elite_monthly"))
	assert.Equal(t, unlock.TierFree, p.MapPriceToTier("price_unknown"))
	assert.Equal(t, unlock.TierFree, p.MapPriceToTier(""))
}

func TestSubscriptionCreatedAppliesTier(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	event := subscriptionEvent(t, "customer.subscription.created", "user1", "price_pro_monthly", "active")
	require.NoError(t, p.processWebhookEvent(ctx, event))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierPro, acct.Tier)
	assert.Equal(t, 500, acct.MonthlyAllocation)
	assert.True(t, acct.ResetAt.After(time.Now()))
}

func TestSubscriptionEventReplayKeepsConsumed(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	event := subscriptionEvent(t, "customer.subscription.created", "user1", "price_pro_monthly", "active")
	require.NoError(t, p.processWebhookEvent(ctx, event))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	acct.ConsumedCredits = 120
	require.NoError(t, store.PutAccount(ctx, acct))

	// The same tier arriving again must not reset consumed credits.
	require.NoError(t, p.processWebhookEvent(ctx, event))

	acct, err = store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 120, acct.ConsumedCredits)
	assert.Equal(t, unlock.TierPro, acct.Tier)
}

func TestSubscriptionUpgradeResetsConsumed(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	created := subscriptionEvent(t, "customer.subscription.created", "user1", "price_pro_monthly", "active")
	require.NoError(t, p.processWebhookEvent(ctx, created))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	acct.ConsumedCredits = 400
	require.NoError(t, store.PutAccount(ctx, acct))

	upgraded := subscriptionEvent(t, "customer.subscription.updated", "user1", "price_elite_monthly", "active")
	require.NoError(t, p.processWebhookEvent(ctx, upgraded))

	acct, err = store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, unlock.TierElite, acct.Tier)
	assert.Equal(t, 2000, acct.MonthlyAllocation)
	assert.Equal(t, 0, acct.ConsumedCredits)
}

func TestSubscriptionMissingUserID(t *testing.T) {
	p, _ := newTestProvider(t)

	raw, err := json.Marshal(map[string]interface{}{
		"id":     "sub_123",
		"status": "active",
	})
	require.NoError(t, err)
	event := &stripe.Event{
		Type: "customer.subscription.created",
		Data: &stripe.EventData{Raw: raw},
	}

	err = p.processWebhookEvent(context.Background(), event)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestCheckoutSessionGrantsCreditsOnce(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, store.PutAccount(ctx, &unlock.Account{
		UserID: "user1",
		Tier:   unlock.TierFree,
	}))

	raw, err := json.Marshal(map[string]interface{}{
		"id": "cs_123",
		"metadata": map[string]string{
			"user_id": "user1",
			"credits": "250",
		},
	})
	require.NoError(t, err)
	event := &stripe.Event{
		ID:   "evt_checkout_1",
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}

	require.NoError(t, p.processWebhookEvent(ctx, event))
	// Stripe redelivers webhooks; the event ID keys the grant.
	require.NoError(t, p.processWebhookEvent(ctx, event))

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 250, acct.PurchasedCredits)
}

func TestCheckoutSessionRejectsBadCredits(t *testing.T) {
	p, _ := newTestProvider(t)

	for _, credits := range []string{"abc", "-5", "0"} {
		raw, err := json.Marshal(map[string]interface{}{
			"id": "cs_123",
			"metadata": map[string]string{
				"user_id": "user1",
				"credits": credits,
			},
		})
		require.NoError(t, err)
		event := &stripe.Event{
			ID:   "evt_bad_" + credits,
			Type: "checkout.session.completed",
			Data: &stripe.EventData{Raw: raw},
		}
		assert.Error(t, p.processWebhookEvent(context.Background(), event), "credits=%s", credits)
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	p, _ := newTestProvider(t)

	event := &stripe.Event{
		Type: "payment_intent.succeeded",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	assert.NoError(t, p.processWebhookEvent(context.Background(), event))
}

func TestWebhookHandlerRejectsBadRequests(t *testing.T) {
	p, _ := newTestProvider(t)
	handler := p.WebhookHandler()

	// Wrong method.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// Missing signature.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage signature.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandlerNotConfigured(t *testing.T) {
	store := memory.New()
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
			Tiers: map[unlock.Tier]unlock.TierConfig{
				unlock.TierFree: {Name: unlock.TierFree},
			},
		},
		StripeAPIKey: "sk_test_xxx",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	p.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProviderName(t *testing.T) {
	p, _ := newTestProvider(t)
	assert.Equal(t, "stripe", p.Name())
}

func TestOnWebhookEventCallback(t *testing.T) {
	store := memory.New()
	var events []billing.WebhookEvent
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
			Tiers: map[unlock.Tier]unlock.TierConfig{
				unlock.TierFree: {Name: unlock.TierFree, MonthlyAllocation: 0, UnlockWindow: time.Hour},
				unlock.TierPro:  {Name: unlock.TierPro, MonthlyAllocation: 500, UnlockWindow: 24 * time.Hour},
			},
			TierMapping: map[string]unlock.Tier{"price_pro_monthly": unlock.TierPro},
			OnWebhookEvent: func(_ context.Context, ev billing.WebhookEvent) {
				events = append(events, ev)
			},
		},
		StripeAPIKey:        "sk_test_xxx",
		StripeWebhookSecret: "whsec_test_secret",
	})
	require.NoError(t, err)
	ctx := context.Background()

	created := subscriptionEvent(t, "customer.subscription.created", "user1", "price_pro_monthly", "active")
	require.NoError(t, p.processWebhookEvent(ctx, created))

	// A replay that does not change the tier stays silent.
	require.NoError(t, p.processWebhookEvent(ctx, created))

	raw, err := json.Marshal(map[string]interface{}{
		"id": "cs_123",
		"metadata": map[string]string{
			"user_id": "user1",
			"credits": "100",
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.processWebhookEvent(ctx, &stripe.Event{
		ID:      "evt_checkout_cb",
		Type:    "checkout.session.completed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}))

	require.Len(t, events, 2)
	assert.Equal(t, "user1", events[0].UserID)
	assert.Equal(t, "", events[0].PreviousTier)
	assert.Equal(t, string(unlock.TierPro), events[0].NewTier)
	assert.Equal(t, "customer.subscription.created", events[0].EventType)
	assert.Equal(t, 100, events[1].CreditsGranted)
	assert.Equal(t, "checkout.session.completed", events[1].EventType)
}
