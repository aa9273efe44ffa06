package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gounlock/pkg/billing"
	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook processing failed",
			unlock.Field{Key: "provider", Value: providerName},
			unlock.Field{Key: "event_type", Value: eventType},
			unlock.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified webhook event.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		// The subscription stays active until Stripe actually cancels it.
		// Record for monitoring, leave the ledger alone.
		p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
		return nil
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	default:
		// Unknown event type - ignore silently.
		return nil
	}
}

// handleSubscriptionChanged processes customer.subscription.created and
// customer.subscription.updated events.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserIDFromSubscription(ctx, &subscription)
	if err != nil {
		return fmt.Errorf("failed to extract user_id: %w", err)
	}

	return p.applySubscription(ctx, userID, &subscription, event)
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// Instead of downgrading directly it re-syncs from the API, which handles
// customers holding several subscriptions where only one was canceled.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserIDFromSubscription(ctx, &subscription)
	if err != nil {
		return fmt.Errorf("failed to extract user_id: %w", err)
	}

	_, err = p.SyncUser(ctx, userID)
	return err
}

// handleInvoicePaymentSucceeded applies the monthly cycle rollover when a
// subscription invoice is paid.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	// The v83 Invoice struct does not carry the subscription reference
	// directly, so pull it out of the raw payload.
	subscriptionID := ""
	var rawData map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &rawData); err == nil {
		switch v := rawData["subscription"].(type) {
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				subscriptionID = id
			}
		case string:
			subscriptionID = v
		}
	}
	if subscriptionID == "" {
		// Not a subscription invoice - ignore.
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	userID, err := p.extractUserIDFromSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("failed to extract user_id: %w", err)
	}

	err = p.processor.Rollover(ctx, userID)
	if errors.Is(err, unlock.ErrAccountNotFound) {
		// First paid invoice can beat the subscription.created webhook.
		return p.applySubscription(ctx, userID, sub, event)
	}
	return err
}

// handleCheckoutSessionCompleted processes checkout.session.completed events.
// Credit pack checkouts carry a "credits" metadata entry and grant purchased
// credits once per event ID. Subscription checkouts get the user_id patched
// onto the subscription so later webhooks can attribute it.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return fmt.Errorf("metadata.user_id missing on checkout session %s", session.ID)
	}

	if raw, ok := session.Metadata["credits"]; ok {
		amount, err := strconv.Atoi(raw)
		if err != nil || amount <= 0 {
			return fmt.Errorf("invalid credits metadata %q on checkout session %s", raw, session.ID)
		}
		// The Stripe event ID doubles as the idempotency key, so redelivered
		// webhooks never grant twice.
		if err := p.processor.GrantCredits(ctx, userID, amount, event.ID); err != nil {
			return err
		}
		p.metrics.RecordCreditGrant(providerName, amount)
		p.emitWebhookEvent(ctx, billing.WebhookEvent{
			UserID:         userID,
			Provider:       providerName,
			EventType:      string(event.Type),
			EventTimestamp: eventTime(event),
			CreditsGranted: amount,
		})
		return nil
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// Neither a credit pack nor a subscription checkout - ignore.
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, session.Subscription.ID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	if sub.Metadata == nil || sub.Metadata["user_id"] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata("user_id", userID)
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, sub.ID, params)
		if err != nil {
			return fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
	}

	// Apply immediately rather than waiting for the subscription webhook.
	return p.applySubscription(ctx, userID, sub, event)
}

// applySubscription resolves the subscription to a tier and rewrites the
// user's ledger account. A replayed event that does not change the tier is
// skipped so consumed credits are not reset twice.
func (p *Provider) applySubscription(ctx context.Context, userID string, sub *stripe.Subscription, event *stripe.Event) error {
	tier, anchor := p.resolveTier(sub)

	previousTier := ""
	existing, err := p.processor.Store().GetAccount(ctx, userID)
	switch {
	case err == nil:
		previousTier = string(existing.Tier)
		if existing.Tier == tier {
			return nil
		}
	case errors.Is(err, unlock.ErrAccountNotFound):
		// New user, account gets created below.
	default:
		return err
	}

	if err := p.processor.ApplyTier(ctx, userID, tier, anchor); err != nil {
		return err
	}

	p.metrics.RecordTierChange(providerName, previousTier, string(tier))
	p.logger.Info("tier applied from subscription",
		unlock.Field{Key: "user_id", Value: userID},
		unlock.Field{Key: "tier", Value: string(tier)})
	p.emitWebhookEvent(ctx, billing.WebhookEvent{
		UserID:         userID,
		PreviousTier:   previousTier,
		NewTier:        string(tier),
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: eventTime(event),
	})
	return nil
}

func (p *Provider) emitWebhookEvent(ctx context.Context, ev billing.WebhookEvent) {
	if p.onWebhookEvent != nil {
		p.onWebhookEvent(ctx, ev)
	}
}

func eventTime(event *stripe.Event) time.Time {
	if event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Now().UTC()
}

// resolveTier picks the tier for a subscription. An inactive subscription
// maps to the default tier; otherwise the item with the most generous mapped
// tier wins. The anchor is the subscription creation time, which keeps
// monthly rollovers on the billing anniversary.
func (p *Provider) resolveTier(sub *stripe.Subscription) (unlock.Tier, time.Time) {
	anchor := time.Time{}
	if sub.Created > 0 {
		anchor = time.Unix(sub.Created, 0).UTC()
	}

	if sub.Status != subscriptionStatusActive && sub.Status != subscriptionStatusTrialing {
		return p.defaultTier, anchor
	}

	best := p.defaultTier
	maxWeight := -1
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			tier := p.MapPriceToTier(item.Price.ID)
			if weight := p.tierWeight(tier); weight > maxWeight {
				maxWeight = weight
				best = tier
			}
		}
	}
	return best, anchor
}

// extractUserIDFromSubscription extracts user_id from subscription metadata,
// falling back to the customer's metadata.
func (p *Provider) extractUserIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID, ok := sub.Metadata["user_id"]; ok && userID != "" {
			return userID, nil
		}
	}

	if sub.Customer != nil {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata != nil {
			if userID, ok := cust.Metadata["user_id"]; ok && userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("metadata.user_id missing on subscription %s", sub.ID)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
