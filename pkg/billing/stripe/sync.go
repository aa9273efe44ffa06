package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gounlock/pkg/billing"
)

// syncUserFromAPI reconciles a user's tier from the Stripe API.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (string, error) {
	var customerID string
	var err error

	// Fast path: the application provides the user -> customer mapping.
	if p.customerIDResolver != nil {
		customerID, err = p.customerIDResolver(ctx, userID)
		if err != nil {
			customerID = ""
		}
	}

	// Slow path: Stripe Search API (eventually consistent, ~500ms).
	if customerID == "" {
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if err != nil {
			// No customer on file means no subscription: default tier.
			return p.syncToDefaultTier(ctx, userID)
		}
	}

	return p.syncCustomer(ctx, customerID, userID)
}

// searchCustomerByMetadata finds a customer by user_id metadata.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['user_id']:'%s'", userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches, verify before trusting it.
		if cust.Metadata != nil && cust.Metadata["user_id"] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}

// syncCustomer lists the customer's active subscriptions and applies the
// most generous mapped tier to the ledger.
func (p *Provider) syncCustomer(ctx context.Context, customerID, userID string) (string, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	best := p.defaultTier
	maxWeight := -1
	anchor := time.Time{}

	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return string(p.defaultTier), fmt.Errorf("failed to list subscriptions: %w", err)
		}
		tier, subAnchor := p.resolveTier(sub)
		if weight := p.tierWeight(tier); weight > maxWeight {
			maxWeight = weight
			best = tier
			anchor = subAnchor
		}
	}

	if best == p.defaultTier {
		return p.syncToDefaultTier(ctx, userID)
	}

	if err := p.processor.ApplyTier(ctx, userID, best, anchor); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return string(best), err
	}

	p.metrics.RecordUserSync(providerName, "success")
	return string(best), nil
}

// syncToDefaultTier downgrades a user with no active subscription. Consumed
// and purchased credits are left untouched.
func (p *Provider) syncToDefaultTier(ctx context.Context, userID string) (string, error) {
	if err := p.processor.Cancel(ctx, userID); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return string(p.defaultTier), err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return string(p.defaultTier), nil
}
