package billing

import "time"

// WebhookEvent contains information about a successful webhook processing
// event, passed to callbacks after the ledger has been updated.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousTier is the tier before the webhook update (empty string if new user)
	PreviousTier string

	// NewTier is the tier after the webhook update
	NewTier string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "checkout.session.completed", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// CreditsGranted is the purchased credit amount applied, if any
	CreditsGranted int
}
