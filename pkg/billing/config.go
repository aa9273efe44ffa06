package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Config defines the standard configuration all providers should accept.
type Config struct {
	// Store is the credit ledger that providers update (required).
	Store unlock.Store

	// Tiers maps tier names to their monthly allocation and unlock window,
	// shared with the resolver configuration (required).
	Tiers map[unlock.Tier]unlock.TierConfig

	// TierMapping maps provider product/price IDs to tiers.
	// For example: map[string]unlock.Tier{"price_pro_monthly": unlock.TierPro}.
	// Reserved keys:
	//   - "*" or "default": maps unknown products to the default tier
	TierMapping map[string]unlock.Tier

	// DefaultTier is applied on cancellation and for unmapped products
	// (default: unlock.TierFree).
	DefaultTier unlock.Tier

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger).
	Logger unlock.Logger

	// OnWebhookEvent, if set, is invoked after a webhook has been applied to
	// the ledger. Useful for cache invalidation or user notifications.
	OnWebhookEvent func(context.Context, WebhookEvent)
}
