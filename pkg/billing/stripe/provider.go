// Package stripe implements the billing.Provider interface on top of the
// Stripe API. Subscription webhooks drive tier changes on the credit ledger,
// checkout sessions grant purchased credits, and SyncUser reconciles a user's
// tier from the Stripe API on demand.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gounlock/pkg/billing"
	"github.com/mihaimyh/gounlock/pkg/unlock"
)

const (
	providerName               = "stripe"
	defaultHTTPTimeout         = 10 * time.Second
	tierKeyWildcard            = "*"
	tierKeyDefault             = "default"
	subscriptionStatusActive   = "active"
	subscriptionStatusTrialing = "trialing"
	maxWebhookBodyBytes        = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Store, Tiers, TierMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Performance hook (optional).
	// If provided, SyncUser uses this for O(1) customer lookup.
	// If nil, falls back to the slower Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	processor          *billing.Processor
	httpClient         *http.Client
	tierMapping        map[string]unlock.Tier // Price/Product ID -> Tier
	tiers              map[unlock.Tier]unlock.TierConfig
	defaultTier        unlock.Tier
	webhookSecret      []byte
	apiKey             string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             unlock.Logger
	onWebhookEvent     func(context.Context, billing.WebhookEvent)
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	defaultTier := config.DefaultTier
	if defaultTier == "" {
		defaultTier = unlock.TierFree
	}

	// Price IDs are matched case-insensitively.
	tierMapping := make(map[string]unlock.Tier, len(config.TierMapping))
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(k)] = v
	}
	if t, ok := tierMapping[tierKeyWildcard]; ok {
		defaultTier = t
	} else if t, ok := tierMapping[tierKeyDefault]; ok {
		defaultTier = t
	}

	processor, err := billing.NewProcessor(config.Store, config.Tiers, defaultTier, config.Metrics, config.Logger)
	if err != nil {
		return nil, err
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &unlock.NoopLogger{}
	}

	return &Provider{
		processor:          processor,
		httpClient:         httpClient,
		tierMapping:        tierMapping,
		tiers:              config.Tiers,
		defaultTier:        defaultTier,
		webhookSecret:      []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:             apiKey,
		stripeClient:       stripe.NewClient(apiKey),
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
		onWebhookEvent:     config.OnWebhookEvent,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// SyncUser reconciles a user's tier from the Stripe API and returns the
// tier that was applied.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a ledger tier.
func (p *Provider) MapPriceToTier(priceID string) unlock.Tier {
	if priceID == "" {
		return p.defaultTier
	}
	key := strings.ToLower(strings.TrimSpace(priceID))
	if tier, ok := p.tierMapping[key]; ok {
		return tier
	}
	return p.defaultTier
}

// tierWeight orders tiers by monthly allocation so that a customer holding
// several subscriptions lands on the most generous one.
func (p *Provider) tierWeight(tier unlock.Tier) int {
	if tc, ok := p.tiers[tier]; ok {
		return tc.MonthlyAllocation
	}
	return 0
}
