package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Processor applies subscription outcomes to the credit ledger: tier changes,
// monthly cycle rollovers and purchased credit grants. Providers translate
// webhook payloads into Processor calls; the Processor owns the ledger writes.
type Processor struct {
	store       unlock.Store
	tiers       map[unlock.Tier]unlock.TierConfig
	defaultTier unlock.Tier
	metrics     Metrics
	logger      unlock.Logger
}

// NewProcessor creates a processor over the given store and tier table.
func NewProcessor(store unlock.Store, tiers map[unlock.Tier]unlock.TierConfig,
	defaultTier unlock.Tier, metrics Metrics, logger unlock.Logger) (*Processor, error) {
	if store == nil {
		return nil, ErrProviderNotConfigured
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}
	if defaultTier == "" {
		defaultTier = unlock.TierFree
	}
	if _, ok := tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q missing from tiers", defaultTier)
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &unlock.NoopLogger{}
	}
	return &Processor{
		store:       store,
		tiers:       tiers,
		defaultTier: defaultTier,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// DefaultTier returns the tier applied on cancellation.
func (p *Processor) DefaultTier() unlock.Tier {
	return p.defaultTier
}

// Store returns the underlying credit ledger.
func (p *Processor) Store() unlock.Store {
	return p.store
}

// allocationFor resolves a tier to its monthly allocation, falling back to
// the default tier for unknown values.
func (p *Processor) allocationFor(tier unlock.Tier) (unlock.Tier, int) {
	tc, ok := p.tiers[tier]
	if !ok {
		tier = p.defaultTier
		tc = p.tiers[tier]
	}
	return tier, tc.MonthlyAllocation
}

// ApplyTier rewrites a user's tier and allocation, zeroing consumed credits
// and scheduling the next rollover from the subscription anchor date. A user
// with no account yet gets one created.
func (p *Processor) ApplyTier(ctx context.Context, userID string, tier unlock.Tier, anchor time.Time) error {
	now := time.Now().UTC()
	if anchor.IsZero() {
		anchor = now
	}
	tier, allocation := p.allocationFor(tier)
	resetAt := unlock.NextReset(anchor, now)

	err := p.store.ApplyTierChange(ctx, &unlock.TierChangeRequest{
		UserID:            userID,
		NewTier:           tier,
		MonthlyAllocation: allocation,
		ResetConsumed:     true,
		ResetAt:           resetAt,
	})
	if errors.Is(err, unlock.ErrAccountNotFound) {
		return p.store.PutAccount(ctx, &unlock.Account{
			UserID:            userID,
			Tier:              tier,
			MonthlyAllocation: allocation,
			ResetAt:           resetAt,
		})
	}
	return err
}

// Cancel downgrades a user to the default tier. Purchased credits survive;
// active entitlement windows are not touched.
func (p *Processor) Cancel(ctx context.Context, userID string) error {
	_, allocation := p.allocationFor(p.defaultTier)
	err := p.store.ApplyTierChange(ctx, &unlock.TierChangeRequest{
		UserID:            userID,
		NewTier:           p.defaultTier,
		MonthlyAllocation: allocation,
		ResetConsumed:     false,
		ResetAt:           time.Time{},
	})
	if errors.Is(err, unlock.ErrAccountNotFound) {
		return p.store.PutAccount(ctx, &unlock.Account{
			UserID:            userID,
			Tier:              p.defaultTier,
			MonthlyAllocation: allocation,
		})
	}
	return err
}

// Rollover applies the monthly cycle reset when the account's ResetAt has
// passed: consumed credits zero out and the next reset is scheduled. A call
// before ResetAt is a no-op, so Rollover is safe to run on every payment
// event or from a nightly job.
func (p *Processor) Rollover(ctx context.Context, userID string) error {
	acct, err := p.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if acct.ResetAt.IsZero() || now.Before(acct.ResetAt) {
		return nil
	}

	tier, allocation := p.allocationFor(acct.Tier)
	err = p.store.ApplyTierChange(ctx, &unlock.TierChangeRequest{
		UserID:            userID,
		NewTier:           tier,
		MonthlyAllocation: allocation,
		ResetConsumed:     true,
		ResetAt:           unlock.NextReset(acct.ResetAt, now),
	})
	if err != nil {
		return err
	}

	p.logger.Info("cycle rollover applied",
		unlock.Field{Key: "user_id", Value: userID},
		unlock.Field{Key: "tier", Value: string(tier)})
	return nil
}

// GrantCredits applies a purchased credit top-up at most once per
// idempotency key. A replayed event is a silent success.
func (p *Processor) GrantCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	err := p.store.AddPurchasedCredits(ctx, userID, amount, idempotencyKey)
	if errors.Is(err, unlock.ErrIdempotencyKeyExists) {
		p.logger.Debug("duplicate credit grant skipped",
			unlock.Field{Key: "user_id", Value: userID},
			unlock.Field{Key: "idempotency_key", Value: idempotencyKey})
		return nil
	}
	return err
}
