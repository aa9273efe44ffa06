package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resolver decides, per (user, component), whether access is granted from an
// existing entitlement or by an atomic charge-and-create against the store.
type Resolver struct {
	store  Store
	config Config

	// group collapses concurrent fast-path lookups for the same
	// (user, component) into a single store read.
	group singleflight.Group
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store, config Config) (*Resolver, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if len(config.Tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}

	// Set defaults
	if config.DefaultTier == "" {
		config.DefaultTier = TierFree
	}
	if _, ok := config.Tiers[config.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q missing from Tiers", config.DefaultTier)
	}
	if config.MaxChargeAttempts <= 0 {
		config.MaxChargeAttempts = 3
	}
	if config.ChargeBackoff <= 0 {
		config.ChargeBackoff = 25 * time.Millisecond
	}
	if config.Mirror == nil {
		config.Mirror = &NoopMirror{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Resolver{
		store:  store,
		config: config,
	}, nil
}

// Resolve grants access to component for userID, charging cost credits only
// when no valid entitlement exists. Concurrent calls for the same
// (user, component) are serialized by the store's charge transaction, so at
// most one of them commits a charge.
//
// Returns ErrUnknownComponent or ErrInvalidCost before any store access,
// ErrAccountNotFound for an unknown user, *InsufficientCreditsError when the
// account cannot cover the cost, and an error wrapping ErrTxConflict when
// retries were exhausted (the whole call is safe to retry).
func (r *Resolver) Resolve(ctx context.Context, userID, component string, cost int) (*Resolution, error) {
	started := time.Now()
	defer func() {
		r.config.Metrics.RecordResolveDuration(component, time.Since(started))
	}()

	if component == "" {
		return nil, ErrUnknownComponent
	}
	if len(r.config.Components) > 0 {
		if _, ok := r.config.Components[component]; !ok {
			return nil, ErrUnknownComponent
		}
	}
	if cost < 0 {
		return nil, ErrInvalidCost
	}

	// Mirror consult: best-effort skip of the store round trip. Expired
	// entries are discarded by the mirror itself; a hit never feeds the
	// charge path below.
	if ent, ok := r.config.Mirror.Get(userID, component); ok {
		r.config.Metrics.RecordMirrorHit()
		r.config.Metrics.RecordResolution(component, "reuse", 0)
		return &Resolution{Kind: ResolutionReuse, Entitlement: ent, FromMirror: true}, nil
	}
	r.config.Metrics.RecordMirrorMiss()

	// Fast path: reuse a live active entitlement without touching the ledger.
	ent, err := r.activeEntitlement(ctx, userID, component)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		r.config.Metrics.RecordResolution(component, "error", 0)
		return nil, err
	}
	now := time.Now().UTC()
	if ent != nil {
		if ent.Live(now) {
			r.auditReuse(ctx, ent)
			r.config.Mirror.Put(ent)
			r.config.Metrics.RecordResolution(component, "reuse", 0)
			return &Resolution{Kind: ResolutionReuse, Entitlement: ent, CreditsCharged: 0}, nil
		}

		// Logically expired: transition it lazily and fall through to the
		// charge path. A row already transitioned by the sweeper is skipped.
		if _, expErr := r.store.ExpireEntitlement(ctx, ent.ID); expErr != nil {
			r.config.Logger.Warn("lazy expiration failed",
				Field{"entitlement_id", ent.ID}, Field{"error", expErr})
		}
		r.config.Mirror.Forget(userID, component)
	}

	acct, err := r.store.GetAccount(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			r.config.Metrics.RecordResolution(component, "error", 0)
		}
		return nil, err
	}
	if acct.ConsumedCredits > acct.MonthlyAllocation+acct.PurchasedCredits {
		ie := &InvariantError{
			UserID:    userID,
			Consumed:  acct.ConsumedCredits,
			Allowance: acct.MonthlyAllocation + acct.PurchasedCredits,
		}
		r.config.Logger.Error("balance invariant violated, manual reconciliation required",
			Field{"user_id", userID},
			Field{"consumed", acct.ConsumedCredits},
			Field{"allowance", acct.MonthlyAllocation + acct.PurchasedCredits})
		return nil, ie
	}

	res, err := r.charge(ctx, &ChargeRequest{
		UserID:    userID,
		Component: component,
		Cost:      cost,
		Window:    r.windowFor(acct.Tier),
	})
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			r.config.Metrics.RecordResolution(component, "insufficient_credits", 0)
		} else {
			r.config.Metrics.RecordResolution(component, "error", 0)
		}
		return nil, err
	}

	if res.Reused {
		// Another caller's charge committed first; its entitlement is the
		// consistent final state for both of us.
		r.auditReuse(ctx, res.Entitlement)
		r.config.Mirror.Put(res.Entitlement)
		r.config.Metrics.RecordResolution(component, "reuse", 0)
		return &Resolution{Kind: ResolutionReuse, Entitlement: res.Entitlement, CreditsCharged: 0}, nil
	}

	r.config.Mirror.Put(res.Entitlement)
	r.config.Metrics.RecordResolution(component, "charge", res.Charged)
	r.config.Logger.Info("entitlement charged",
		Field{"user_id", userID},
		Field{"component", component},
		Field{"entitlement_id", res.Entitlement.ID},
		Field{"credits_charged", res.Charged},
		Field{"remaining", res.Remaining})
	return &Resolution{Kind: ResolutionCharge, Entitlement: res.Entitlement, CreditsCharged: res.Charged}, nil
}

// charge runs the store's atomic charge transaction, retrying serialization
// conflicts a bounded number of times with doubling backoff. A timed-out or
// conflicted transaction is treated as not-committed.
func (r *Resolver) charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxChargeAttempts; attempt++ {
		if attempt > 0 {
			delay := r.config.ChargeBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req.EntitlementID = NewEntitlementID()
		res, err := r.store.Charge(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrTxConflict) {
			return nil, err
		}

		lastErr = err
		r.config.Logger.Debug("charge transaction conflict, retrying",
			Field{"user_id", req.UserID},
			Field{"component", req.Component},
			Field{"attempt", attempt + 1})
	}
	return nil, fmt.Errorf("charge retries exhausted: %w", lastErr)
}

// activeEntitlement reads the active slot via singleflight so a burst of
// identical lookups costs one store read.
func (r *Resolver) activeEntitlement(ctx context.Context, userID, component string) (*Entitlement, error) {
	key := userID + "\x00" + component
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.store.GetActiveEntitlement(ctx, userID, component)
	})
	if err != nil {
		return nil, err
	}
	ent, ok := v.(*Entitlement)
	if !ok {
		return nil, ErrEntitlementNotFound
	}
	return ent, nil
}

// Balance returns the read-only credit projection for a user. Remaining is
// computed from the stored fields, never stored itself.
func (r *Resolver) Balance(ctx context.Context, userID string) (*Balance, error) {
	acct, err := r.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining := acct.Available()
	if remaining < 0 {
		// A prior concurrency bug; report it but keep the read path usable
		// for support tooling.
		r.config.Logger.Error("balance invariant violated, manual reconciliation required",
			Field{"user_id", userID},
			Field{"consumed", acct.ConsumedCredits},
			Field{"allowance", acct.MonthlyAllocation + acct.PurchasedCredits})
	}

	return &Balance{
		UserID:     acct.UserID,
		Tier:       acct.Tier,
		Allocation: acct.MonthlyAllocation,
		Purchased:  acct.PurchasedCredits,
		Consumed:   acct.ConsumedCredits,
		Remaining:  remaining,
		ResetAt:    acct.ResetAt,
	}, nil
}

// End transitions an active entitlement to manually_ended. Administrative
// operation; never refunds credits.
func (r *Resolver) End(ctx context.Context, entitlementID string) (bool, error) {
	return r.store.EndEntitlement(ctx, entitlementID)
}

// AuditLog retrieves audit events matching the filter, newest first.
func (r *Resolver) AuditLog(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	return r.store.ListAuditEvents(ctx, filter)
}

// ComponentCost returns the configured default cost for a component.
func (r *Resolver) ComponentCost(component string) (int, error) {
	cc, ok := r.config.Components[component]
	if !ok {
		return 0, ErrUnknownComponent
	}
	return cc.Cost, nil
}

// windowFor returns the unlock window for a tier, falling back to the
// default tier for unknown values.
func (r *Resolver) windowFor(tier Tier) time.Duration {
	tc, ok := r.config.Tiers[tier]
	if !ok {
		tc = r.config.Tiers[r.config.DefaultTier]
	}
	return tc.UnlockWindow
}

func (r *Resolver) auditReuse(ctx context.Context, ent *Entitlement) {
	ev := &AuditEvent{
		ID:            NewEventID(),
		Type:          EventReuse,
		EntitlementID: ent.ID,
		UserID:        ent.UserID,
		Component:     ent.Component,
		CreditsDelta:  0,
		OccurredAt:    time.Now().UTC(),
	}
	if err := r.store.AppendAuditEvent(ctx, ev); err != nil {
		r.config.Logger.Warn("failed to append reuse audit event",
			Field{"entitlement_id", ent.ID}, Field{"error", err})
	}
}
