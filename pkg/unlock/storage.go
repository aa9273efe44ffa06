package unlock

import (
	"context"
	"time"
)

// Store defines the interface for entitlement and ledger persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// The credit account rows and the entitlement rows have exactly one writer
// each; Charge is the only operation permitted to mutate both, and it must
// do so atomically.
type Store interface {
	// GetAccount retrieves a user's credit account.
	// Returns ErrAccountNotFound if the user is unknown.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// PutAccount creates or replaces a credit account.
	PutAccount(ctx context.Context, acct *Account) error

	// GetActiveEntitlement retrieves the single active entitlement for
	// (userID, component). Returns ErrEntitlementNotFound when there is none.
	// The returned row may already be logically expired; callers must check
	// Live before trusting it.
	GetActiveEntitlement(ctx context.Context, userID, component string) (*Entitlement, error)

	// Charge atomically performs the charge path: re-check the active
	// entitlement slot, re-read the account, verify available credits,
	// increment ConsumedCredits, insert the entitlement row and the charge
	// audit event. All of it commits as one unit or not at all.
	//
	// Returns *InsufficientCreditsError when the account cannot cover the
	// cost, ErrAccountNotFound for an unknown user, and an error wrapping
	// ErrTxConflict when a serialization race was lost (safe to retry).
	// When a concurrent charge already created a live entitlement for the
	// slot, the result carries that entitlement with Reused = true and no
	// credits are charged.
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)

	// ExpireEntitlement transitions one entitlement from active to expired
	// and appends the expire audit event, guarded so a row already
	// transitioned elsewhere is silently skipped. Returns true when this
	// call performed the transition.
	ExpireEntitlement(ctx context.Context, entitlementID string) (bool, error)

	// EndEntitlement transitions one entitlement from active to
	// manually_ended and appends the end audit event. Returns true when
	// this call performed the transition.
	EndEntitlement(ctx context.Context, entitlementID string) (bool, error)

	// ListExpiredActive returns entitlements still marked active whose
	// ExpiresAt is before the given instant, up to limit rows.
	ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*Entitlement, error)

	// AddPurchasedCredits atomically increments PurchasedCredits. Purchased
	// credits never expire and are never reset. idempotencyKey, when
	// non-empty, makes the top-up apply at most once; a replay returns
	// ErrIdempotencyKeyExists.
	AddPurchasedCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error

	// ApplyTierChange rewrites tier and allocation, optionally zeroing
	// ConsumedCredits, as triggered by the billing processor on tier change
	// or cycle rollover. Active entitlement windows are not touched.
	ApplyTierChange(ctx context.Context, req *TierChangeRequest) error

	// AppendAuditEvent appends one event to the activity log. The log is
	// append-only; events are never mutated or deleted.
	AppendAuditEvent(ctx context.Context, ev *AuditEvent) error

	// ListAuditEvents retrieves audit events matching the filter, newest
	// first.
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage engine time instead of application server time keeps
// expiry comparisons consistent across distributed callers.
type TimeSource interface {
	// Now returns the current time from the storage engine. Returns an
	// error if the engine doesn't support time queries.
	Now(ctx context.Context) (time.Time, error)
}

// ChargeRequest carries the inputs of one atomic charge.
type ChargeRequest struct {
	UserID    string
	Component string

	// Cost is the number of credits to charge (>= 0; 0 creates a free
	// entitlement without touching the ledger balance check outcome).
	Cost int

	// Window is the entitlement validity duration, derived from the user's
	// tier at call time and fixed for the life of the entitlement.
	Window time.Duration

	// EntitlementID is the pre-generated identifier for the row to insert.
	EntitlementID string
}

// ChargeResult is the outcome of a committed charge transaction.
type ChargeResult struct {
	Entitlement *Entitlement

	// Charged is the credits actually deducted (0 when Reused).
	Charged int

	// Reused is true when a concurrent charge already filled the active
	// slot and its entitlement was returned instead of creating a new one.
	Reused bool

	// Remaining is the account's available credits after the transaction.
	Remaining int
}

// TierChangeRequest rewrites a credit account's subscription fields.
type TierChangeRequest struct {
	UserID            string
	NewTier           Tier
	MonthlyAllocation int

	// ResetConsumed zeroes ConsumedCredits (cycle rollover or upgrade).
	ResetConsumed bool

	// ResetAt is the next scheduled rollover instant.
	ResetAt time.Time
}
