package unlock

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned when the user has no credit account.
	// Fatal for the request, never retried.
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntitlementNotFound is returned when no matching entitlement exists.
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrUnknownComponent is returned for a component outside the known set.
	ErrUnknownComponent = errors.New("unknown component")

	// ErrInvalidCost is returned for a negative cost.
	ErrInvalidCost = errors.New("invalid cost")

	// ErrTxConflict is returned (wrapped) when a charge transaction lost a
	// serialization race. Transient; the whole Resolve call is safe to retry.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrStoreUnavailable is returned when the backing store is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIdempotencyKeyExists is returned when a keyed mutation was already
	// applied.
	ErrIdempotencyKeyExists = errors.New("idempotency key already processed")
)

// InsufficientCreditsError is returned when the account cannot cover a
// charge. It is a business error: surfaced verbatim to the caller and never
// retried automatically.
type InsufficientCreditsError struct {
	UserID    string
	Component string
	Required  int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, remaining %d",
		e.Component, e.Required, e.Remaining)
}

// InvariantError reports a balance invariant violation observed outside a
// transaction. It indicates a prior concurrency bug; callers must log it for
// manual reconciliation and must not auto-correct the account.
type InvariantError struct {
	UserID    string
	Consumed  int
	Allowance int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("balance invariant violated for %s: consumed %d exceeds allowance %d",
		e.UserID, e.Consumed, e.Allowance)
}
