package unlock

import (
	"time"
)

// Tier is a subscription level. It determines the monthly credit allocation
// and how long a purchased unlock stays valid.
type Tier string

const (
	// TierFree has no monthly allocation; unlocks require purchased credits.
	TierFree Tier = "free"
	// TierPro is the entry paid tier.
	TierPro Tier = "pro"
	// TierElite is the mid paid tier.
	TierElite Tier = "elite"
	// TierInstitutional is the top paid tier.
	TierInstitutional Tier = "institutional"
)

// TierConfig defines the credit allocation and unlock window for a tier.
type TierConfig struct {
	Name Tier

	// MonthlyAllocation is the number of credits granted per billing cycle.
	MonthlyAllocation int

	// UnlockWindow is how long an entitlement created under this tier stays
	// valid. The window is fixed at entitlement creation; later tier changes
	// do not alter it.
	UnlockWindow time.Duration
}

// ComponentConfig describes one unit of gated functionality.
type ComponentConfig struct {
	Name string

	// Cost is the default credit cost to unlock this component.
	Cost int
}

// Account is a user's credit account. ConsumedCredits never exceeds
// MonthlyAllocation + PurchasedCredits after a successful charge; a charge
// that would violate this is rejected before any mutation.
type Account struct {
	UserID            string
	Tier              Tier
	MonthlyAllocation int
	PurchasedCredits  int
	ConsumedCredits   int

	// ResetAt is when the next monthly rollover rewrites MonthlyAllocation
	// and zeroes ConsumedCredits. Written by the billing processor, never by
	// the resolver.
	ResetAt   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the credits the account can still spend.
func (a *Account) Available() int {
	return a.MonthlyAllocation + a.PurchasedCredits - a.ConsumedCredits
}

// EntitlementStatus is the lifecycle state of an entitlement.
type EntitlementStatus string

const (
	// StatusActive marks an entitlement inside its validity window.
	StatusActive EntitlementStatus = "active"
	// StatusExpired marks an entitlement past its validity window.
	StatusExpired EntitlementStatus = "expired"
	// StatusManuallyEnded marks an entitlement ended by an explicit
	// administrative or user action before its window closed.
	StatusManuallyEnded EntitlementStatus = "manually_ended"
)

// Entitlement is a time-boxed grant of access to one component for one user.
// At most one entitlement with StatusActive exists per (user, component).
type Entitlement struct {
	ID             string
	UserID         string
	Component      string
	CreditsCharged int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Status         EntitlementStatus
}

// Live reports whether the entitlement grants access at the given instant.
// An active row whose ExpiresAt has passed is logically expired even before
// the sweeper processes it.
func (e *Entitlement) Live(now time.Time) bool {
	return e.Status == StatusActive && e.ExpiresAt.After(now)
}

// EventType classifies audit events.
type EventType string

const (
	// EventCharge records a credit charge that created an entitlement.
	EventCharge EventType = "charge"
	// EventReuse records access granted from an existing entitlement.
	EventReuse EventType = "reuse"
	// EventExpire records an entitlement transitioning past its window.
	EventExpire EventType = "expire"
	// EventEnd records a manual end of an active entitlement.
	EventEnd EventType = "end"
)

// AuditEvent is one row of the append-only activity log. Events are never
// mutated or deleted; they are the record used for reconciliation and
// dispute resolution.
type AuditEvent struct {
	ID            string
	Type          EventType
	EntitlementID string
	UserID        string
	Component     string
	CreditsDelta  int
	OccurredAt    time.Time
}

// AuditFilter selects audit events for ListAuditEvents.
type AuditFilter struct {
	UserID    string
	Component string
	Type      EventType

	// Since filters events at or after this time (optional).
	Since *time.Time

	// Until filters events before this time (optional).
	Until *time.Time

	// Limit caps the number of results (default: 100).
	Limit int
}

// ResolutionKind says how access was granted.
type ResolutionKind string

const (
	// ResolutionReuse means an existing valid entitlement was returned and
	// no credits were charged.
	ResolutionReuse ResolutionKind = "reuse"
	// ResolutionCharge means credits were charged and a new entitlement
	// created.
	ResolutionCharge ResolutionKind = "charge"
)

// Resolution is the successful outcome of a Resolve call.
type Resolution struct {
	Kind           ResolutionKind
	Entitlement    *Entitlement
	CreditsCharged int

	// FromMirror is true when the reuse was answered from the local mirror
	// without a store round trip. Mirror answers are best-effort and never
	// feed a charging decision.
	FromMirror bool
}

// Balance is the read-only projection of a credit account. Remaining is
// always computed, never stored.
type Balance struct {
	UserID     string
	Tier       Tier
	Allocation int
	Purchased  int
	Consumed   int
	Remaining  int
	ResetAt    time.Time
}

// Config holds resolver configuration.
type Config struct {
	// Tiers maps tier names to allocation and unlock window.
	Tiers map[Tier]TierConfig

	// Components is the known set of gated components. When non-empty,
	// Resolve rejects unknown component names before any store access.
	Components map[string]ComponentConfig

	// DefaultTier is used when an account carries a tier missing from Tiers.
	DefaultTier Tier

	// MaxChargeAttempts bounds retries of the charge transaction on
	// transient conflicts (default: 3).
	MaxChargeAttempts int

	// ChargeBackoff is the base delay between charge retries, doubled per
	// attempt (default: 25ms).
	ChargeBackoff time.Duration

	// Mirror is an optional local entitlement mirror consulted before the
	// fast-path store read (default: disabled).
	Mirror Mirror

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking resolver operations (default: NoopMetrics).
	Metrics Metrics
}

// SweeperConfig holds expiration sweeper configuration.
type SweeperConfig struct {
	// Interval between scheduled sweeps (default: 5 minutes).
	Interval time.Duration

	// BatchSize caps rows fetched per scan iteration (default: 500).
	BatchSize int

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking sweep runs (default: NoopMetrics).
	Metrics Metrics
}
