package api

import "time"

// ResolveRequest is the body of a resolve call. Cost overrides the configured
// component cost when present.
type ResolveRequest struct {
	Component string `json:"component"`
	Cost      *int   `json:"cost,omitempty"`
}

// ResolveResponse reports granted access.
type ResolveResponse struct {
	Granted        bool      `json:"granted"`
	Access         string    `json:"access"`
	ChargedCredits int       `json:"charged_credits"`
	EntitlementID  string    `json:"entitlement_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	FromMirror     bool      `json:"from_mirror,omitempty"`
}

// DeniedResponse reports denied access with a machine-readable reason.
type DeniedResponse struct {
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason"`
	Required  int    `json:"required,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
}

// BalanceResponse is the read-only credit projection for a user.
type BalanceResponse struct {
	UserID     string     `json:"user_id"`
	Tier       string     `json:"tier"`
	Allocation int        `json:"allocation"`
	Purchased  int        `json:"purchased"`
	Consumed   int        `json:"consumed"`
	Remaining  int        `json:"remaining"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
}

// AuditEventResponse is one row of the activity log.
type AuditEventResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	EntitlementID string    `json:"entitlement_id,omitempty"`
	UserID        string    `json:"user_id"`
	Component     string    `json:"component,omitempty"`
	CreditsDelta  int       `json:"credits_delta"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AuditLogResponse wraps the audit event list.
type AuditLogResponse struct {
	Events []AuditEventResponse `json:"events"`
}

// EndRequest names the entitlement to end.
type EndRequest struct {
	EntitlementID string `json:"entitlement_id"`
}

// EndResponse reports whether this call performed the transition.
type EndResponse struct {
	Ended bool `json:"ended"`
}

// SweepResponse reports one manually triggered sweeper run.
type SweepResponse struct {
	Transitioned int `json:"transitioned"`
}

// ErrorResponse is the default error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
