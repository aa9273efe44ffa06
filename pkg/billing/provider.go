// Package billing connects subscription providers to the credit ledger. The
// billing processor is the only writer of tier, allocation and reset fields;
// the resolver never touches them.
package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// This allows the application to swap providers with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and ledger updates
	// internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription state from
	// the provider to the credit ledger. Used for "Restore Purchases" or
	// nightly reconciliation jobs. Returns the detected tier.
	SyncUser(ctx context.Context, userID string) (string, error)
}
