package unlock

import "github.com/google/uuid"

// NewEntitlementID generates an opaque entitlement identifier. Identifiers
// are never reused.
func NewEntitlementID() string {
	return "ent_" + uuid.NewString()
}

// NewEventID generates an audit event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}
