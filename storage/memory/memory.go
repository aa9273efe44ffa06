// Package memory provides an in-memory storage implementation for gounlock.
// It is intended for testing and single-process deployments; state is lost
// on restart and is not shared across processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Storage implements unlock.Store with in-process maps guarded by one mutex.
// The single mutex makes Charge trivially atomic.
type Storage struct {
	mu sync.Mutex

	accounts map[string]*unlock.Account

	// entitlements holds every row by ID; activeSlots indexes the single
	// active row per (user, component).
	entitlements map[string]*unlock.Entitlement
	activeSlots  map[string]string

	audit []*unlock.AuditEvent

	// topupKeys records applied idempotency keys.
	topupKeys map[string]bool
}

// New creates a new in-memory storage.
func New() *Storage {
	return &Storage{
		accounts:     make(map[string]*unlock.Account),
		entitlements: make(map[string]*unlock.Entitlement),
		activeSlots:  make(map[string]string),
		topupKeys:    make(map[string]bool),
	}
}

func slotKey(userID, component string) string {
	return userID + "\x00" + component
}

// GetAccount retrieves a user's credit account.
func (s *Storage) GetAccount(_ context.Context, userID string) (*unlock.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, unlock.ErrAccountNotFound
	}

	copied := *acct
	return &copied, nil
}

// PutAccount creates or replaces a credit account.
func (s *Storage) PutAccount(_ context.Context, acct *unlock.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *acct
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	copied.UpdatedAt = time.Now().UTC()
	s.accounts[acct.UserID] = &copied
	return nil
}

// GetActiveEntitlement retrieves the active entitlement for (userID, component).
func (s *Storage) GetActiveEntitlement(_ context.Context, userID, component string) (*unlock.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.activeEntitlementLocked(userID, component)
	if ent == nil {
		return nil, unlock.ErrEntitlementNotFound
	}

	copied := *ent
	return &copied, nil
}

// activeEntitlementLocked returns the live row in the active slot, or nil.
// Caller holds the lock.
func (s *Storage) activeEntitlementLocked(userID, component string) *unlock.Entitlement {
	id, ok := s.activeSlots[slotKey(userID, component)]
	if !ok {
		return nil
	}
	ent := s.entitlements[id]
	if ent == nil || ent.Status != unlock.StatusActive {
		delete(s.activeSlots, slotKey(userID, component))
		return nil
	}
	return ent
}

// Charge performs the atomic charge path under the storage mutex.
func (s *Storage) Charge(_ context.Context, req *unlock.ChargeRequest) (*unlock.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Re-check the active slot: a concurrent charge may have won.
	if existing := s.activeEntitlementLocked(req.UserID, req.Component); existing != nil {
		if existing.Live(now) {
			copied := *existing
			var remaining int
			if acct, ok := s.accounts[req.UserID]; ok {
				remaining = acct.Available()
			}
			return &unlock.ChargeResult{
				Entitlement: &copied,
				Charged:     0,
				Reused:      true,
				Remaining:   remaining,
			}, nil
		}

		// The slot holds a logically expired row; transition it so at most
		// one active row exists per (user, component) after the insert below.
		existing.Status = unlock.StatusExpired
		delete(s.activeSlots, slotKey(req.UserID, req.Component))
		s.audit = append(s.audit, &unlock.AuditEvent{
			ID:            unlock.NewEventID(),
			Type:          unlock.EventExpire,
			EntitlementID: existing.ID,
			UserID:        existing.UserID,
			Component:     existing.Component,
			OccurredAt:    now,
		})
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, unlock.ErrAccountNotFound
	}

	if acct.Available() < req.Cost {
		return nil, &unlock.InsufficientCreditsError{
			UserID:    req.UserID,
			Component: req.Component,
			Required:  req.Cost,
			Remaining: acct.Available(),
		}
	}

	acct.ConsumedCredits += req.Cost
	acct.UpdatedAt = now

	ent := &unlock.Entitlement{
		ID:             req.EntitlementID,
		UserID:         req.UserID,
		Component:      req.Component,
		CreditsCharged: req.Cost,
		CreatedAt:      now,
		ExpiresAt:      now.Add(req.Window),
		Status:         unlock.StatusActive,
	}
	s.entitlements[ent.ID] = ent
	s.activeSlots[slotKey(req.UserID, req.Component)] = ent.ID

	s.audit = append(s.audit, &unlock.AuditEvent{
		ID:            unlock.NewEventID(),
		Type:          unlock.EventCharge,
		EntitlementID: ent.ID,
		UserID:        req.UserID,
		Component:     req.Component,
		CreditsDelta:  -req.Cost,
		OccurredAt:    now,
	})

	copied := *ent
	return &unlock.ChargeResult{
		Entitlement: &copied,
		Charged:     req.Cost,
		Reused:      false,
		Remaining:   acct.Available(),
	}, nil
}

// ExpireEntitlement transitions an entitlement from active to expired.
func (s *Storage) ExpireEntitlement(_ context.Context, entitlementID string) (bool, error) {
	return s.transition(entitlementID, unlock.StatusExpired, unlock.EventExpire)
}

// EndEntitlement transitions an entitlement from active to manually_ended.
func (s *Storage) EndEntitlement(_ context.Context, entitlementID string) (bool, error) {
	return s.transition(entitlementID, unlock.StatusManuallyEnded, unlock.EventEnd)
}

func (s *Storage) transition(entitlementID string, to unlock.EntitlementStatus, evType unlock.EventType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[entitlementID]
	if !ok {
		return false, unlock.ErrEntitlementNotFound
	}

	// Guarded: only an active row transitions; anything else is a no-op.
	if ent.Status != unlock.StatusActive {
		return false, nil
	}

	ent.Status = to
	delete(s.activeSlots, slotKey(ent.UserID, ent.Component))

	s.audit = append(s.audit, &unlock.AuditEvent{
		ID:            unlock.NewEventID(),
		Type:          evType,
		EntitlementID: ent.ID,
		UserID:        ent.UserID,
		Component:     ent.Component,
		CreditsDelta:  0,
		OccurredAt:    time.Now().UTC(),
	})
	return true, nil
}

// ListExpiredActive returns active rows whose window closed before the given
// instant, oldest expiry first.
func (s *Storage) ListExpiredActive(_ context.Context, before time.Time, limit int) ([]*unlock.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*unlock.Entitlement
	for _, ent := range s.entitlements {
		if ent.Status == unlock.StatusActive && ent.ExpiresAt.Before(before) {
			copied := *ent
			rows = append(rows, &copied)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].ExpiresAt.Before(rows[j].ExpiresAt)
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// AddPurchasedCredits increments PurchasedCredits, at most once per
// idempotency key.
func (s *Storage) AddPurchasedCredits(_ context.Context, userID string, amount int, idempotencyKey string) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if s.topupKeys[idempotencyKey] {
			return unlock.ErrIdempotencyKeyExists
		}
		s.topupKeys[idempotencyKey] = true
	}

	acct, ok := s.accounts[userID]
	if !ok {
		return unlock.ErrAccountNotFound
	}

	acct.PurchasedCredits += amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyTierChange rewrites tier and allocation on an account.
func (s *Storage) ApplyTierChange(_ context.Context, req *unlock.TierChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return unlock.ErrAccountNotFound
	}

	acct.Tier = req.NewTier
	acct.MonthlyAllocation = req.MonthlyAllocation
	if req.ResetConsumed {
		acct.ConsumedCredits = 0
	}
	if !req.ResetAt.IsZero() {
		acct.ResetAt = req.ResetAt
	}
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendAuditEvent appends one event to the activity log.
func (s *Storage) AppendAuditEvent(_ context.Context, ev *unlock.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *ev
	if copied.ID == "" {
		copied.ID = unlock.NewEventID()
	}
	if copied.OccurredAt.IsZero() {
		copied.OccurredAt = time.Now().UTC()
	}
	s.audit = append(s.audit, &copied)
	return nil
}

// ListAuditEvents retrieves audit events matching the filter, newest first.
func (s *Storage) ListAuditEvents(_ context.Context, filter unlock.AuditFilter) ([]*unlock.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*unlock.AuditEvent
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.audit[i]
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.Component != "" && ev.Component != filter.Component {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.Since != nil && ev.OccurredAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !ev.OccurredAt.Before(*filter.Until) {
			continue
		}
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// GetEntitlement retrieves one entitlement by ID regardless of status.
func (s *Storage) GetEntitlement(_ context.Context, entitlementID string) (*unlock.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[entitlementID]
	if !ok {
		return nil, unlock.ErrEntitlementNotFound
	}
	copied := *ent
	return &copied, nil
}

// Clear removes all data. Useful for testing.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*unlock.Account)
	s.entitlements = make(map[string]*unlock.Entitlement)
	s.activeSlots = make(map[string]string)
	s.audit = nil
	s.topupKeys = make(map[string]bool)
}
