// Package firestore provides a Firestore implementation of the unlock.Store
// interface. Charges run inside Firestore transactions so the balance check,
// the ledger increment, the entitlement write and the audit event commit as
// one unit.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Storage implements unlock.Store using Google Cloud Firestore.
type Storage struct {
	client                 *firestore.Client
	accountsCollection     string
	entitlementsCollection string
	slotsCollection        string
	auditCollection        string
	topupsCollection       string
}

// Config holds Firestore storage configuration.
type Config struct {
	// AccountsCollection is the collection for credit accounts.
	// Default: "credit_accounts"
	AccountsCollection string

	// EntitlementsCollection is the collection for entitlement rows.
	// Default: "entitlements"
	EntitlementsCollection string

	// SlotsCollection indexes the single active entitlement per
	// (user, component). Default: "entitlement_slots"
	SlotsCollection string

	// AuditCollection is the append-only activity log.
	// Default: "audit_events"
	AuditCollection string

	// TopupsCollection records applied top-up idempotency keys.
	// Default: "topup_records"
	TopupsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.AccountsCollection == "" {
		config.AccountsCollection = "credit_accounts"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.SlotsCollection == "" {
		config.SlotsCollection = "entitlement_slots"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "audit_events"
	}
	if config.TopupsCollection == "" {
		config.TopupsCollection = "topup_records"
	}

	return &Storage{
		client:                 client,
		accountsCollection:     config.AccountsCollection,
		entitlementsCollection: config.EntitlementsCollection,
		slotsCollection:        config.SlotsCollection,
		auditCollection:        config.AuditCollection,
		topupsCollection:       config.TopupsCollection,
	}, nil
}

func slotID(userID, component string) string {
	return userID + "__" + component
}

// mapTxError translates transaction contention into a retryable conflict
// error; everything else passes through.
func mapTxError(err error) error {
	if status.Code(err) == codes.Aborted {
		return fmt.Errorf("firestore transaction aborted: %w", unlock.ErrTxConflict)
	}
	return err
}

// GetAccount implements unlock.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*unlock.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, unlock.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, unlock.ErrAccountNotFound
	}
	return docToAccount(userID, snap.Data()), nil
}

// PutAccount implements unlock.Store.
func (s *Storage) PutAccount(ctx context.Context, acct *unlock.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	now := time.Now().UTC()
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	data := map[string]interface{}{
		"tier":              string(acct.Tier),
		"monthlyAllocation": acct.MonthlyAllocation,
		"purchasedCredits":  acct.PurchasedCredits,
		"consumedCredits":   acct.ConsumedCredits,
		"createdAt":         createdAt,
		"updatedAt":         now,
	}
	if !acct.ResetAt.IsZero() {
		data["resetAt"] = acct.ResetAt
	}

	_, err := s.client.Collection(s.accountsCollection).Doc(acct.UserID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set account: %w", err)
	}
	return nil
}

// GetActiveEntitlement implements unlock.Store.
func (s *Storage) GetActiveEntitlement(ctx context.Context, userID, component string) (*unlock.Entitlement, error) {
	slotSnap, err := s.client.Collection(s.slotsCollection).Doc(slotID(userID, component)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, unlock.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get active slot: %w", err)
	}
	if !slotSnap.Exists() {
		return nil, unlock.ErrEntitlementNotFound
	}

	entID := getString(slotSnap.Data(), "entitlementId")
	entSnap, err := s.client.Collection(s.entitlementsCollection).Doc(entID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, unlock.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent := docToEntitlement(entID, entSnap.Data())
	if ent.Status != unlock.StatusActive {
		return nil, unlock.ErrEntitlementNotFound
	}
	return ent, nil
}

// Charge implements unlock.Store with a transaction-safe charge path.
func (s *Storage) Charge(ctx context.Context, req *unlock.ChargeRequest) (*unlock.ChargeResult, error) {
	if req.Cost < 0 {
		return nil, unlock.ErrInvalidCost
	}

	var result *unlock.ChargeResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		slotRef := s.client.Collection(s.slotsCollection).Doc(slotID(req.UserID, req.Component))
		acctRef := s.client.Collection(s.accountsCollection).Doc(req.UserID)

		// All reads happen before any write in a Firestore transaction.
		var staleEntRef *firestore.DocumentRef
		var staleEnt *unlock.Entitlement

		slotSnap, err := tx.Get(slotRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && slotSnap.Exists() {
			entID := getString(slotSnap.Data(), "entitlementId")
			entRef := s.client.Collection(s.entitlementsCollection).Doc(entID)
			entSnap, err := tx.Get(entRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && entSnap.Exists() {
				ent := docToEntitlement(entID, entSnap.Data())
				if ent.Live(now) {
					// A concurrent charge won the slot; reuse its row.
					result = &unlock.ChargeResult{
						Entitlement: ent,
						Charged:     0,
						Reused:      true,
					}
					return nil
				}
				if ent.Status == unlock.StatusActive {
					staleEntRef = entRef
					staleEnt = ent
				}
			}
		}

		acctSnap, err := tx.Get(acctRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return unlock.ErrAccountNotFound
			}
			return err
		}
		acct := docToAccount(req.UserID, acctSnap.Data())

		if acct.Available() < req.Cost {
			return &unlock.InsufficientCreditsError{
				UserID:    req.UserID,
				Component: req.Component,
				Required:  req.Cost,
				Remaining: acct.Available(),
			}
		}

		// The slot holds a logically expired row; transition it so at most
		// one active row exists per (user, component) after the write below.
		if staleEntRef != nil {
			if err := tx.Update(staleEntRef, []firestore.Update{
				{Path: "status", Value: string(unlock.StatusExpired)},
			}); err != nil {
				return err
			}
			if err := s.createAuditTx(tx, &unlock.AuditEvent{
				ID:            unlock.NewEventID(),
				Type:          unlock.EventExpire,
				EntitlementID: staleEnt.ID,
				UserID:        staleEnt.UserID,
				Component:     staleEnt.Component,
				OccurredAt:    now,
			}); err != nil {
				return err
			}
		}

		if err := tx.Update(acctRef, []firestore.Update{
			{Path: "consumedCredits", Value: acct.ConsumedCredits + req.Cost},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}

		ent := &unlock.Entitlement{
			ID:             req.EntitlementID,
			UserID:         req.UserID,
			Component:      req.Component,
			CreditsCharged: req.Cost,
			CreatedAt:      now,
			ExpiresAt:      now.Add(req.Window),
			Status:         unlock.StatusActive,
		}
		entRef := s.client.Collection(s.entitlementsCollection).Doc(ent.ID)
		if err := tx.Create(entRef, map[string]interface{}{
			"userId":         ent.UserID,
			"component":      ent.Component,
			"creditsCharged": ent.CreditsCharged,
			"createdAt":      ent.CreatedAt,
			"expiresAt":      ent.ExpiresAt,
			"status":         string(ent.Status),
		}); err != nil {
			return err
		}

		if err := tx.Set(slotRef, map[string]interface{}{
			"entitlementId": ent.ID,
			"userId":        ent.UserID,
			"component":     ent.Component,
		}); err != nil {
			return err
		}

		if err := s.createAuditTx(tx, &unlock.AuditEvent{
			ID:            unlock.NewEventID(),
			Type:          unlock.EventCharge,
			EntitlementID: ent.ID,
			UserID:        req.UserID,
			Component:     req.Component,
			CreditsDelta:  -req.Cost,
			OccurredAt:    now,
		}); err != nil {
			return err
		}

		result = &unlock.ChargeResult{
			Entitlement: ent,
			Charged:     req.Cost,
			Reused:      false,
			Remaining:   acct.Available() - req.Cost,
		}
		return nil
	})
	if err != nil {
		return nil, mapTxError(err)
	}

	// Reuse leaves the account untouched; fill Remaining from a plain read.
	if result.Reused {
		if acct, err := s.GetAccount(ctx, req.UserID); err == nil {
			result.Remaining = acct.Available()
		}
	}
	return result, nil
}

func (s *Storage) createAuditTx(tx *firestore.Transaction, ev *unlock.AuditEvent) error {
	ref := s.client.Collection(s.auditCollection).Doc(ev.ID)
	return tx.Create(ref, map[string]interface{}{
		"type":          string(ev.Type),
		"entitlementId": ev.EntitlementID,
		"userId":        ev.UserID,
		"component":     ev.Component,
		"creditsDelta":  ev.CreditsDelta,
		"occurredAt":    ev.OccurredAt,
	})
}

// ExpireEntitlement implements unlock.Store.
func (s *Storage) ExpireEntitlement(ctx context.Context, entitlementID string) (bool, error) {
	return s.transition(ctx, entitlementID, unlock.StatusExpired, unlock.EventExpire)
}

// EndEntitlement implements unlock.Store.
func (s *Storage) EndEntitlement(ctx context.Context, entitlementID string) (bool, error) {
	return s.transition(ctx, entitlementID, unlock.StatusManuallyEnded, unlock.EventEnd)
}

func (s *Storage) transition(ctx context.Context, entitlementID string,
	to unlock.EntitlementStatus, evType unlock.EventType) (bool, error) {
	transitioned := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		transitioned = false
		entRef := s.client.Collection(s.entitlementsCollection).Doc(entitlementID)

		entSnap, err := tx.Get(entRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return unlock.ErrEntitlementNotFound
			}
			return err
		}
		ent := docToEntitlement(entitlementID, entSnap.Data())

		// Guarded: a row already transitioned elsewhere is a silent no-op.
		if ent.Status != unlock.StatusActive {
			return nil
		}

		slotRef := s.client.Collection(s.slotsCollection).Doc(slotID(ent.UserID, ent.Component))
		slotSnap, err := tx.Get(slotRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		slotHeld := err == nil && slotSnap.Exists() &&
			getString(slotSnap.Data(), "entitlementId") == entitlementID

		if err := tx.Update(entRef, []firestore.Update{
			{Path: "status", Value: string(to)},
		}); err != nil {
			return err
		}
		if slotHeld {
			if err := tx.Delete(slotRef); err != nil {
				return err
			}
		}
		if err := s.createAuditTx(tx, &unlock.AuditEvent{
			ID:            unlock.NewEventID(),
			Type:          evType,
			EntitlementID: ent.ID,
			UserID:        ent.UserID,
			Component:     ent.Component,
			OccurredAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}

		transitioned = true
		return nil
	})
	if err != nil {
		return false, mapTxError(err)
	}
	return transitioned, nil
}

// ListExpiredActive implements unlock.Store.
func (s *Storage) ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*unlock.Entitlement, error) {
	if limit <= 0 {
		limit = 500
	}

	query := s.client.Collection(s.entitlementsCollection).
		Where("status", "==", string(unlock.StatusActive)).
		Where("expiresAt", "<", before).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*unlock.Entitlement
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list expired entitlements: %w", err)
		}
		out = append(out, docToEntitlement(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// AddPurchasedCredits implements unlock.Store.
func (s *Storage) AddPurchasedCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var topupRef *firestore.DocumentRef
		if idempotencyKey != "" {
			topupRef = s.client.Collection(s.topupsCollection).Doc(idempotencyKey)
			snap, err := tx.Get(topupRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && snap.Exists() {
				return unlock.ErrIdempotencyKeyExists
			}
		}

		acctRef := s.client.Collection(s.accountsCollection).Doc(userID)
		acctSnap, err := tx.Get(acctRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return unlock.ErrAccountNotFound
			}
			return err
		}
		acct := docToAccount(userID, acctSnap.Data())

		now := time.Now().UTC()
		if err := tx.Update(acctRef, []firestore.Update{
			{Path: "purchasedCredits", Value: acct.PurchasedCredits + amount},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}

		if topupRef != nil {
			if err := tx.Create(topupRef, map[string]interface{}{
				"userId":    userID,
				"amount":    amount,
				"appliedAt": now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return mapTxError(err)
}

// ApplyTierChange implements unlock.Store.
func (s *Storage) ApplyTierChange(ctx context.Context, req *unlock.TierChangeRequest) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acctRef := s.client.Collection(s.accountsCollection).Doc(req.UserID)
		acctSnap, err := tx.Get(acctRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return unlock.ErrAccountNotFound
			}
			return err
		}
		acct := docToAccount(req.UserID, acctSnap.Data())

		updates := []firestore.Update{
			{Path: "tier", Value: string(req.NewTier)},
			{Path: "monthlyAllocation", Value: req.MonthlyAllocation},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}
		if req.ResetConsumed {
			updates = append(updates, firestore.Update{Path: "consumedCredits", Value: 0})
		} else {
			updates = append(updates, firestore.Update{Path: "consumedCredits", Value: acct.ConsumedCredits})
		}
		if !req.ResetAt.IsZero() {
			updates = append(updates, firestore.Update{Path: "resetAt", Value: req.ResetAt})
		}

		return tx.Update(acctRef, updates)
	})
	return mapTxError(err)
}

// AppendAuditEvent implements unlock.Store.
func (s *Storage) AppendAuditEvent(ctx context.Context, ev *unlock.AuditEvent) error {
	id := ev.ID
	if id == "" {
		id = unlock.NewEventID()
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	_, err := s.client.Collection(s.auditCollection).Doc(id).Create(ctx, map[string]interface{}{
		"type":          string(ev.Type),
		"entitlementId": ev.EntitlementID,
		"userId":        ev.UserID,
		"component":     ev.Component,
		"creditsDelta":  ev.CreditsDelta,
		"occurredAt":    occurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents implements unlock.Store.
func (s *Storage) ListAuditEvents(ctx context.Context, filter unlock.AuditFilter) ([]*unlock.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.auditCollection).Query
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if filter.Component != "" {
		query = query.Where("component", "==", filter.Component)
	}
	if filter.Type != "" {
		query = query.Where("type", "==", string(filter.Type))
	}
	if filter.Since != nil {
		query = query.Where("occurredAt", ">=", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("occurredAt", "<", *filter.Until)
	}
	query = query.OrderBy("occurredAt", firestore.Desc).Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*unlock.AuditEvent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list audit events: %w", err)
		}
		data := snap.Data()
		out = append(out, &unlock.AuditEvent{
			ID:            snap.Ref.ID,
			Type:          unlock.EventType(getString(data, "type")),
			EntitlementID: getString(data, "entitlementId"),
			UserID:        getString(data, "userId"),
			Component:     getString(data, "component"),
			CreditsDelta:  getInt(data, "creditsDelta"),
			OccurredAt:    getTime(data, "occurredAt"),
		})
	}
	return out, nil
}

func docToAccount(userID string, data map[string]interface{}) *unlock.Account {
	return &unlock.Account{
		UserID:            userID,
		Tier:              unlock.Tier(getString(data, "tier")),
		MonthlyAllocation: getInt(data, "monthlyAllocation"),
		PurchasedCredits:  getInt(data, "purchasedCredits"),
		ConsumedCredits:   getInt(data, "consumedCredits"),
		ResetAt:           getTime(data, "resetAt"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func docToEntitlement(id string, data map[string]interface{}) *unlock.Entitlement {
	return &unlock.Entitlement{
		ID:             id,
		UserID:         getString(data, "userId"),
		Component:      getString(data, "component"),
		CreditsCharged: getInt(data, "creditsCharged"),
		CreatedAt:      getTime(data, "createdAt"),
		ExpiresAt:      getTime(data, "expiresAt"),
		Status:         unlock.EntitlementStatus(getString(data, "status")),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
