// Package instrumented wraps any unlock.Store with metrics instrumentation.
// Every call is timed and its error outcome recorded, labelled by operation.
package instrumented

import (
	"context"
	"time"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Storage decorates an unlock.Store with per-operation metrics.
type Storage struct {
	inner   unlock.Store
	metrics unlock.Metrics
}

// New wraps the given store. A nil metrics falls back to NoopMetrics.
func New(inner unlock.Store, metrics unlock.Metrics) *Storage {
	if metrics == nil {
		metrics = &unlock.NoopMetrics{}
	}
	return &Storage{inner: inner, metrics: metrics}
}

func (s *Storage) observe(operation string, started time.Time, err error) {
	s.metrics.RecordStoreOperation(operation, time.Since(started), err)
}

func (s *Storage) GetAccount(ctx context.Context, userID string) (*unlock.Account, error) {
	started := time.Now()
	acct, err := s.inner.GetAccount(ctx, userID)
	s.observe("get_account", started, err)
	return acct, err
}

func (s *Storage) PutAccount(ctx context.Context, acct *unlock.Account) error {
	started := time.Now()
	err := s.inner.PutAccount(ctx, acct)
	s.observe("put_account", started, err)
	return err
}

func (s *Storage) GetActiveEntitlement(ctx context.Context, userID, component string) (*unlock.Entitlement, error) {
	started := time.Now()
	ent, err := s.inner.GetActiveEntitlement(ctx, userID, component)
	s.observe("get_active_entitlement", started, err)
	return ent, err
}

func (s *Storage) Charge(ctx context.Context, req *unlock.ChargeRequest) (*unlock.ChargeResult, error) {
	started := time.Now()
	res, err := s.inner.Charge(ctx, req)
	s.observe("charge", started, err)
	return res, err
}

func (s *Storage) ExpireEntitlement(ctx context.Context, entitlementID string) (bool, error) {
	started := time.Now()
	ok, err := s.inner.ExpireEntitlement(ctx, entitlementID)
	s.observe("expire_entitlement", started, err)
	return ok, err
}

func (s *Storage) EndEntitlement(ctx context.Context, entitlementID string) (bool, error) {
	started := time.Now()
	ok, err := s.inner.EndEntitlement(ctx, entitlementID)
	s.observe("end_entitlement", started, err)
	return ok, err
}

func (s *Storage) ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*unlock.Entitlement, error) {
	started := time.Now()
	rows, err := s.inner.ListExpiredActive(ctx, before, limit)
	s.observe("list_expired_active", started, err)
	return rows, err
}

func (s *Storage) AddPurchasedCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	started := time.Now()
	err := s.inner.AddPurchasedCredits(ctx, userID, amount, idempotencyKey)
	s.observe("add_purchased_credits", started, err)
	return err
}

func (s *Storage) ApplyTierChange(ctx context.Context, req *unlock.TierChangeRequest) error {
	started := time.Now()
	err := s.inner.ApplyTierChange(ctx, req)
	s.observe("apply_tier_change", started, err)
	return err
}

func (s *Storage) AppendAuditEvent(ctx context.Context, ev *unlock.AuditEvent) error {
	started := time.Now()
	err := s.inner.AppendAuditEvent(ctx, ev)
	s.observe("append_audit_event", started, err)
	return err
}

func (s *Storage) ListAuditEvents(ctx context.Context, filter unlock.AuditFilter) ([]*unlock.AuditEvent, error) {
	started := time.Now()
	events, err := s.inner.ListAuditEvents(ctx, filter)
	s.observe("list_audit_events", started, err)
	return events, err
}
