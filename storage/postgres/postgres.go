// Package postgres provides a PostgreSQL implementation of the unlock.Store
// interface. Charges run as SQL transactions with SELECT FOR UPDATE so that
// the balance check, the ledger increment, the entitlement insert and the
// audit event commit as one unit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Storage implements unlock.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id            TEXT PRIMARY KEY,
			tier               TEXT NOT NULL,
			monthly_allocation INTEGER NOT NULL DEFAULT 0,
			purchased_credits  INTEGER NOT NULL DEFAULT 0,
			consumed_credits   INTEGER NOT NULL DEFAULT 0,
			reset_at           TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS entitlements (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			component       TEXT NOT NULL,
			credits_charged INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS entitlements_active_slot
			ON entitlements (user_id, component) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS entitlements_expiry_scan
			ON entitlements (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id             TEXT PRIMARY KEY,
			event_type     TEXT NOT NULL,
			entitlement_id TEXT,
			user_id        TEXT NOT NULL,
			component      TEXT,
			credits_delta  INTEGER NOT NULL DEFAULT 0,
			occurred_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_user_time
			ON audit_events (user_id, occurred_at DESC)`,
		`CREATE TABLE IF NOT EXISTS topup_records (
			idempotency_key TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			applied_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Now implements unlock.TimeSource using database time, keeping expiry
// comparisons consistent across application servers with skewed clocks.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// mapTxError translates serialization and deadlock failures into a retryable
// conflict error; everything else passes through.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("sqlstate %s: %w", pgErr.Code, unlock.ErrTxConflict)
		}
		// 23505 unique_violation on the active slot means a concurrent
		// charge won the insert race after our slot check. Retryable.
		if pgErr.Code == "23505" && pgErr.ConstraintName == "entitlements_active_slot" {
			return fmt.Errorf("active slot taken: %w", unlock.ErrTxConflict)
		}
	}
	return err
}

// GetAccount implements unlock.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*unlock.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, tier, monthly_allocation, purchased_credits, consumed_credits,
				reset_at, created_at, updated_at
			FROM credit_accounts WHERE user_id = $1`, userID))
	if err == pgx.ErrNoRows {
		return nil, unlock.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*unlock.Account, error) {
	var acct unlock.Account
	var resetAt *time.Time
	err := row.Scan(
		&acct.UserID,
		&acct.Tier,
		&acct.MonthlyAllocation,
		&acct.PurchasedCredits,
		&acct.ConsumedCredits,
		&resetAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if resetAt != nil {
		acct.ResetAt = *resetAt
	}
	return &acct, nil
}

func scanEntitlement(row rowScanner) (*unlock.Entitlement, error) {
	var ent unlock.Entitlement
	err := row.Scan(
		&ent.ID,
		&ent.UserID,
		&ent.Component,
		&ent.CreditsCharged,
		&ent.CreatedAt,
		&ent.ExpiresAt,
		&ent.Status,
	)
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// PutAccount implements unlock.Store.
func (s *Storage) PutAccount(ctx context.Context, acct *unlock.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	var resetAt *time.Time
	if !acct.ResetAt.IsZero() {
		resetAt = &acct.ResetAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts
				(user_id, tier, monthly_allocation, purchased_credits, consumed_credits, reset_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				monthly_allocation = EXCLUDED.monthly_allocation,
				purchased_credits = EXCLUDED.purchased_credits,
				consumed_credits = EXCLUDED.consumed_credits,
				reset_at = EXCLUDED.reset_at,
				updated_at = NOW()`,
		acct.UserID, string(acct.Tier), acct.MonthlyAllocation,
		acct.PurchasedCredits, acct.ConsumedCredits, resetAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// GetActiveEntitlement implements unlock.Store.
func (s *Storage) GetActiveEntitlement(ctx context.Context, userID, component string) (*unlock.Entitlement, error) {
	ent, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT id, user_id, component, credits_charged, created_at, expires_at, status
			FROM entitlements
			WHERE user_id = $1 AND component = $2 AND status = 'active'`,
		userID, component))
	if err == pgx.ErrNoRows {
		return nil, unlock.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active entitlement: %w", err)
	}
	return ent, nil
}

// Charge implements unlock.Store. The entire charge path runs inside one
// transaction: slot re-check, account lock, balance check, ledger increment,
// entitlement insert and charge audit event.
func (s *Storage) Charge(ctx context.Context, req *unlock.ChargeRequest) (*unlock.ChargeResult, error) {
	if req.Cost < 0 {
		return nil, unlock.ErrInvalidCost
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapTxError(err))
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the account row first. Every charge for a user serializes here,
	// which also orders competing slot inserts.
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT user_id, tier, monthly_allocation, purchased_credits, consumed_credits,
				reset_at, created_at, updated_at
			FROM credit_accounts WHERE user_id = $1
			FOR UPDATE`, req.UserID))
	if err == pgx.ErrNoRows {
		return nil, unlock.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", mapTxError(err))
	}

	now := time.Now().UTC()

	// Re-check the active slot: a concurrent charge may have won between the
	// caller's fast-path read and this transaction.
	existing, err := scanEntitlement(tx.QueryRow(ctx,
		`SELECT id, user_id, component, credits_charged, created_at, expires_at, status
			FROM entitlements
			WHERE user_id = $1 AND component = $2 AND status = 'active'
			FOR UPDATE`,
		req.UserID, req.Component))
	switch {
	case err == nil && existing.Live(now):
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit: %w", mapTxError(commitErr))
		}
		return &unlock.ChargeResult{
			Entitlement: existing,
			Charged:     0,
			Reused:      true,
			Remaining:   acct.Available(),
		}, nil
	case err == nil:
		// The slot holds a logically expired row. Transition it here so the
		// unique active-slot index admits the insert below.
		if err := transitionTx(ctx, tx, existing, unlock.StatusExpired, unlock.EventExpire, now); err != nil {
			return nil, fmt.Errorf("failed to expire stale entitlement: %w", mapTxError(err))
		}
	case err != pgx.ErrNoRows:
		return nil, fmt.Errorf("failed to check active entitlement: %w", mapTxError(err))
	}

	if acct.Available() < req.Cost {
		return nil, &unlock.InsufficientCreditsError{
			UserID:    req.UserID,
			Component: req.Component,
			Required:  req.Cost,
			Remaining: acct.Available(),
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_accounts
			SET consumed_credits = consumed_credits + $1, updated_at = NOW()
			WHERE user_id = $2`,
		req.Cost, req.UserID); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", mapTxError(err))
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
	if _, err := tx.Exec(ctx,
		`INSERT INTO entitlements (id, user_id, component, credits_charged, created_at, expires_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'active')`,
		ent.ID, ent.UserID, ent.Component, ent.CreditsCharged, ent.CreatedAt, ent.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to insert entitlement: %w", mapTxError(err))
	}

	if err := insertAuditTx(ctx, tx, &unlock.AuditEvent{
		ID:            unlock.NewEventID(),
		Type:          unlock.EventCharge,
		EntitlementID: ent.ID,
		UserID:        req.UserID,
		Component:     req.Component,
		CreditsDelta:  -req.Cost,
		OccurredAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record charge event: %w", mapTxError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", mapTxError(err))
	}

	return &unlock.ChargeResult{
		Entitlement: ent,
		Charged:     req.Cost,
		Reused:      false,
		Remaining:   acct.Available() - req.Cost,
	}, nil
}

// transitionTx flips one locked active row and records the audit event.
func transitionTx(ctx context.Context, tx pgx.Tx, ent *unlock.Entitlement,
	to unlock.EntitlementStatus, evType unlock.EventType, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE entitlements SET status = $1 WHERE id = $2 AND status = 'active'`,
		string(to), ent.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return insertAuditTx(ctx, tx, &unlock.AuditEvent{
		ID:            unlock.NewEventID(),
		Type:          evType,
		EntitlementID: ent.ID,
		UserID:        ent.UserID,
		Component:     ent.Component,
		OccurredAt:    now,
	})
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, ev *unlock.AuditEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_events (id, event_type, entitlement_id, user_id, component, credits_delta, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, string(ev.Type), ev.EntitlementID, ev.UserID, ev.Component, ev.CreditsDelta, ev.OccurredAt)
	return err
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", mapTxError(err))
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	ent, err := scanEntitlement(tx.QueryRow(ctx,
		`SELECT id, user_id, component, credits_charged, created_at, expires_at, status
			FROM entitlements WHERE id = $1
			FOR UPDATE`, entitlementID))
	if err == pgx.ErrNoRows {
		return false, unlock.ErrEntitlementNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock entitlement: %w", mapTxError(err))
	}

	// Guarded: a row already transitioned elsewhere is a silent no-op.
	if ent.Status != unlock.StatusActive {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return false, fmt.Errorf("failed to commit: %w", mapTxError(commitErr))
		}
		return false, nil
	}

	if err := transitionTx(ctx, tx, ent, to, evType, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("failed to transition entitlement: %w", mapTxError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", mapTxError(err))
	}
	return true, nil
}

// ListExpiredActive implements unlock.Store.
func (s *Storage) ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*unlock.Entitlement, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, component, credits_charged, created_at, expires_at, status
			FROM entitlements
			WHERE status = 'active' AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired entitlements: %w", err)
	}
	defer rows.Close()

	var out []*unlock.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entitlements: %w", err)
	}
	return out, nil
}

// AddPurchasedCredits implements unlock.Store.
func (s *Storage) AddPurchasedCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapTxError(err))
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if idempotencyKey != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO topup_records (idempotency_key, user_id, amount)
				VALUES ($1, $2, $3)
				ON CONFLICT (idempotency_key) DO NOTHING`,
			idempotencyKey, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to record top-up: %w", mapTxError(err))
		}
		if tag.RowsAffected() == 0 {
			return unlock.ErrIdempotencyKeyExists
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE credit_accounts
			SET purchased_credits = purchased_credits + $1, updated_at = NOW()
			WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("failed to add purchased credits: %w", mapTxError(err))
	}
	if tag.RowsAffected() == 0 {
		return unlock.ErrAccountNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapTxError(err))
	}
	return nil
}

// ApplyTierChange implements unlock.Store.
func (s *Storage) ApplyTierChange(ctx context.Context, req *unlock.TierChangeRequest) error {
	var resetAt *time.Time
	if !req.ResetAt.IsZero() {
		resetAt = &req.ResetAt
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE credit_accounts
			SET tier = $1,
				monthly_allocation = $2,
				consumed_credits = CASE WHEN $3 THEN 0 ELSE consumed_credits END,
				reset_at = COALESCE($4, reset_at),
				updated_at = NOW()
			WHERE user_id = $5`,
		string(req.NewTier), req.MonthlyAllocation, req.ResetConsumed, resetAt, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to apply tier change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return unlock.ErrAccountNotFound
	}
	return nil
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, event_type, entitlement_id, user_id, component, credits_delta, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(ev.Type), ev.EntitlementID, ev.UserID, ev.Component, ev.CreditsDelta, occurredAt)
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

	query := `SELECT id, event_type, entitlement_id, user_id, component, credits_delta, occurred_at
		FROM audit_events WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += ` AND user_id = ` + arg(filter.UserID)
	}
	if filter.Component != "" {
		query += ` AND component = ` + arg(filter.Component)
	}
	if filter.Type != "" {
		query += ` AND event_type = ` + arg(string(filter.Type))
	}
	if filter.Since != nil {
		query += ` AND occurred_at >= ` + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += ` AND occurred_at < ` + arg(*filter.Until)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*unlock.AuditEvent
	for rows.Next() {
		var ev unlock.AuditEvent
		var entitlementID, component *string
		if err := rows.Scan(&ev.ID, &ev.Type, &entitlementID, &ev.UserID,
			&component, &ev.CreditsDelta, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if entitlementID != nil {
			ev.EntitlementID = *entitlementID
		}
		if component != nil {
			ev.Component = *component
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return out, nil
}
