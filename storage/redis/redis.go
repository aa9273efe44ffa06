// Package redis provides a Redis implementation of the unlock.Store
// interface. Multi-key mutations run as Lua scripts so the balance check,
// the ledger increment, the entitlement write and the audit event apply
// atomically. Every key a script touches is declared in KEYS; on Redis
// Cluster the keys must hash to one slot, so use a hash-tagged KeyPrefix
// such as "{gounlock}:".
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gounlock/pkg/unlock"
)

// Storage implements unlock.Store using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gounlock:").
	// On Redis Cluster use a hash tag, e.g. "{gounlock}:", so the keys of a
	// multi-key script land in the same hash slot.
	KeyPrefix string

	// MaxAuditLen caps the global audit list; older entries are trimmed
	// (default: 10000, 0 = unbounded).
	MaxAuditLen int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "gounlock:",
		MaxAuditLen: 10000,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gounlock:"
	}
	if config.MaxAuditLen == 0 {
		config.MaxAuditLen = 10000
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// Records stored in Redis carry unix timestamps so the Lua scripts can
// compare expiry numerically.

type accountRecord struct {
	UserID            string `json:"user_id"`
	Tier              string `json:"tier"`
	MonthlyAllocation int    `json:"monthly_allocation"`
	PurchasedCredits  int    `json:"purchased_credits"`
	ConsumedCredits   int    `json:"consumed_credits"`
	ResetUnix         int64  `json:"reset_unix"`
	CreatedUnix       int64  `json:"created_unix"`
	UpdatedUnix       int64  `json:"updated_unix"`
}

type entitlementRecord struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Component      string `json:"component"`
	CreditsCharged int    `json:"credits_charged"`
	CreatedUnix    int64  `json:"created_unix"`
	ExpiresUnix    int64  `json:"expires_unix"`
	Status         string `json:"status"`
}

type eventRecord struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	EntitlementID string `json:"entitlement_id"`
	UserID        string `json:"user_id"`
	Component     string `json:"component"`
	CreditsDelta  int    `json:"credits_delta"`
	OccurredUnix  int64  `json:"occurred_unix"`
}

func toAccountRecord(acct *unlock.Account) *accountRecord {
	rec := &accountRecord{
		UserID:            acct.UserID,
		Tier:              string(acct.Tier),
		MonthlyAllocation: acct.MonthlyAllocation,
		PurchasedCredits:  acct.PurchasedCredits,
		ConsumedCredits:   acct.ConsumedCredits,
	}
	if !acct.ResetAt.IsZero() {
		rec.ResetUnix = acct.ResetAt.Unix()
	}
	if !acct.CreatedAt.IsZero() {
		rec.CreatedUnix = acct.CreatedAt.Unix()
	}
	if !acct.UpdatedAt.IsZero() {
		rec.UpdatedUnix = acct.UpdatedAt.Unix()
	}
	return rec
}

func (r *accountRecord) toAccount() *unlock.Account {
	acct := &unlock.Account{
		UserID:            r.UserID,
		Tier:              unlock.Tier(r.Tier),
		MonthlyAllocation: r.MonthlyAllocation,
		PurchasedCredits:  r.PurchasedCredits,
		ConsumedCredits:   r.ConsumedCredits,
	}
	if r.ResetUnix > 0 {
		acct.ResetAt = time.Unix(r.ResetUnix, 0).UTC()
	}
	if r.CreatedUnix > 0 {
		acct.CreatedAt = time.Unix(r.CreatedUnix, 0).UTC()
	}
	if r.UpdatedUnix > 0 {
		acct.UpdatedAt = time.Unix(r.UpdatedUnix, 0).UTC()
	}
	return acct
}

func (r *entitlementRecord) toEntitlement() *unlock.Entitlement {
	return &unlock.Entitlement{
		ID:             r.ID,
		UserID:         r.UserID,
		Component:      r.Component,
		CreditsCharged: r.CreditsCharged,
		CreatedAt:      time.Unix(r.CreatedUnix, 0).UTC(),
		ExpiresAt:      time.Unix(r.ExpiresUnix, 0).UTC(),
		Status:         unlock.EntitlementStatus(r.Status),
	}
}

func (r *eventRecord) toEvent() *unlock.AuditEvent {
	return &unlock.AuditEvent{
		ID:            r.ID,
		Type:          unlock.EventType(r.Type),
		EntitlementID: r.EntitlementID,
		UserID:        r.UserID,
		Component:     r.Component,
		CreditsDelta:  r.CreditsDelta,
		OccurredAt:    time.Unix(r.OccurredUnix, 0).UTC(),
	}
}

func (s *Storage) accountKey(userID string) string {
	return s.config.KeyPrefix + "account:" + userID
}

func (s *Storage) entitlementKey(id string) string {
	return s.config.KeyPrefix + "entitlement:" + id
}

func (s *Storage) slotKey(userID, component string) string {
	return s.config.KeyPrefix + "slot:" + userID + ":" + component
}

func (s *Storage) expiryKey() string {
	return s.config.KeyPrefix + "expiry"
}

func (s *Storage) auditKey(userID string) string {
	return s.config.KeyPrefix + "audit:user:" + userID
}

func (s *Storage) auditLogKey() string {
	return s.config.KeyPrefix + "audit:log"
}

func (s *Storage) topupKey(idempotencyKey string) string {
	return s.config.KeyPrefix + "topup:" + idempotencyKey
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *Storage) loadScripts() {
	// Charge: slot re-check, balance check, ledger increment, entitlement
	// insert and charge audit event, all in one atomic unit. The current slot
	// winner is read before the call so its key can be declared in KEYS; the
	// script bails out with 'conflict' when the slot moved in between and the
	// resolver retries.
	s.scripts["charge"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local slotKey = KEYS[2]
		local expiryKey = KEYS[3]
		local entKey = KEYS[4]
		local userAuditKey = KEYS[5]
		local logAuditKey = KEYS[6]
		local curKey = KEYS[7]
		local cost = tonumber(ARGV[1])
		local now = tonumber(ARGV[2])
		local entData = ARGV[3]
		local entID = ARGV[4]
		local expiresAt = tonumber(ARGV[5])
		local chargeEvent = ARGV[6]
		local expireEvent = ARGV[7]
		local curID = ARGV[8]
		local maxAuditLen = tonumber(ARGV[9])

		local function append_audit(payload)
			redis.call('LPUSH', userAuditKey, payload)
			redis.call('LPUSH', logAuditKey, payload)
			if maxAuditLen > 0 then
				redis.call('LTRIM', logAuditKey, 0, maxAuditLen - 1)
			end
		end

		local slotNow = redis.call('GET', slotKey)
		if curID == '' then
			if slotNow then
				return {'conflict'}
			end
		elseif slotNow ~= curID then
			return {'conflict'}
		end

		if curID ~= '' then
			local raw = redis.call('GET', curKey)
			if raw then
				local cur = cjson.decode(raw)
				if cur.status == 'active' and cur.expires_unix > now then
					return {'reused', raw}
				end
				if cur.status == 'active' then
					-- Logically expired slot winner: transition it here so
					-- one active row per slot holds after the insert below.
					cur.status = 'expired'
					redis.call('SET', curKey, cjson.encode(cur))
					redis.call('ZREM', expiryKey, curID)
					local ev = cjson.decode(expireEvent)
					ev.entitlement_id = curID
					append_audit(cjson.encode(ev))
				end
			end
			redis.call('DEL', slotKey)
		end

		local rawAcct = redis.call('GET', accountKey)
		if not rawAcct then
			return {'no_account'}
		end
		local acct = cjson.decode(rawAcct)
		local available = acct.monthly_allocation + acct.purchased_credits - acct.consumed_credits
		if available < cost then
			return {'insufficient', available}
		end

		acct.consumed_credits = acct.consumed_credits + cost
		acct.updated_unix = now
		redis.call('SET', accountKey, cjson.encode(acct))

		redis.call('SET', entKey, entData)
		redis.call('SET', slotKey, entID)
		redis.call('ZADD', expiryKey, expiresAt, entID)
		append_audit(chargeEvent)

		return {'charged', available - cost}
	`)

	// Transition: guarded status flip plus audit event. The slot and audit
	// keys are derived from the entitlement's user and component, which never
	// change, so the caller reads the row first and declares them in KEYS.
	s.scripts["transition"] = redis.NewScript(`
		local entKey = KEYS[1]
		local expiryKey = KEYS[2]
		local logAuditKey = KEYS[3]
		local userAuditKey = KEYS[4]
		local slotKey = KEYS[5]
		local newStatus = ARGV[1]
		local payload = ARGV[2]
		local entID = ARGV[3]
		local maxAuditLen = tonumber(ARGV[4])

		local raw = redis.call('GET', entKey)
		if not raw then
			return 'not_found'
		end
		local ent = cjson.decode(raw)
		if ent.status ~= 'active' then
			return 'noop'
		end

		ent.status = newStatus
		redis.call('SET', entKey, cjson.encode(ent))
		redis.call('ZREM', expiryKey, entID)

		if redis.call('GET', slotKey) == entID then
			redis.call('DEL', slotKey)
		end

		redis.call('LPUSH', userAuditKey, payload)
		redis.call('LPUSH', logAuditKey, payload)
		if maxAuditLen > 0 then
			redis.call('LTRIM', logAuditKey, 0, maxAuditLen - 1)
		end

		return 'ok'
	`)

	// Top-up: idempotency check plus purchased credit increment.
	s.scripts["topup"] = redis.NewScript(`
		local topupKey = KEYS[1]
		local accountKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local now = tonumber(ARGV[2])

		if topupKey ~= '' and redis.call('EXISTS', topupKey) == 1 then
			return 'duplicate'
		end

		local raw = redis.call('GET', accountKey)
		if not raw then
			return 'no_account'
		end
		local acct = cjson.decode(raw)
		acct.purchased_credits = acct.purchased_credits + amount
		acct.updated_unix = now
		redis.call('SET', accountKey, cjson.encode(acct))

		if topupKey ~= '' then
			redis.call('SET', topupKey, '1')
		end
		return 'ok'
	`)

	// Tier change: rewrite subscription fields on the account record.
	s.scripts["tierChange"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local newTier = ARGV[1]
		local allocation = tonumber(ARGV[2])
		local resetConsumed = tonumber(ARGV[3])
		local resetUnix = tonumber(ARGV[4])
		local now = tonumber(ARGV[5])

		local raw = redis.call('GET', accountKey)
		if not raw then
			return 'no_account'
		end
		local acct = cjson.decode(raw)
		acct.tier = newTier
		acct.monthly_allocation = allocation
		if resetConsumed == 1 then
			acct.consumed_credits = 0
		end
		if resetUnix > 0 then
			acct.reset_unix = resetUnix
		end
		acct.updated_unix = now
		redis.call('SET', accountKey, cjson.encode(acct))
		return 'ok'
	`)
}

// Now implements unlock.TimeSource using Redis server time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

// GetAccount implements unlock.Store.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*unlock.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, unlock.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return rec.toAccount(), nil
}

// PutAccount implements unlock.Store.
func (s *Storage) PutAccount(ctx context.Context, acct *unlock.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	rec := toAccountRecord(acct)
	now := time.Now().UTC().Unix()
	if rec.CreatedUnix == 0 {
		rec.CreatedUnix = now
	}
	rec.UpdatedUnix = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.client.Set(ctx, s.accountKey(acct.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set account: %w", err)
	}
	return nil
}

// GetActiveEntitlement implements unlock.Store.
func (s *Storage) GetActiveEntitlement(ctx context.Context, userID, component string) (*unlock.Entitlement, error) {
	id, err := s.client.Get(ctx, s.slotKey(userID, component)).Result()
	if err == redis.Nil {
		return nil, unlock.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active slot: %w", err)
	}

	ent, err := s.getEntitlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.Status != unlock.StatusActive {
		return nil, unlock.ErrEntitlementNotFound
	}
	return ent, nil
}

func (s *Storage) getEntitlement(ctx context.Context, id string) (*unlock.Entitlement, error) {
	data, err := s.client.Get(ctx, s.entitlementKey(id)).Bytes()
	if err == redis.Nil {
		return nil, unlock.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var rec entitlementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return rec.toEntitlement(), nil
}

// Charge implements unlock.Store.
func (s *Storage) Charge(ctx context.Context, req *unlock.ChargeRequest) (*unlock.ChargeResult, error) {
	if req.Cost < 0 {
		return nil, unlock.ErrInvalidCost
	}

	now := time.Now().UTC()
	expiresAt := now.Add(req.Window)

	entRec := entitlementRecord{
		ID:             req.EntitlementID,
		UserID:         req.UserID,
		Component:      req.Component,
		CreditsCharged: req.Cost,
		CreatedUnix:    now.Unix(),
		ExpiresUnix:    expiresAt.Unix(),
		Status:         string(unlock.StatusActive),
	}
	entData, err := json.Marshal(entRec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	chargeEvent, err := json.Marshal(eventRecord{
		ID:            unlock.NewEventID(),
		Type:          string(unlock.EventCharge),
		EntitlementID: req.EntitlementID,
		UserID:        req.UserID,
		Component:     req.Component,
		CreditsDelta:  -req.Cost,
		OccurredUnix:  now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge event: %w", err)
	}

	// Template for the lazy expiry of a stale slot winner; the script fills
	// in the entitlement ID.
	expireEvent, err := json.Marshal(eventRecord{
		ID:           unlock.NewEventID(),
		Type:         string(unlock.EventExpire),
		UserID:       req.UserID,
		Component:    req.Component,
		OccurredUnix: now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal expire event: %w", err)
	}

	// Snapshot the slot winner so its entitlement key can go into KEYS.
	curID, err := s.client.Get(ctx, s.slotKey(req.UserID, req.Component)).Result()
	if err == redis.Nil {
		curID = ""
	} else if err != nil {
		return nil, fmt.Errorf("failed to read active slot: %w", err)
	}
	curKey := s.entitlementKey(req.EntitlementID)
	if curID != "" {
		curKey = s.entitlementKey(curID)
	}

	result, err := s.scripts["charge"].Run(
		ctx,
		s.client,
		[]string{
			s.accountKey(req.UserID),
			s.slotKey(req.UserID, req.Component),
			s.expiryKey(),
			s.entitlementKey(req.EntitlementID),
			s.auditKey(req.UserID),
			s.auditLogKey(),
			curKey,
		},
		req.Cost,
		now.Unix(),
		string(entData),
		req.EntitlementID,
		expiresAt.Unix(),
		string(chargeEvent),
		string(expireEvent),
		curID,
		s.config.MaxAuditLen,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute charge script: %w", err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("unexpected charge script result: %v", result)
	}
	status, _ := parts[0].(string)

	switch status {
	case "reused":
		raw, _ := parts[1].(string)
		var rec entitlementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reused entitlement: %w", err)
		}
		acct, err := s.GetAccount(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return &unlock.ChargeResult{
			Entitlement: rec.toEntitlement(),
			Charged:     0,
			Reused:      true,
			Remaining:   acct.Available(),
		}, nil
	case "conflict":
		// The slot moved between the snapshot and the script.
		return nil, unlock.ErrTxConflict
	case "no_account":
		return nil, unlock.ErrAccountNotFound
	case "insufficient":
		remaining := toInt(parts[1])
		return nil, &unlock.InsufficientCreditsError{
			UserID:    req.UserID,
			Component: req.Component,
			Required:  req.Cost,
			Remaining: remaining,
		}
	case "charged":
		return &unlock.ChargeResult{
			Entitlement: entRec.toEntitlement(),
			Charged:     req.Cost,
			Reused:      false,
			Remaining:   toInt(parts[1]),
		}, nil
	default:
		return nil, fmt.Errorf("unexpected charge status %q", status)
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case string:
		var out int
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
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
	// User and component are immutable on an entitlement, so a plain read is
	// enough to name the slot and audit keys; the script re-checks the status.
	ent, err := s.getEntitlement(ctx, entitlementID)
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(eventRecord{
		ID:            unlock.NewEventID(),
		Type:          string(evType),
		EntitlementID: entitlementID,
		UserID:        ent.UserID,
		Component:     ent.Component,
		OccurredUnix:  time.Now().UTC().Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal audit event: %w", err)
	}

	result, err := s.scripts["transition"].Run(
		ctx,
		s.client,
		[]string{
			s.entitlementKey(entitlementID),
			s.expiryKey(),
			s.auditLogKey(),
			s.auditKey(ent.UserID),
			s.slotKey(ent.UserID, ent.Component),
		},
		string(to),
		string(payload),
		entitlementID,
		s.config.MaxAuditLen,
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to execute transition script: %w", err)
	}

	switch result {
	case "ok":
		return true, nil
	case "noop":
		return false, nil
	case "not_found":
		return false, unlock.ErrEntitlementNotFound
	default:
		return false, fmt.Errorf("unexpected transition result: %v", result)
	}
}

// ListExpiredActive implements unlock.Store.
func (s *Storage) ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*unlock.Entitlement, error) {
	if limit <= 0 {
		limit = 500
	}

	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", before.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan expiry index: %w", err)
	}

	var out []*unlock.Entitlement
	for _, id := range ids {
		ent, err := s.getEntitlement(ctx, id)
		if err == unlock.ErrEntitlementNotFound {
			// Index entry for a deleted row; drop it.
			s.client.ZRem(ctx, s.expiryKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if ent.Status == unlock.StatusActive && ent.ExpiresAt.Before(before) {
			out = append(out, ent)
		}
	}
	return out, nil
}

// AddPurchasedCredits implements unlock.Store.
func (s *Storage) AddPurchasedCredits(ctx context.Context, userID string, amount int, idempotencyKey string) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	topupKey := ""
	if idempotencyKey != "" {
		topupKey = s.topupKey(idempotencyKey)
	}

	result, err := s.scripts["topup"].Run(
		ctx,
		s.client,
		[]string{topupKey, s.accountKey(userID)},
		amount,
		time.Now().UTC().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to execute topup script: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "duplicate":
		return unlock.ErrIdempotencyKeyExists
	case "no_account":
		return unlock.ErrAccountNotFound
	default:
		return fmt.Errorf("unexpected topup result: %v", result)
	}
}

// ApplyTierChange implements unlock.Store.
func (s *Storage) ApplyTierChange(ctx context.Context, req *unlock.TierChangeRequest) error {
	resetConsumed := 0
	if req.ResetConsumed {
		resetConsumed = 1
	}
	resetUnix := int64(0)
	if !req.ResetAt.IsZero() {
		resetUnix = req.ResetAt.Unix()
	}

	result, err := s.scripts["tierChange"].Run(
		ctx,
		s.client,
		[]string{s.accountKey(req.UserID)},
		string(req.NewTier),
		req.MonthlyAllocation,
		resetConsumed,
		resetUnix,
		time.Now().UTC().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to execute tier change script: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "no_account":
		return unlock.ErrAccountNotFound
	default:
		return fmt.Errorf("unexpected tier change result: %v", result)
	}
}

// AppendAuditEvent implements unlock.Store.
func (s *Storage) AppendAuditEvent(ctx context.Context, ev *unlock.AuditEvent) error {
	rec := eventRecord{
		ID:            ev.ID,
		Type:          string(ev.Type),
		EntitlementID: ev.EntitlementID,
		UserID:        ev.UserID,
		Component:     ev.Component,
		CreditsDelta:  ev.CreditsDelta,
		OccurredUnix:  ev.OccurredAt.Unix(),
	}
	if rec.ID == "" {
		rec.ID = unlock.NewEventID()
	}
	if ev.OccurredAt.IsZero() {
		rec.OccurredUnix = time.Now().UTC().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(ev.UserID), data)
	pipe.LPush(ctx, s.auditLogKey(), data)
	if s.config.MaxAuditLen > 0 {
		pipe.LTrim(ctx, s.auditLogKey(), 0, int64(s.config.MaxAuditLen-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
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

	key := s.auditLogKey()
	if filter.UserID != "" {
		key = s.auditKey(filter.UserID)
	}

	// Lists are newest first; over-fetch when secondary filters apply.
	scan := int64(limit)
	if filter.Component != "" || filter.Type != "" || filter.Since != nil || filter.Until != nil {
		scan = int64(limit) * 10
	}

	raw, err := s.client.LRange(ctx, key, 0, scan-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	var out []*unlock.AuditEvent
	for _, item := range raw {
		var rec eventRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit event: %w", err)
		}
		ev := rec.toEvent()
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
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
