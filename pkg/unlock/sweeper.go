package unlock

import (
	"context"
	"sync/atomic"
	"time"
)

// Sweeper periodically transitions entitlements past their validity window
// from active to expired. Correctness never depends on its cadence: readers
// treat a past ExpiresAt as inactive regardless, so the sweeper is a cleanup
// and audit mechanism. It never touches credits.
type Sweeper struct {
	store  Store
	config SweeperConfig

	// running guards against overlapping runs.
	running atomic.Bool
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store Store, config SweeperConfig) (*Sweeper, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	// Set defaults
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Sweeper{store: store, config: config}, nil
}

// Sweep scans for active rows whose window has passed and transitions each
// one, emitting the expire audit event per row. Idempotent: a second
// immediate run finds no matching rows. A row already transitioned by a lazy
// reader counts as skipped, not as an error, and a single row failure is
// logged and does not abort the run.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.config.Logger.Debug("sweep already in progress, skipping")
		return 0, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	now := started.UTC()
	transitioned := 0

	for {
		rows, err := s.store.ListExpiredActive(ctx, now, s.config.BatchSize)
		if err != nil {
			s.config.Metrics.RecordSweep(transitioned, time.Since(started))
			return transitioned, err
		}
		if len(rows) == 0 {
			break
		}

		progressed := false
		for _, ent := range rows {
			ok, err := s.store.ExpireEntitlement(ctx, ent.ID)
			if err != nil {
				s.config.Logger.Warn("failed to expire entitlement",
					Field{"entitlement_id", ent.ID},
					Field{"user_id", ent.UserID},
					Field{"error", err})
				continue
			}
			progressed = true
			if ok {
				transitioned++
			}
		}

		// Every row in the batch failed; bail out rather than refetch the
		// same rows forever.
		if !progressed {
			break
		}
		if len(rows) < s.config.BatchSize {
			break
		}
	}

	s.config.Metrics.RecordSweep(transitioned, time.Since(started))
	if transitioned > 0 {
		s.config.Logger.Info("sweep completed",
			Field{"transitioned", transitioned},
			Field{"duration_ms", time.Since(started).Milliseconds()})
	}
	return transitioned, nil
}

// Run drives Sweep on the configured interval until ctx is canceled. An
// interrupted run leaves committed transitions in place; the next tick picks
// up any remainder.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.config.Logger.Error("sweep failed", Field{"error", err})
			}
		}
	}
}
