package portfolio

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Refresher drives the periodic refresh of all data sources. Each source
// runs as its own task behind an errgroup barrier; an error in one source
// is logged and isolated rather than aborting its siblings.
type Refresher struct {
	market  *MarketCache
	ledger  *Ledger
	history *HistoryCache
	balance *BalanceCache
	logger  *zap.Logger
}

// NewRefresher wires the refresh loop over all caches.
func NewRefresher(market *MarketCache, ledger *Ledger, history *HistoryCache,
	balance *BalanceCache, logger *zap.Logger) *Refresher {
	return &Refresher{
		market:  market,
		ledger:  ledger,
		history: history,
		balance: balance,
		logger:  logger.Named("refresher"),
	}
}

// RefreshAll updates every source once. The market snapshot goes first
// because the other sources resolve symbols through it.
func (r *Refresher) RefreshAll() {
	if err := r.market.Refresh(false); err != nil {
		r.logger.Warn("Market refresh failed", zap.Error(err))
	}

	var g errgroup.Group
	run := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				r.logger.Warn("Refresh failed", zap.String("source", name), zap.Error(err))
			}
			return nil
		})
	}
	run("ledger", func() error { return r.ledger.Refresh(false) })
	run("history", r.history.Update)
	run("balance", r.balance.Refresh)
	_ = g.Wait()
}

// Run refreshes all sources on the given interval until the context is
// canceled. The first refresh happens immediately.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("Starting refresh loop", zap.Duration("interval", interval))
	r.RefreshAll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping refresh loop")
			return
		case <-ticker.C:
			r.RefreshAll()
		}
	}
}
