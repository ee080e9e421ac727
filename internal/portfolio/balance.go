package portfolio

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/retry"
	"go.uber.org/zap"
)

// BalanceCache keeps the exchange account balance fresh for read-side
// consumers. The executor does its own authoritative balance check at order
// time; this cache only serves dashboards and pre-flight estimates.
type BalanceCache struct {
	exchange binance.Interface
	cfg      *config.Config
	logger   *zap.Logger

	balances atomic.Pointer[map[string]float64]

	mu         sync.Mutex
	lastUpdate time.Time
}

// NewBalanceCache creates an empty balance cache.
func NewBalanceCache(exchange binance.Interface, cfg *config.Config, logger *zap.Logger) *BalanceCache {
	return &BalanceCache{
		exchange: exchange,
		cfg:      cfg,
		logger:   logger.Named("balance-cache"),
	}
}

// Refresh fetches the account balance from the exchange.
func (b *BalanceCache) Refresh() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	balances, err := retry.DoValue(b.logger, 5, 4*time.Second, b.exchange.FetchTotalBalance)
	if err != nil {
		// Previous balances stay visible.
		return err
	}
	b.balances.Store(&balances)
	b.lastUpdate = time.Now()
	return nil
}

// Balances returns the cached per-asset balances, or nil before the first
// refresh.
func (b *BalanceCache) Balances() map[string]float64 {
	if m := b.balances.Load(); m != nil {
		return *m
	}
	return nil
}

// AvailableQuote returns the cached amount of the configured quote asset.
func (b *BalanceCache) AvailableQuote() float64 {
	balances := b.Balances()
	if balances == nil {
		return 0
	}
	return balances[strings.ToUpper(b.cfg.Trading.BaseSymbol)]
}
