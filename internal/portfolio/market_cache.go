package portfolio

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"go.uber.org/zap"
)

// marketRefreshThrottle guards against redundant provider calls when several
// consumers request a refresh nearly simultaneously.
const marketRefreshThrottle = 2 * time.Second

// marketPages is how many listing pages are fetched per refresh (250 coins each).
const marketPages = 2

// MarketCache keeps the current coin market snapshot fresh. The snapshot is
// replaced wholesale by atomic swap; readers never observe a partial update,
// and a successfully loaded snapshot is never replaced by nil.
type MarketCache struct {
	client coingecko.Interface
	cfg    *config.Config
	logger *zap.Logger

	snapshot atomic.Pointer[[]coingecko.Market]

	mu         sync.Mutex // serializes refreshes and guards lastUpdate
	lastUpdate time.Time
}

// NewMarketCache creates an empty market cache.
func NewMarketCache(client coingecko.Interface, cfg *config.Config, logger *zap.Logger) *MarketCache {
	return &MarketCache{
		client: client,
		cfg:    cfg,
		logger: logger.Named("market-cache"),
	}
}

// Refresh fetches a new snapshot unless the previous refresh is younger than
// the throttle window. force bypasses the throttle (used after config changes).
func (m *MarketCache) Refresh(force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && time.Since(m.lastUpdate) < marketRefreshThrottle {
		return nil
	}

	var coins []coingecko.Market
	for page := 1; page <= marketPages; page++ {
		markets, err := m.client.GetCoinsMarkets(m.cfg.Trading.BaseCurrency, page)
		if err != nil {
			// Keep the previous snapshot on provider errors.
			m.logger.Warn("Failed to refresh market data, keeping previous snapshot", zap.Error(err))
			return err
		}
		coins = append(coins, markets...)
	}

	for i := range coins {
		symbol := strings.ToLower(coins[i].Symbol)
		if alias, ok := providerAliases[symbol]; ok {
			symbol = alias
		}
		coins[i].Symbol = symbol
	}

	m.snapshot.Store(&coins)
	m.lastUpdate = time.Now()
	m.logger.Debug("Market snapshot refreshed", zap.Int("coins", len(coins)))
	return nil
}

// Snapshot returns the current market snapshot, or nil if none has been
// loaded yet.
func (m *MarketCache) Snapshot() []coingecko.Market {
	if s := m.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

// lookup finds a coin by symbol, falling back to its known synonyms.
func (m *MarketCache) lookup(symbol string) (*coingecko.Market, error) {
	snapshot := m.Snapshot()
	if snapshot == nil {
		return nil, fmt.Errorf("market data not loaded yet")
	}

	candidates := append([]string{symbol}, AlternativeSymbols(symbol)...)
	for _, candidate := range candidates {
		candidate = strings.ToLower(candidate)
		for i := range snapshot {
			if snapshot[i].Symbol == candidate {
				return &snapshot[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no market data for symbol %s", strings.ToUpper(symbol))
}

// CoinID resolves a ticker symbol to the provider's coin id.
func (m *MarketCache) CoinID(symbol string) (string, error) {
	coin, err := m.lookup(symbol)
	if err != nil {
		return "", err
	}
	return coin.ID, nil
}

// Price returns the current price of a coin in the base currency.
func (m *MarketCache) Price(symbol string) (float64, error) {
	coin, err := m.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return coin.CurrentPrice, nil
}

// MarketCap returns the coin's market capitalization, or 0 when the coin is
// not in the snapshot. Weighting treats missing coins as zero weight rather
// than erroring.
func (m *MarketCache) MarketCap(symbol string) float64 {
	coin, err := m.lookup(symbol)
	if err != nil {
		return 0
	}
	return coin.MarketCap
}

// CoinName returns the full name of a coin, or the upper-cased symbol when
// the coin is unknown.
func (m *MarketCache) CoinName(symbol string) string {
	if IsFiat(symbol) {
		return strings.ToUpper(symbol)
	}
	coin, err := m.lookup(symbol)
	if err != nil {
		m.logger.Warn("No coin name found in market data", zap.String("symbol", symbol))
		return strings.ToUpper(symbol)
	}
	return coin.Name
}

// CoinImage returns the coin's image URL, or empty when unknown.
func (m *MarketCache) CoinImage(symbol string) string {
	coin, err := m.lookup(symbol)
	if err != nil {
		return ""
	}
	return coin.Image
}

// TopN returns the symbols of the top n non-stablecoin coins by market cap.
func (m *MarketCache) TopN(n int) []string {
	snapshot := m.Snapshot()
	symbols := make([]string, 0, n)
	for _, coin := range snapshot {
		if IsStableCoin(coin.Symbol) {
			continue
		}
		symbols = append(symbols, coin.Symbol)
		if len(symbols) == n {
			break
		}
	}
	return symbols
}
