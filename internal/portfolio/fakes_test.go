package portfolio

import (
	"fmt"
	"testing"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/database"
	"crypto-index-bot-go/internal/fx"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeProvider is an in-memory coingecko.Interface with call counters.
type fakeProvider struct {
	markets         []coingecko.Market
	chart           map[string][]coingecko.PricePoint
	historicalPrice float64
	marketsErr      error

	marketsCalls int
	chartCalls   int
}

func (f *fakeProvider) GetCoinsMarkets(vsCurrency string, page int) ([]coingecko.Market, error) {
	f.marketsCalls++
	if f.marketsErr != nil {
		return nil, f.marketsErr
	}
	if page > 1 {
		return nil, nil
	}
	return f.markets, nil
}

func (f *fakeProvider) GetMarketChartRange(id, vsCurrency string, from, to time.Time) ([]coingecko.PricePoint, error) {
	f.chartCalls++
	return f.chart[id], nil
}

func (f *fakeProvider) GetHistoricalPrice(id string, date time.Time, vsCurrency string) (float64, error) {
	return f.historicalPrice, nil
}

func (f *fakeProvider) GetPrice(id, vsCurrency string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}

var _ coingecko.Interface = (*fakeProvider)(nil)

// fakeExchange serves fixed orders and balances.
type fakeExchange struct {
	orders     map[int64]*binance.Order
	balances   map[string]float64
	balanceErr error

	balanceCalls int
}

func (f *fakeExchange) GetServerTime() (int64, error) { return time.Now().UnixMilli(), nil }

func (f *fakeExchange) LoadMarkets() (map[string]binance.SymbolInfo, error) {
	return map[string]binance.SymbolInfo{}, nil
}

func (f *fakeExchange) FetchTicker(symbol string) (float64, error) {
	return 0, fmt.Errorf("no ticker for %s", symbol)
}

func (f *fakeExchange) FetchOrder(id int64, symbol string) (*binance.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %d", id)
	}
	return order, nil
}

func (f *fakeExchange) CreateMarketBuyOrder(symbol string, amount float64) (*binance.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeExchange) CreateLimitBuyOrder(symbol string, amount, price float64) (*binance.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeExchange) FetchTotalBalance() (map[string]float64, error) {
	f.balanceCalls++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balances, nil
}

func (f *fakeExchange) SymbolConstraints(symbol string) (*binance.SymbolConstraint, error) {
	return &binance.SymbolConstraint{}, nil
}

var _ binance.Interface = (*fakeExchange)(nil)

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.Exchange{Name: "binance"},
		Trading: config.Trading{
			BaseCurrency:    "USD",
			BaseSymbol:      "USDT",
			SavingsPlanCost: 100,
			IndexSymbols:    []string{"btc", "eth"},
			Weighting:       config.WeightingEqual,
			OrderType:       config.OrderTypeMarket,
		},
	}
}

func testMarkets() []coingecko.Market {
	return []coingecko.Market{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", CurrentPrice: 30000, MarketCap: 600e9},
		{ID: "ethereum", Symbol: "eth", Name: "Ethereum", CurrentPrice: 2000, MarketCap: 240e9},
		{ID: "tether", Symbol: "usdt", Name: "Tether", CurrentPrice: 1, MarketCap: 80e9},
	}
}

// newTestMarketCache returns a cache filled from the given provider.
func newTestMarketCache(t *testing.T, provider *fakeProvider, cfg *config.Config) *MarketCache {
	market := NewMarketCache(provider, cfg, zap.NewNop())
	assert.NoError(t, market.Refresh(true))
	return market
}

// newTestLedger wires a Ledger over an in-memory database.
func newTestLedger(t *testing.T, exchange *fakeExchange, provider *fakeProvider, cfg *config.Config) (*Ledger, *gorm.DB) {
	db, err := database.NewDatabase(":memory:")
	assert.NoError(t, err)

	market := newTestMarketCache(t, provider, cfg)
	ledger := NewLedger(db, exchange, provider, market, fx.NewConverter(zap.NewNop()), cfg, zap.NewNop())
	return ledger, db
}
