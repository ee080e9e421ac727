package trader

import (
	"fmt"
	"testing"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/database"
	"crypto-index-bot-go/internal/fx"
	"crypto-index-bot-go/internal/portfolio"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeGecko serves a fixed market listing.
type fakeGecko struct {
	markets []coingecko.Market
}

func (f *fakeGecko) GetCoinsMarkets(vsCurrency string, page int) ([]coingecko.Market, error) {
	if page > 1 {
		return nil, nil
	}
	return f.markets, nil
}

func (f *fakeGecko) GetMarketChartRange(id, vsCurrency string, from, to time.Time) ([]coingecko.PricePoint, error) {
	return nil, nil
}

func (f *fakeGecko) GetHistoricalPrice(id string, date time.Time, vsCurrency string) (float64, error) {
	return 1, nil
}

func (f *fakeGecko) GetPrice(id, vsCurrency string) (float64, error) {
	return 1, nil
}

var _ coingecko.Interface = (*fakeGecko)(nil)

// placedOrder records one order submission against the fake exchange.
type placedOrder struct {
	symbol string
	amount float64
	price  float64 // 0 for market orders
}

// fakeExchange is an in-memory binance.Interface.
type fakeExchange struct {
	markets     map[string]binance.SymbolInfo
	constraints map[string]*binance.SymbolConstraint
	tickers     map[string]float64
	balances    map[string]float64
	orders      map[int64]*binance.Order
	createErr   map[string]error // per pair, returned by the create calls
	openPolls   map[int64]int    // FetchOrder reports open this many more times
	placed      []placedOrder
	nextID      int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		markets:     map[string]binance.SymbolInfo{},
		constraints: map[string]*binance.SymbolConstraint{},
		tickers:     map[string]float64{},
		balances:    map[string]float64{},
		orders:      map[int64]*binance.Order{},
		createErr:   map[string]error{},
		openPolls:   map[int64]int{},
	}
}

// addMarket registers an active pair with a ticker price and no minimums.
func (f *fakeExchange) addMarket(pair string, price float64) {
	f.markets[pair] = binance.SymbolInfo{Symbol: pair, Active: true}
	f.constraints[pair] = &binance.SymbolConstraint{}
	f.tickers[pair] = price
}

func (f *fakeExchange) GetServerTime() (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeExchange) LoadMarkets() (map[string]binance.SymbolInfo, error) {
	return f.markets, nil
}

func (f *fakeExchange) FetchTicker(symbol string) (float64, error) {
	price, ok := f.tickers[symbol]
	if !ok {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	return price, nil
}

func (f *fakeExchange) FetchOrder(id int64, symbol string) (*binance.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %d", id)
	}
	if f.openPolls[id] > 0 {
		f.openPolls[id]--
		open := *order
		open.Status = binance.OrderStatusOpen
		return &open, nil
	}
	return order, nil
}

func (f *fakeExchange) createOrder(symbol string, amount, limitPrice float64) (*binance.Order, error) {
	if err := f.createErr[symbol]; err != nil {
		return nil, err
	}
	f.placed = append(f.placed, placedOrder{symbol: symbol, amount: amount, price: limitPrice})

	price := limitPrice
	if price == 0 {
		price = f.tickers[symbol]
	}
	f.nextID++
	order := &binance.Order{
		ID:        f.nextID,
		Symbol:    symbol,
		Status:    binance.OrderStatusClosed,
		Price:     price,
		Amount:    amount,
		Cost:      amount * price,
		Timestamp: time.Now().UnixMilli(),
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeExchange) CreateMarketBuyOrder(symbol string, amount float64) (*binance.Order, error) {
	return f.createOrder(symbol, amount, 0)
}

func (f *fakeExchange) CreateLimitBuyOrder(symbol string, amount, price float64) (*binance.Order, error) {
	return f.createOrder(symbol, amount, price)
}

func (f *fakeExchange) FetchTotalBalance() (map[string]float64, error) {
	return f.balances, nil
}

func (f *fakeExchange) SymbolConstraints(symbol string) (*binance.SymbolConstraint, error) {
	if c, ok := f.constraints[symbol]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("symbol %s is not traded on the exchange", symbol)
}

var _ binance.Interface = (*fakeExchange)(nil)

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.Exchange{Name: "binance"},
		Trading: config.Trading{
			BaseCurrency:       "USD",
			BaseSymbol:         "USDT",
			SavingsPlanCost:    100,
			AutomaticExecution: true,
			IndexSymbols:       []string{"btc", "eth"},
			Weighting:          config.WeightingEqual,
			OrderType:          config.OrderTypeMarket,
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

// newTestTrader wires a Trader over fakes and a fresh in-memory database.
func newTestTrader(t *testing.T, exchange *fakeExchange, cfg *config.Config) (*Trader, *portfolio.Ledger) {
	log := zap.NewNop()
	db, err := database.NewDatabase(":memory:")
	assert.NoError(t, err)

	gecko := &fakeGecko{markets: testMarkets()}
	market := portfolio.NewMarketCache(gecko, cfg, log)
	assert.NoError(t, market.Refresh(true))

	ledger := portfolio.NewLedger(db, exchange, gecko, market, fx.NewConverter(log), cfg, log)
	history := portfolio.NewHistoryCache(gecko, market, ledger, cfg, log)
	weights := portfolio.NewWeightEngine(market, cfg)
	valuation := portfolio.NewValuation(market, ledger, history, cfg, log)

	return NewTrader(exchange, market, ledger, weights, valuation, cfg, log), ledger
}
