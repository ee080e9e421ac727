// Package trader turns target index allocations into exchange orders and
// tracks them through settlement.
package trader

import (
	"errors"
	"fmt"
	"strings"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/portfolio"
	"go.uber.org/zap"
)

// Hard pre-flight failures. Business-rule problems inside a batch are
// reported as OrderReport problems instead.
var (
	ErrSymbolUnavailable = errors.New("symbol is not available on the exchange")
	ErrInsufficientFunds = errors.New("available balance does not cover the order volume")
	ErrInfeasible        = errors.New("no symbol in the batch satisfies the exchange minimums")
	ErrBatchStalled      = errors.New("order batch stalled: orders still open after maximum settle checks")
	ErrExecutionRunning  = errors.New("a savings plan execution is already running")
)

// Problem records a per-symbol soft failure that skipped the symbol without
// aborting the batch.
type Problem struct {
	Symbol string
	Reason string
}

// OrderReport is the outcome of one weighted buy batch. OrderIDs and
// Symbols are parallel; synthetic already-settled entries carry a negative
// pseudo-id.
type OrderReport struct {
	OrderIDs []int64
	Symbols  []string // unified pair notation, e.g. "BTC/USDT"
	Volume   float64
	// AdjustedVolume flags that the volume was silently reduced to the
	// available balance (shortfall within tolerance).
	AdjustedVolume bool
	Skipped        []Problem
}

// Trader plans and executes weighted buy orders against the exchange.
type Trader struct {
	exchange  binance.Interface
	market    *portfolio.MarketCache
	ledger    *portfolio.Ledger
	weights   *portfolio.WeightEngine
	valuation *portfolio.Valuation
	cfg       *config.Config
	logger    *zap.Logger
}

// NewTrader creates a Trader over the portfolio caches and exchange client.
func NewTrader(exchange binance.Interface, market *portfolio.MarketCache, ledger *portfolio.Ledger,
	weights *portfolio.WeightEngine, valuation *portfolio.Valuation,
	cfg *config.Config, logger *zap.Logger) *Trader {
	return &Trader{
		exchange:  exchange,
		market:    market,
		ledger:    ledger,
		weights:   weights,
		valuation: valuation,
		cfg:       cfg,
		logger:    logger.Named("trader"),
	}
}

// baseSymbol is the upper-cased quote asset used for buying.
func (t *Trader) baseSymbol() string {
	return strings.ToUpper(t.cfg.Trading.BaseSymbol)
}

// pairFor builds the unified pair for a coin against the quote asset.
func (t *Trader) pairFor(symbol string) string {
	return strings.ToUpper(symbol) + "/" + t.baseSymbol()
}

// AvailableIndexCoins filters the configured index down to the coins that
// have an active trading pair against the quote asset, trying known
// alternative tickers before giving a coin up.
func (t *Trader) AvailableIndexCoins() ([]string, error) {
	markets, err := t.exchange.LoadMarkets()
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	available := make([]string, 0, len(t.cfg.Trading.IndexSymbols))
	for _, sym := range t.cfg.Trading.IndexSymbols {
		if t.tradable(markets, sym) {
			available = append(available, strings.ToLower(sym))
			continue
		}
		found := false
		for _, alt := range portfolio.AlternativeSymbols(sym) {
			if t.tradable(markets, alt) {
				available = append(available, strings.ToLower(alt))
				found = true
				break
			}
		}
		if !found {
			t.logger.Warn("index coin has no active market on the exchange",
				zap.String("symbol", sym))
		}
	}
	return available, nil
}

func (t *Trader) tradable(markets map[string]binance.SymbolInfo, symbol string) bool {
	info, ok := markets[t.pairFor(symbol)]
	return ok && info.Active
}

// orderVolume converts the configured savings plan cost (denominated in the
// base currency) into quote-asset units. When the quote asset has no market
// price it is assumed to track the base currency 1:1, which holds for the
// supported stablecoin quotes.
func (t *Trader) orderVolume() float64 {
	cost := t.cfg.Trading.SavingsPlanCost
	price, err := t.market.Price(t.cfg.Trading.BaseSymbol)
	if err != nil || price <= 0 {
		return cost
	}
	return cost / price
}
