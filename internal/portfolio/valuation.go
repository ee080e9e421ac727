package portfolio

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"crypto-index-bot-go/internal/config"
	"go.uber.org/zap"
)

// IndexEntry is the derived valuation of one index position. Symbols that
// are configured but never bought still appear with zero amount and value,
// so collaborators can offer them as buyable.
type IndexEntry struct {
	Symbol     string
	Name       string
	Image      string
	Amount     float64
	CostBase   float64
	Value      float64
	Allocation float64
	// Performance is value relative to cost basis, e.g. 0.25 for +25%.
	Performance float64
}

// PieData is the allocation breakdown consumed by chart-rendering
// collaborators.
type PieData struct {
	Labels    []string
	Fractions []float64
	Total     float64
}

// ValueSeries is the resampled portfolio value over time, paired with the
// cumulative invested amount.
type ValueSeries struct {
	Times    []time.Time
	Value    []float64
	Invested []float64
}

// Valuation joins ledger holdings with market snapshot prices.
type Valuation struct {
	market  *MarketCache
	ledger  *Ledger
	history *HistoryCache
	cfg     *config.Config
	logger  *zap.Logger
}

// NewValuation creates a Valuation over the given caches.
func NewValuation(market *MarketCache, ledger *Ledger, history *HistoryCache,
	cfg *config.Config, logger *zap.Logger) *Valuation {
	return &Valuation{
		market:  market,
		ledger:  ledger,
		history: history,
		cfg:     cfg,
		logger:  logger.Named("valuation"),
	}
}

// IndexBalance returns all index positions sorted by allocation, descending.
// Allocations sum to 1 over entries with non-zero value.
func (v *Valuation) IndexBalance() ([]IndexEntry, error) {
	holdings, err := v.ledger.Holdings()
	if err != nil {
		return nil, err
	}

	// Configured symbols appear even when never bought.
	for _, symbol := range v.cfg.Trading.IndexSymbols {
		symbol = strings.ToUpper(symbol)
		if _, ok := holdings[symbol]; !ok {
			holdings[symbol] = Holding{}
		}
	}

	entries := make([]IndexEntry, 0, len(holdings))
	total := 0.0
	for symbol, holding := range holdings {
		price, err := v.market.Price(symbol)
		if err != nil {
			v.logger.Warn("No market price for held symbol", zap.String("symbol", symbol))
		}
		value := holding.Amount * price
		total += value
		entries = append(entries, IndexEntry{
			Symbol:   symbol,
			Name:     v.market.CoinName(symbol),
			Image:    v.market.CoinImage(symbol),
			Amount:   holding.Amount,
			CostBase: holding.CostBase,
			Value:    value,
		})
	}

	for i := range entries {
		if total > 0 {
			entries[i].Allocation = entries[i].Value / total
		}
		if entries[i].CostBase > 0 {
			entries[i].Performance = entries[i].Value/entries[i].CostBase - 1
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Allocation > entries[j].Allocation })
	return entries, nil
}

// NetWorth is the current portfolio value in the base currency.
func (v *Valuation) NetWorth() (float64, error) {
	entries, err := v.IndexBalance()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, e := range entries {
		total += e.Value
	}
	return total, nil
}

// Invested is the total ever spent, in the base currency.
func (v *Valuation) Invested() (float64, error) {
	return v.ledger.Invested()
}

// Performance is the portfolio value relative to the invested amount.
func (v *Valuation) Performance() (float64, error) {
	invested, err := v.Invested()
	if err != nil || invested <= 0 {
		return 0, err
	}
	netWorth, err := v.NetWorth()
	if err != nil {
		return 0, err
	}
	return netWorth/invested - 1, nil
}

// AllocationPie returns the allocation breakdown for chart rendering.
func (v *Valuation) AllocationPie() (*PieData, error) {
	entries, err := v.IndexBalance()
	if err != nil {
		return nil, err
	}
	pie := &PieData{}
	for _, e := range entries {
		if e.Value <= 0 {
			continue
		}
		pie.Labels = append(pie.Labels, e.Symbol)
		pie.Fractions = append(pie.Fractions, e.Allocation)
		pie.Total += e.Value
	}
	return pie, nil
}

// valueHistoryFreq picks the resample frequency from the window start.
func valueHistoryFreq(start, now time.Time) time.Duration {
	switch {
	case start.Before(now.AddDate(0, 0, -31)):
		return 24 * time.Hour
	case start.Before(now.Add(-14*24*time.Hour - 2*time.Minute)):
		return 3 * time.Hour
	case start.Before(now.Add(-24*time.Hour - 2*time.Minute)):
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

// ValueHistory resamples the price history into a portfolio value series
// together with the cumulative invested amount. A nil from covers the whole
// cached history.
func (v *Valuation) ValueHistory(from *time.Time) (*ValueSeries, error) {
	series := v.history.Series()
	if series == nil || len(series.Times) == 0 {
		return nil, fmt.Errorf("price history not loaded yet")
	}

	start := series.Times[0]
	if from != nil && from.After(start) {
		start = from.UTC()
	}
	end := series.Times[len(series.Times)-1]
	freq := valueHistoryFreq(start, time.Now().UTC())

	// Grid anchored at the end of the series, stepping back to start.
	var grid []time.Time
	for t := end; !t.Before(start); t = t.Add(-freq) {
		grid = append(grid, t)
	}
	for i, j := 0, len(grid)-1; i < j; i, j = i+1, j-1 {
		grid[i], grid[j] = grid[j], grid[i]
	}

	trades, err := v.ledger.Trades()
	if err != nil {
		return nil, err
	}

	out := &ValueSeries{
		Times:    grid,
		Value:    make([]float64, len(grid)),
		Invested: make([]float64, len(grid)),
	}

	amounts := make(map[string]float64)
	invested := 0.0
	next := 0
	for i, t := range grid {
		for next < len(trades) && !trades[next].Date.After(t) {
			amounts[strings.ToLower(trades[next].BuySymbol)] += trades[next].Amount
			if trades[next].CostBase != nil {
				invested += *trades[next].CostBase
			}
			next++
		}
		value := 0.0
		for symbol, amount := range amounts {
			prices, ok := series.Prices[symbol]
			if !ok {
				continue
			}
			if idx := series.At(t); idx >= 0 && !math.IsNaN(prices[idx]) {
				value += amount * prices[idx]
			}
		}
		out.Value[i] = value
		out.Invested[i] = invested
	}
	return out, nil
}

// RangeStart translates a named range ("day", "week", "month", "6month",
// "year") into the from-timestamp for ValueHistory. Unknown names cover the
// whole history.
func RangeStart(name string, now time.Time) *time.Time {
	var start time.Time
	switch name {
	case "day":
		start = now.AddDate(0, 0, -1)
	case "week":
		start = now.AddDate(0, 0, -7)
	case "month":
		start = now.AddDate(0, 0, -30)
	case "6month":
		start = now.AddDate(0, 0, -182)
	case "year":
		start = now.AddDate(-1, 0, 0)
	default:
		return nil
	}
	return &start
}
