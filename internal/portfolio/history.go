package portfolio

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/retry"
	"go.uber.org/zap"
)

const (
	historyMonthWindow = 30 * 24 * time.Hour
	historyDayWindow   = 24 * time.Hour
	// The hourly "last month" slice is refreshed when older than 2 days,
	// the 5-minute "last day" slice when older than 15 minutes.
	historyMonthStale = 48 * time.Hour
	historyDayStale   = 15 * time.Minute
)

// Series is the merged multi-symbol price history. Times are strictly
// increasing with no duplicates; each symbol's price slice is aligned to
// Times index-by-index.
type Series struct {
	Times  []time.Time
	Prices map[string][]float64
}

// At returns the index of the last sample at or before t, or -1.
func (s *Series) At(t time.Time) int {
	idx := sort.Search(len(s.Times), func(i int) bool { return s.Times[i].After(t) })
	return idx - 1
}

// HistoryCache maintains the merged price series for all index symbols.
// Updates pick a single refresh tier from the cache age, fetch per symbol,
// align timestamps to the tier's rounding grid and merge with the existing
// out-of-window data so higher-resolution history outside the fetched
// window survives. The whole read-modify-swap cycle is guarded by a mutex,
// and the result is published by atomic swap.
type HistoryCache struct {
	provider coingecko.Interface
	market   *MarketCache
	ledger   *Ledger
	cfg      *config.Config
	logger   *zap.Logger

	series atomic.Pointer[Series]

	mu              sync.Mutex
	lastMonthUpdate time.Time
	lastDayUpdate   time.Time
	nowFn           func() time.Time
}

// NewHistoryCache creates an empty history cache.
func NewHistoryCache(provider coingecko.Interface, market *MarketCache, ledger *Ledger,
	cfg *config.Config, logger *zap.Logger) *HistoryCache {
	return &HistoryCache{
		provider: provider,
		market:   market,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.Named("history-cache"),
		nowFn:    time.Now,
	}
}

// Series returns the current merged series, or nil before the first build.
func (h *HistoryCache) Series() *Series {
	return h.series.Load()
}

// Update refreshes the series. The tier is chosen from the cache age; a
// fresh cache is a no-op.
func (h *HistoryCache) Update() error {
	if h.market.Snapshot() == nil {
		return nil // market data not loaded yet
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFn().UTC()
	current := h.series.Load()

	var from time.Time
	var freq time.Duration
	var purgeFrom, purgeTo time.Time
	var tier string

	switch {
	case current == nil:
		// First build: full history from two days before the earliest trade.
		earliest, ok, err := h.ledger.EarliestTradeDate()
		if err != nil {
			return err
		}
		if !ok {
			earliest = now.Add(-historyDayWindow)
		}
		from = earliest.AddDate(0, 0, -2)
		purgeFrom, purgeTo = now, now
		tier = "full"
	case now.Sub(h.lastMonthUpdate) > historyMonthStale:
		from = now.Add(-historyMonthWindow)
		freq = time.Hour
		// The hourly fetch must not clobber the finer 5-minute data of the
		// last day.
		purgeFrom, purgeTo = from, now.Add(-historyDayWindow)
		tier = "month"
	case now.Sub(h.lastDayUpdate) > historyDayStale:
		from = now.Add(-historyDayWindow)
		freq = 5 * time.Minute
		purgeFrom, purgeTo = from, now
		tier = "day"
	default:
		return nil
	}

	symbols := make([]string, 0, len(h.cfg.Trading.IndexSymbols))
	for _, s := range h.cfg.Trading.IndexSymbols {
		symbols = append(symbols, strings.ToLower(s))
	}

	fetched := make(map[string][]coingecko.PricePoint, len(symbols))
	for _, symbol := range symbols {
		coinID, err := h.market.CoinID(symbol)
		if err != nil {
			h.logger.Warn("Skipping symbol without market data in history update",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		points, err := retry.DoValue(h.logger, 3, 30*time.Second, func() ([]coingecko.PricePoint, error) {
			return h.provider.GetMarketChartRange(coinID, h.cfg.Trading.BaseCurrency, from, now)
		})
		if err != nil {
			return fmt.Errorf("history fetch for %s: %w", symbol, err)
		}
		fetched[symbol] = points
	}
	if len(fetched) == 0 {
		return fmt.Errorf("no history data fetched for any index symbol")
	}

	fresh := buildSeries(fetched, freq)

	// Always append the snapshot prices so valuation never lags behind the
	// market snapshot.
	h.appendCurrentPrices(fresh, now)

	merged := mergeSeries(current, fresh, purgeFrom, purgeTo)
	h.series.Store(merged)

	switch tier {
	case "full":
		h.lastMonthUpdate = now
		h.lastDayUpdate = now
	case "month":
		h.lastMonthUpdate = now
	case "day":
		h.lastDayUpdate = now
	}

	h.logger.Debug("Price history updated",
		zap.String("tier", tier),
		zap.Int("samples", len(merged.Times)),
		zap.Int("symbols", len(merged.Prices)))
	return nil
}

// appendCurrentPrices adds one row of snapshot prices at t.
func (h *HistoryCache) appendCurrentPrices(s *Series, t time.Time) {
	s.Times = append(s.Times, t)
	for symbol := range s.Prices {
		price, err := h.market.Price(symbol)
		if err != nil {
			// Repeat the last known value to keep rows aligned.
			price = s.Prices[symbol][len(s.Prices[symbol])-1]
		}
		s.Prices[symbol] = append(s.Prices[symbol], price)
	}
}

// buildSeries aligns per-symbol price points onto one shared time index.
// When freq is non-zero, timestamps are rounded onto the frequency grid;
// otherwise the union of raw timestamps is used. Gaps per symbol are
// forward- and back-filled.
func buildSeries(fetched map[string][]coingecko.PricePoint, freq time.Duration) *Series {
	grid := make(map[int64]struct{})
	rounded := make(map[string]map[int64]float64, len(fetched))

	for symbol, points := range fetched {
		byTime := make(map[int64]float64, len(points))
		for _, p := range points {
			t := p.Timestamp
			if freq > 0 {
				t = t.Truncate(freq)
			}
			key := t.Unix()
			if _, seen := byTime[key]; !seen {
				byTime[key] = p.Price
			}
			grid[key] = struct{}{}
		}
		rounded[symbol] = byTime
	}

	keys := make([]int64, 0, len(grid))
	for key := range grid {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	s := &Series{
		Times:  make([]time.Time, len(keys)),
		Prices: make(map[string][]float64, len(fetched)),
	}
	for i, key := range keys {
		s.Times[i] = time.Unix(key, 0).UTC()
	}
	for symbol, byTime := range rounded {
		prices := make([]float64, len(keys))
		for i, key := range keys {
			if price, ok := byTime[key]; ok {
				prices[i] = price
			} else {
				prices[i] = math.NaN()
			}
		}
		s.Prices[symbol] = prices
	}
	fillGaps(s)
	return s
}

// fillGaps forward-fills then back-fills NaN samples per symbol.
func fillGaps(s *Series) {
	for _, prices := range s.Prices {
		last := math.NaN()
		for i := range prices {
			if math.IsNaN(prices[i]) {
				prices[i] = last
			} else {
				last = prices[i]
			}
		}
		next := math.NaN()
		for i := len(prices) - 1; i >= 0; i-- {
			if math.IsNaN(prices[i]) {
				prices[i] = next
			} else {
				next = prices[i]
			}
		}
	}
}

// mergeSeries combines the freshly fetched series with the existing one.
// Existing samples inside [purgeFrom, purgeTo] are dropped (that window was
// just re-fetched); everything outside survives, so older high-resolution
// data is not lost. Fresh data wins on timestamp collisions.
func mergeSeries(old, fresh *Series, purgeFrom, purgeTo time.Time) *Series {
	if old == nil {
		return fresh
	}

	symbols := make(map[string]struct{})
	for symbol := range old.Prices {
		symbols[symbol] = struct{}{}
	}
	for symbol := range fresh.Prices {
		symbols[symbol] = struct{}{}
	}

	type sample struct {
		prices map[string]float64
	}
	byTime := make(map[int64]sample, len(old.Times)+len(fresh.Times))

	for i, t := range fresh.Times {
		prices := make(map[string]float64)
		for symbol, p := range fresh.Prices {
			prices[symbol] = p[i]
		}
		byTime[t.Unix()] = sample{prices: prices}
	}
	for i, t := range old.Times {
		if !t.Before(purgeFrom) && !t.After(purgeTo) {
			continue
		}
		key := t.Unix()
		if _, seen := byTime[key]; seen {
			continue // fresh data wins
		}
		prices := make(map[string]float64)
		for symbol, p := range old.Prices {
			prices[symbol] = p[i]
		}
		byTime[key] = sample{prices: prices}
	}

	keys := make([]int64, 0, len(byTime))
	for key := range byTime {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	merged := &Series{
		Times:  make([]time.Time, len(keys)),
		Prices: make(map[string][]float64, len(symbols)),
	}
	for i, key := range keys {
		merged.Times[i] = time.Unix(key, 0).UTC()
	}
	for symbol := range symbols {
		prices := make([]float64, len(keys))
		for i, key := range keys {
			if price, ok := byTime[key].prices[symbol]; ok {
				prices[i] = price
			} else {
				prices[i] = math.NaN()
			}
		}
		merged.Prices[symbol] = prices
	}
	fillGaps(merged)
	return merged
}
