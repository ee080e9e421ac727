package portfolio

import (
	"fmt"
	"math"
	"strings"

	"crypto-index-bot-go/internal/config"
)

// WeightEngine computes target index weights under the configured scheme.
type WeightEngine struct {
	market *MarketCache
	cfg    *config.Config
}

// NewWeightEngine creates a WeightEngine on top of the market cache.
func NewWeightEngine(market *MarketCache, cfg *config.Config) *WeightEngine {
	return &WeightEngine{market: market, cfg: cfg}
}

// FetchIndexWeights returns the target weight per symbol, normalized to sum
// to 1. A nil symbol list defaults to the configured index. Symbols outside
// the configured index, or without market data, weigh 0.
func (w *WeightEngine) FetchIndexWeights(symbols []string) ([]string, []float64, error) {
	if symbols == nil {
		symbols = w.cfg.Trading.IndexSymbols
	}

	lowered := make([]string, len(symbols))
	for i, s := range symbols {
		lowered[i] = strings.ToLower(s)
	}

	inIndex := make(map[string]bool, len(w.cfg.Trading.IndexSymbols))
	for _, s := range w.cfg.Trading.IndexSymbols {
		inIndex[strings.ToLower(s)] = true
	}

	weights := make([]float64, len(lowered))
	switch w.cfg.Trading.Weighting {
	case config.WeightingEqual:
		n := float64(len(w.cfg.Trading.IndexSymbols))
		for i, symbol := range lowered {
			if inIndex[symbol] {
				weights[i] = 1 / n
			}
		}
	case config.WeightingCustom:
		for i, symbol := range lowered {
			weights[i] = w.cfg.Trading.CustomWeights[symbol]
		}
	default:
		for i, symbol := range lowered {
			if !inIndex[symbol] {
				continue
			}
			// Missing market data contributes zero weight rather than erroring.
			mcap := w.market.MarketCap(symbol)
			switch w.cfg.Trading.Weighting {
			case config.WeightingSqrtMarketCap:
				mcap = math.Sqrt(mcap)
			case config.WeightingSqrtSqrtMarketCap:
				mcap = math.Sqrt(math.Sqrt(mcap))
			case config.WeightingCbrtMarketCap:
				mcap = math.Cbrt(mcap)
			}
			weights[i] = mcap
		}
	}

	total := 0.0
	for _, weight := range weights {
		total += weight
	}
	if total <= 0 {
		return nil, nil, fmt.Errorf("no eligible symbols with non-zero weight")
	}
	for i := range weights {
		weights[i] /= total
	}
	return lowered, weights, nil
}
