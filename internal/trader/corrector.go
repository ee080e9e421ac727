package trader

import (
	"fmt"
	"strings"

	"crypto-index-bot-go/internal/binance"
	"go.uber.org/zap"
)

// VolumeCorrectedWeights drops index coins whose share of the order volume
// would violate the exchange minimums (minimum amount or minimum notional)
// and renormalizes the remaining weights. Coins are dropped one at a time,
// lowest weight first, until the batch is feasible. Returns ErrInfeasible
// when no coin survives.
func (t *Trader) VolumeCorrectedWeights(symbols []string, weights []float64, volume float64) ([]string, []float64, error) {
	if len(symbols) != len(weights) {
		return nil, nil, fmt.Errorf("symbols and weights length mismatch: %d != %d", len(symbols), len(weights))
	}

	base := strings.ToLower(t.cfg.Trading.BaseSymbol)
	constraints := make(map[string]*binance.SymbolConstraint, len(symbols))
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if sym == base {
			continue
		}
		constraint, err := t.exchange.SymbolConstraints(t.pairFor(sym))
		if err != nil {
			return nil, nil, fmt.Errorf("constraints for %s: %w", sym, err)
		}
		price, err := t.market.Price(sym)
		if err != nil {
			return nil, nil, fmt.Errorf("price for %s: %w", sym, err)
		}
		constraints[sym] = constraint
		prices[sym] = price
	}

	out, outWeights, dropped := correctWeights(symbols, weights, volume, base, constraints, prices)
	for _, sym := range dropped {
		t.logger.Warn("dropping symbol below exchange minimums",
			zap.String("symbol", sym), zap.Float64("volume", volume))
	}
	if len(out) == 0 {
		return nil, nil, ErrInfeasible
	}
	return out, outWeights, nil
}

// correctWeights is the pure recursion behind VolumeCorrectedWeights.
func correctWeights(symbols []string, weights []float64, volume float64, base string,
	constraints map[string]*binance.SymbolConstraint, prices map[string]float64) ([]string, []float64, []string) {
	if len(symbols) == 0 {
		return nil, nil, nil
	}

	violation := false
	for i, sym := range symbols {
		if sym == base {
			continue
		}
		c := constraints[sym]
		notional := weights[i] * volume
		amount := 0.0
		if prices[sym] > 0 {
			amount = notional / prices[sym]
		}
		if notional < c.MinNotional || amount < c.MinAmount {
			violation = true
			break
		}
	}
	if !violation {
		return symbols, weights, nil
	}

	// Drop the coin with the smallest weight and try again with the
	// remainder renormalized.
	lowest := 0
	for i := range weights {
		if weights[i] < weights[lowest] {
			lowest = i
		}
	}
	droppedSym := symbols[lowest]

	remaining := make([]string, 0, len(symbols)-1)
	remWeights := make([]float64, 0, len(symbols)-1)
	total := 0.0
	for i := range symbols {
		if i == lowest {
			continue
		}
		remaining = append(remaining, symbols[i])
		remWeights = append(remWeights, weights[i])
		total += weights[i]
	}
	if total <= 0 {
		return nil, nil, []string{droppedSym}
	}
	for i := range remWeights {
		remWeights[i] /= total
	}

	out, outWeights, dropped := correctWeights(remaining, remWeights, volume, base, constraints, prices)
	return out, outWeights, append([]string{droppedSym}, dropped...)
}
