package trader

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// AllocationError describes how far one index coin has drifted from its
// target allocation.
type AllocationError struct {
	Symbol string
	// Absolute drift in quote-asset units. Positive means overweight.
	Absolute float64
	// RelativeToVolume is the drift expressed as a fraction of the order
	// volume. Infinite when the order volume is zero.
	RelativeToVolume float64
}

// AllocationErrors computes the current drift of every index coin from its
// target weight.
func (t *Trader) AllocationErrors() ([]AllocationError, error) {
	symbols, weights, err := t.weights.FetchIndexWeights(nil)
	if err != nil {
		return nil, fmt.Errorf("fetch index weights: %w", err)
	}
	values, total, err := t.indexValues(symbols)
	if err != nil {
		return nil, err
	}
	volume := t.orderVolume()

	errs := make([]AllocationError, len(symbols))
	for i, sym := range symbols {
		drift := values[i] - weights[i]*total
		rel := math.Inf(1)
		if volume > 0 {
			rel = drift / volume
		}
		errs[i] = AllocationError{Symbol: sym, Absolute: drift, RelativeToVolume: rel}
	}
	return errs, nil
}

// RebalancingWeights skews the target index weights so that the upcoming
// order counteracts the current allocation drift. Overweight coins receive
// less of the order volume, underweight coins more. The returned weights
// still sum to one; the total order volume is never changed.
func (t *Trader) RebalancingWeights() ([]string, []float64, error) {
	symbols, weights, err := t.weights.FetchIndexWeights(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch index weights: %w", err)
	}
	volume := t.orderVolume()
	if volume <= 0 {
		t.logger.Warn("order volume is zero, skipping rebalancing",
			zap.Float64("savings_plan_cost", t.cfg.Trading.SavingsPlanCost))
		return symbols, weights, nil
	}
	values, total, err := t.indexValues(symbols)
	if err != nil {
		return nil, nil, err
	}

	amounts := make([]float64, len(symbols))
	allocated := 0.0
	for i := range symbols {
		drift := values[i] - weights[i]*total
		amounts[i] = math.Max(0, volume*weights[i]-drift)
		allocated += amounts[i]
	}
	if allocated <= 0 {
		// Every coin is overweight by more than its share of the order.
		// Fall back to the plain index weights rather than buying nothing.
		t.logger.Warn("rebalancing cancelled every allocation, using index weights")
		return symbols, weights, nil
	}

	// Clamping at zero removes volume from overweight coins. Spread the
	// difference across the remaining coins proportionally so the order
	// still spends the full volume.
	rebalanced := make([]float64, len(symbols))
	for i := range amounts {
		rebalanced[i] = amounts[i] / allocated
	}
	return symbols, rebalanced, nil
}

// PlanWeights returns the weights for the next purchase, skewed toward
// under-allocated coins when rebalancing is enabled.
func (t *Trader) PlanWeights() ([]string, []float64, error) {
	if t.cfg.Trading.Rebalance {
		return t.RebalancingWeights()
	}
	return t.weights.FetchIndexWeights(nil)
}

// indexValues returns the current value of each index symbol in quote-asset
// units and their sum.
func (t *Trader) indexValues(symbols []string) ([]float64, float64, error) {
	entries, err := t.valuation.IndexBalance()
	if err != nil {
		return nil, 0, fmt.Errorf("index balance: %w", err)
	}
	bySymbol := make(map[string]float64, len(entries))
	for _, e := range entries {
		bySymbol[strings.ToLower(e.Symbol)] = e.Value
	}
	values := make([]float64, len(symbols))
	total := 0.0
	for i, sym := range symbols {
		values[i] = bySymbol[strings.ToLower(sym)]
		total += values[i]
	}
	return values, total, nil
}
