package trader

import (
	"fmt"
	"strings"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/models"
	"crypto-index-bot-go/internal/retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// balanceTolerance is the largest shortfall, as a fraction of the order
	// volume, that is absorbed by shrinking the order instead of failing.
	balanceTolerance = 0.02
	// limitDiscount places limit buys slightly below the last traded price.
	limitDiscount = 0.998
	// syntheticScale encodes a quote-asset notional into a negative
	// pseudo order id for coins that equal the quote asset itself.
	syntheticScale = 1e8
)

// SyntheticOrderID encodes a quote-asset notional as a negative pseudo
// order id. Such entries settle immediately because no exchange order
// exists for buying the quote asset with itself.
func SyntheticOrderID(notional float64) int64 {
	return -decimal.NewFromFloat(notional).Mul(decimal.NewFromFloat(syntheticScale)).Round(0).IntPart()
}

// SyntheticNotional decodes the notional carried by a negative pseudo id.
func SyntheticNotional(id int64) float64 {
	return float64(-id) / syntheticScale
}

// WeightedBuyOrder splits the configured savings plan volume across the
// given symbols by weight and submits one buy order per coin.
//
// Pre-flight failures (untradable symbol, balance shortfall beyond
// tolerance) abort the whole batch before any order is placed. Once
// submission starts, per-symbol failures are recorded in the report and the
// remaining symbols are still attempted.
func (t *Trader) WeightedBuyOrder(symbols []string, weights []float64) (*OrderReport, error) {
	if len(symbols) != len(weights) {
		return nil, fmt.Errorf("symbols and weights length mismatch: %d != %d", len(symbols), len(weights))
	}

	base := strings.ToLower(t.cfg.Trading.BaseSymbol)
	markets, err := t.exchange.LoadMarkets()
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	for _, sym := range symbols {
		if sym == base {
			continue
		}
		info, ok := markets[t.pairFor(sym)]
		if !ok || !info.Active {
			return nil, fmt.Errorf("%w: %s", ErrSymbolUnavailable, t.pairFor(sym))
		}
	}

	volume := t.orderVolume()
	report := &OrderReport{Volume: volume}

	balances, err := retry.DoValue(t.logger, 5, 4*time.Second, t.exchange.FetchTotalBalance)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	available := balances[t.baseSymbol()]
	if available < volume {
		shortfall := volume - available
		if shortfall > balanceTolerance*volume {
			return nil, fmt.Errorf("%w: need %.2f %s, have %.2f",
				ErrInsufficientFunds, volume, t.baseSymbol(), available)
		}
		t.logger.Warn("reducing order volume to available balance",
			zap.Float64("volume", volume), zap.Float64("available", available))
		volume = available
		report.Volume = volume
		report.AdjustedVolume = true
	}

	for i, sym := range symbols {
		notional := weights[i] * volume
		if sym == base {
			// Buying the quote asset with itself is a no-op on the
			// exchange. The settled entry is written right here so a crash
			// before the first status check cannot lose it, and repeated
			// status checks have nothing left to record.
			id := SyntheticOrderID(notional)
			if err := t.recordSyntheticEntry(id, notional); err != nil {
				t.logger.Error("failed to record quote-asset entry",
					zap.Int64("order_id", id), zap.Error(err))
				report.Skipped = append(report.Skipped, Problem{Symbol: sym, Reason: err.Error()})
				continue
			}
			report.OrderIDs = append(report.OrderIDs, id)
			report.Symbols = append(report.Symbols, t.pairFor(sym))
			continue
		}

		pair := t.pairFor(sym)
		order, err := t.placeBuy(pair, notional)
		if err != nil {
			if binance.IsInvalidOrder(err) {
				t.logger.Warn("order rejected by exchange, skipping symbol",
					zap.String("symbol", pair), zap.Error(err))
			} else {
				t.logger.Error("order placement failed, skipping symbol",
					zap.String("symbol", pair), zap.Error(err))
			}
			report.Skipped = append(report.Skipped, Problem{Symbol: sym, Reason: err.Error()})
			continue
		}

		report.OrderIDs = append(report.OrderIDs, order.ID)
		report.Symbols = append(report.Symbols, pair)
		if err := t.ledger.AddPendingOrder(order.ID, pair, time.Now()); err != nil {
			t.logger.Error("failed to record pending order",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
		t.logger.Info("order placed",
			zap.Int64("order_id", order.ID),
			zap.String("symbol", pair),
			zap.Float64("amount", order.Amount),
			zap.Float64("notional", notional))
	}
	return report, nil
}

// recordSyntheticEntry appends the already-settled quote-asset trade encoded
// in a negative pseudo id. The submission timestamp is folded into the
// ledger key so equal notionals from different batches stay distinct rows;
// within one batch the key is derived exactly once, here.
func (t *Trader) recordSyntheticEntry(id int64, notional float64) error {
	now := time.Now()
	base := t.baseSymbol()
	return t.ledger.AddTrade(models.Trade{
		Date:       now.UTC(),
		OrderID:    fmt.Sprintf("%d-%d", id, now.Unix()),
		BuySymbol:  base,
		SellSymbol: base,
		Price:      1,
		Amount:     notional,
		Cost:       notional,
		FeeSymbol:  base,
		Exchange:   t.cfg.Exchange.Name,
	})
}

// placeBuy sizes and submits a single buy order worth the given notional.
func (t *Trader) placeBuy(pair string, notional float64) (*binance.Order, error) {
	price, err := t.exchange.FetchTicker(pair)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker: %w", err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", pair)
	}

	constraint, err := t.exchange.SymbolConstraints(pair)
	if err != nil {
		return nil, fmt.Errorf("constraints: %w", err)
	}
	amount := floorToStep(notional/price, constraint.StepSize)
	if amount <= 0 {
		return nil, fmt.Errorf("amount rounds to zero for %s at price %f", pair, price)
	}

	if t.cfg.Trading.OrderType == config.OrderTypeLimit {
		limitPrice := price * limitDiscount
		return t.exchange.CreateLimitBuyOrder(pair, amount, limitPrice)
	}
	return t.exchange.CreateMarketBuyOrder(pair, amount)
}

// floorToStep rounds an amount down to the exchange lot step size.
func floorToStep(amount, step float64) float64 {
	if step <= 0 {
		return amount
	}
	a := decimal.NewFromFloat(amount)
	s := decimal.NewFromFloat(step)
	floored, _ := a.Div(s).Floor().Mul(s).Float64()
	return floored
}
