package trader

import (
	"math"
	"testing"
	"time"

	"crypto-index-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRebalancingWeightsCounteractsDrift(t *testing.T) {
	exchange := newFakeExchange()
	bot, ledger := newTestTrader(t, exchange, testConfig())

	// Portfolio holds only BTC worth 300, so BTC is heavily overweight
	// against the 50/50 target.
	assert.NoError(t, ledger.AddTrade(models.Trade{
		Date:       time.Now().Add(-24 * time.Hour),
		OrderID:    "seed-1",
		BuySymbol:  "BTC",
		SellSymbol: "USDT",
		Price:      30000,
		Amount:     0.01,
		Cost:       300,
	}))

	symbols, weights, err := bot.RebalancingWeights()
	assert.NoError(t, err)
	assert.Equal(t, []string{"btc", "eth"}, symbols)

	// The 100 USDT order cannot offset a 150 USDT drift, so everything
	// goes into ETH.
	assert.InDelta(t, 0.0, weights[0], 1e-9)
	assert.InDelta(t, 1.0, weights[1], 1e-9)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestRebalancingWeightsWithoutDrift(t *testing.T) {
	exchange := newFakeExchange()
	bot, _ := newTestTrader(t, exchange, testConfig())

	symbols, weights, err := bot.RebalancingWeights()
	assert.NoError(t, err)
	assert.Equal(t, []string{"btc", "eth"}, symbols)
	assert.InDelta(t, 0.5, weights[0], 1e-9)
	assert.InDelta(t, 0.5, weights[1], 1e-9)
}

func TestRebalancingWeightsZeroVolume(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.SavingsPlanCost = 0
	exchange := newFakeExchange()
	bot, _ := newTestTrader(t, exchange, cfg)

	// With nothing to spend the skew is undefined; the plain index
	// weights come back unchanged.
	symbols, weights, err := bot.RebalancingWeights()
	assert.NoError(t, err)
	assert.Equal(t, []string{"btc", "eth"}, symbols)
	assert.InDelta(t, 0.5, weights[0], 1e-9)
	assert.InDelta(t, 0.5, weights[1], 1e-9)
}

func TestAllocationErrors(t *testing.T) {
	exchange := newFakeExchange()
	bot, ledger := newTestTrader(t, exchange, testConfig())

	assert.NoError(t, ledger.AddTrade(models.Trade{
		Date:       time.Now().Add(-24 * time.Hour),
		OrderID:    "seed-1",
		BuySymbol:  "BTC",
		SellSymbol: "USDT",
		Price:      30000,
		Amount:     0.01,
		Cost:       300,
	}))

	errs, err := bot.AllocationErrors()
	assert.NoError(t, err)
	assert.Len(t, errs, 2)

	assert.Equal(t, "btc", errs[0].Symbol)
	assert.InDelta(t, 150.0, errs[0].Absolute, 1e-9)
	assert.InDelta(t, 1.5, errs[0].RelativeToVolume, 1e-9)

	assert.Equal(t, "eth", errs[1].Symbol)
	assert.InDelta(t, -150.0, errs[1].Absolute, 1e-9)
	assert.InDelta(t, -1.5, errs[1].RelativeToVolume, 1e-9)
}

func TestAllocationErrorsZeroVolume(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.SavingsPlanCost = 0
	exchange := newFakeExchange()
	bot, ledger := newTestTrader(t, exchange, cfg)

	assert.NoError(t, ledger.AddTrade(models.Trade{
		Date:       time.Now().Add(-24 * time.Hour),
		OrderID:    "seed-1",
		BuySymbol:  "BTC",
		SellSymbol: "USDT",
		Price:      30000,
		Amount:     0.01,
		Cost:       300,
	}))

	errs, err := bot.AllocationErrors()
	assert.NoError(t, err)
	assert.True(t, math.IsInf(errs[0].RelativeToVolume, 1))
}

func TestPlanWeights(t *testing.T) {
	t.Run("Rebalancing disabled", func(t *testing.T) {
		exchange := newFakeExchange()
		bot, ledger := newTestTrader(t, exchange, testConfig())

		assert.NoError(t, ledger.AddTrade(models.Trade{
			Date:       time.Now().Add(-24 * time.Hour),
			OrderID:    "seed-1",
			BuySymbol:  "BTC",
			SellSymbol: "USDT",
			Price:      30000,
			Amount:     0.01,
			Cost:       300,
		}))

		_, weights, err := bot.PlanWeights()
		assert.NoError(t, err)
		// Drift is ignored, the target weights come back as-is.
		assert.InDelta(t, 0.5, weights[0], 1e-9)
		assert.InDelta(t, 0.5, weights[1], 1e-9)
	})

	t.Run("Rebalancing enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Trading.Rebalance = true
		exchange := newFakeExchange()
		bot, ledger := newTestTrader(t, exchange, cfg)

		assert.NoError(t, ledger.AddTrade(models.Trade{
			Date:       time.Now().Add(-24 * time.Hour),
			OrderID:    "seed-1",
			BuySymbol:  "BTC",
			SellSymbol: "USDT",
			Price:      30000,
			Amount:     0.01,
			Cost:       300,
		}))

		_, weights, err := bot.PlanWeights()
		assert.NoError(t, err)
		assert.InDelta(t, 0.0, weights[0], 1e-9)
		assert.InDelta(t, 1.0, weights[1], 1e-9)
	})
}
