package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/portfolio"
	"go.uber.org/zap"
)

// SavingsPlan runs the full purchase pipeline: refresh data, plan weights,
// correct for exchange minimums, submit the batch and track it to
// settlement. At most one execution runs at a time; overlapping triggers
// are skipped, never queued.
type SavingsPlan struct {
	trader    *Trader
	tracker   *Tracker
	refresher *portfolio.Refresher
	cfg       *config.Config
	logger    *zap.Logger

	mu sync.Mutex // held for the lifetime of one execution
}

// NewSavingsPlan wires the purchase pipeline together.
func NewSavingsPlan(trader *Trader, tracker *Tracker, refresher *portfolio.Refresher,
	cfg *config.Config, logger *zap.Logger) *SavingsPlan {
	return &SavingsPlan{
		trader:    trader,
		tracker:   tracker,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger.Named("savings_plan"),
	}
}

// Execute runs one savings plan purchase. Returns ErrExecutionRunning when
// a previous execution has not finished tracking its orders yet. The
// execution lock stays held until the submitted batch reaches a terminal
// state, so a slow-settling batch blocks the next trigger instead of
// stacking orders.
func (s *SavingsPlan) Execute() error {
	if !s.mu.TryLock() {
		s.logger.Warn("savings plan trigger skipped, previous execution still running")
		return ErrExecutionRunning
	}

	err := s.execute()
	if err != nil {
		s.mu.Unlock()
	}
	return err
}

// execute holds s.mu; on success the lock is released by the tracking
// callback once the batch settles or stalls.
func (s *SavingsPlan) execute() error {
	s.logger.Info("starting savings plan execution",
		zap.Float64("cost", s.cfg.Trading.SavingsPlanCost),
		zap.String("base_currency", s.cfg.Trading.BaseCurrency))

	if s.refresher != nil {
		s.refresher.RefreshAll()
	}

	symbols, weights, err := s.trader.PlanWeights()
	if err != nil {
		return fmt.Errorf("plan weights: %w", err)
	}

	symbols, weights, err = s.trader.VolumeCorrectedWeights(symbols, weights, s.trader.orderVolume())
	if err != nil {
		return fmt.Errorf("correct weights: %w", err)
	}

	if !s.cfg.Trading.AutomaticExecution {
		s.logger.Info("automatic execution disabled, logging plan only",
			zap.Strings("symbols", symbols), zap.Float64s("weights", weights))
		s.mu.Unlock()
		return nil
	}

	report, err := s.trader.WeightedBuyOrder(symbols, weights)
	if err != nil {
		return fmt.Errorf("place orders: %w", err)
	}
	for _, p := range report.Skipped {
		s.logger.Warn("symbol skipped during execution",
			zap.String("symbol", p.Symbol), zap.String("reason", p.Reason))
	}
	if len(report.OrderIDs) == 0 {
		s.logger.Warn("no orders were placed")
		s.mu.Unlock()
		return nil
	}

	s.tracker.Track(report.OrderIDs, report.Symbols, func(state BatchState, err error) {
		defer s.mu.Unlock()
		if err != nil {
			s.logger.Error("order batch did not settle",
				zap.String("state", state.String()), zap.Error(err))
			return
		}
		s.logger.Info("savings plan execution finished", zap.String("state", state.String()))
	})
	return nil
}

// Run triggers Execute on the configured interval until the context is
// canceled. Triggers that land while a previous execution is still tracking
// orders are dropped.
func (s *SavingsPlan) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Trading.SavingsPlanInterval) * time.Hour
	s.logger.Info("savings plan scheduler started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("savings plan scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Execute(); err != nil && !errors.Is(err, ErrExecutionRunning) {
				s.logger.Error("savings plan execution failed", zap.Error(err))
			}
		}
	}
}
