package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/database"
	"crypto-index-bot-go/internal/fx"
	"crypto-index-bot-go/internal/logger"
	"crypto-index-bot-go/internal/portfolio"
	"crypto-index-bot-go/internal/trader"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize exchange REST client
	exchange := binance.NewRestClient(&cfg.Exchange, log)
	if _, err := exchange.GetServerTime(); err != nil {
		log.Fatal("Failed to connect to Binance API", zap.Error(err))
	}
	log.Info("Successfully connected to Binance API.")

	// Data sources and portfolio caches
	provider := coingecko.NewClient(log)
	converter := fx.NewConverter(log)
	market := portfolio.NewMarketCache(provider, &cfg, log)
	ledger := portfolio.NewLedger(db, exchange, provider, market, converter, &cfg, log)
	history := portfolio.NewHistoryCache(provider, market, ledger, &cfg, log)
	balance := portfolio.NewBalanceCache(exchange, &cfg, log)
	refresher := portfolio.NewRefresher(market, ledger, history, balance, log)

	weights := portfolio.NewWeightEngine(market, &cfg)
	valuation := portfolio.NewValuation(market, ledger, history, &cfg, log)

	// Trading pipeline
	bot := trader.NewTrader(exchange, market, ledger, weights, valuation, &cfg, log)
	tracker := trader.NewTracker(exchange, ledger, &cfg, log)
	plan := trader.NewSavingsPlan(bot, tracker, refresher, &cfg, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Keep portfolio data fresh in the background while the savings plan
	// scheduler waits for its interval.
	go refresher.Run(ctx, time.Duration(cfg.Trading.RefreshInterval)*time.Second)
	plan.Run(ctx)

	log.Info("Bot has been shut down.")
}
