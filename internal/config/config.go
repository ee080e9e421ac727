package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Weighting schemes for the index allocation.
const (
	WeightingEqual             = "equal"
	WeightingCustom            = "custom"
	WeightingMarketCap         = "market_cap"
	WeightingSqrtMarketCap     = "sqrt_market_cap"
	WeightingSqrtSqrtMarketCap = "sqrt_sqrt_market_cap"
	WeightingCbrtMarketCap     = "cbrt_market_cap"
)

// Order types supported by the executor.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange Exchange `mapstructure:"exchange"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Database Database `mapstructure:"database"`
}

// Exchange holds the configuration for the exchange API.
type Exchange struct {
	Name           string  `mapstructure:"name"`
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the savings plan and index.
type Trading struct {
	// BaseCurrency is the fiat accounting currency (EUR or USD).
	BaseCurrency string `mapstructure:"base_currency"`
	// BaseSymbol is the quote asset used to buy on the exchange (e.g. USDT).
	BaseSymbol string `mapstructure:"base_symbol"`
	// SavingsPlanCost is the order volume per execution, in BaseCurrency units.
	SavingsPlanCost     float64  `mapstructure:"savings_plan_cost"`
	SavingsPlanInterval int      `mapstructure:"savings_plan_interval_hours"`
	AutomaticExecution  bool     `mapstructure:"automatic_execution"`
	IndexSymbols        []string `mapstructure:"index_symbols"`
	Weighting           string   `mapstructure:"weighting"`
	// CustomWeights is only consulted when Weighting is "custom".
	CustomWeights map[string]float64 `mapstructure:"custom_weights"`
	OrderType     string             `mapstructure:"order_type"`
	// Rebalance biases each purchase toward under-allocated coins.
	Rebalance       bool `mapstructure:"rebalance"`
	RefreshInterval int  `mapstructure:"refresh_interval_seconds"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("exchange.name", "binance")
	viper.SetDefault("exchange.rate_limit", 20) // requests per second
	viper.SetDefault("exchange.rate_limit_burst", 5)
	viper.SetDefault("trading.base_currency", "USD")
	viper.SetDefault("trading.base_symbol", "USDT")
	viper.SetDefault("trading.weighting", WeightingSqrtSqrtMarketCap)
	viper.SetDefault("trading.order_type", OrderTypeMarket)
	viper.SetDefault("trading.savings_plan_interval_hours", 24*7)
	viper.SetDefault("trading.refresh_interval_seconds", 5)
	viper.SetDefault("database.dsn", "data/index-bot.db")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if len(c.Trading.IndexSymbols) == 0 {
		return fmt.Errorf("trading.index_symbols must not be empty")
	}
	if c.Trading.SavingsPlanCost <= 0 {
		return fmt.Errorf("trading.savings_plan_cost must be positive, got %f", c.Trading.SavingsPlanCost)
	}
	switch c.Trading.Weighting {
	case WeightingEqual, WeightingCustom, WeightingMarketCap,
		WeightingSqrtMarketCap, WeightingSqrtSqrtMarketCap, WeightingCbrtMarketCap:
	default:
		return fmt.Errorf("unknown weighting scheme %q", c.Trading.Weighting)
	}
	switch c.Trading.OrderType {
	case OrderTypeMarket, OrderTypeLimit:
	default:
		return fmt.Errorf("unknown order type %q", c.Trading.OrderType)
	}
	switch strings.ToUpper(c.Trading.BaseCurrency) {
	case "EUR", "USD":
	default:
		return fmt.Errorf("base currency %q is not supported (EUR and USD are)", c.Trading.BaseCurrency)
	}
	return nil
}
