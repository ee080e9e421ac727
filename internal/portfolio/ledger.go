package portfolio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/coingecko"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/fx"
	"crypto-index-bot-go/internal/models"
	"crypto-index-bot-go/internal/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// reconcileGrace is how long a pending order is assumed to still be in
// flight. Younger entries are never reconciled; the status tracker that
// placed them will record the fill itself.
const reconcileGrace = 10 * time.Minute

// ledgerRefreshThrottle limits how often the full refresh pass runs.
const ledgerRefreshThrottle = time.Minute

// Holding is the aggregated position in one coin.
type Holding struct {
	Amount   float64
	CostBase float64
}

// Ledger is the persisted, append-only trade log. Besides appending fills it
// reconciles pending orders against the exchange's order history and
// backfills derived columns (cost_total, cost_base) that older schema
// versions did not have.
type Ledger struct {
	db       *gorm.DB
	exchange binance.Interface
	provider coingecko.Interface
	market   *MarketCache
	fx       *fx.Converter
	cfg      *config.Config
	logger   *zap.Logger

	mu          sync.Mutex // serializes refresh passes
	lastRefresh time.Time
}

// NewLedger creates a Ledger on top of the migrated database.
func NewLedger(db *gorm.DB, exchange binance.Interface, provider coingecko.Interface,
	market *MarketCache, converter *fx.Converter, cfg *config.Config, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:       db,
		exchange: exchange,
		provider: provider,
		market:   market,
		fx:       converter,
		cfg:      cfg,
		logger:   logger.Named("ledger"),
	}
}

// Refresh runs the full maintenance pass: reconciliation of pending orders,
// derived-column backfill and ticker rebranding. Throttled unless forced.
func (l *Ledger) Refresh(force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && time.Since(l.lastRefresh) < ledgerRefreshThrottle {
		return nil
	}

	if err := l.reconcile(); err != nil {
		return fmt.Errorf("ledger reconciliation: %w", err)
	}
	if err := l.backfillCostTotal(); err != nil {
		return fmt.Errorf("cost_total backfill: %w", err)
	}
	if err := l.backfillCostBase(); err != nil {
		return fmt.Errorf("cost_base backfill: %w", err)
	}
	if err := l.rebrand(); err != nil {
		return fmt.Errorf("ticker rebranding: %w", err)
	}

	l.lastRefresh = time.Now()
	return nil
}

// reconcile looks for pending orders that never made it into the trades
// table, fetches their status and appends the fill if the order is closed.
// Running it twice over the same pending set adds no duplicate rows.
func (l *Ledger) reconcile() error {
	var pending []models.PendingOrder
	if err := l.db.Find(&pending).Error; err != nil {
		return err
	}

	for _, p := range pending {
		var count int64
		if err := l.db.Model(&models.Trade{}).Where("order_id = ?", p.OrderID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue // already recorded
		}
		if time.Since(p.PlacedAt) < reconcileGrace {
			// Still settling; the status tracker will record it.
			l.logger.Debug("Skipping young pending order", zap.String("order_id", p.OrderID))
			continue
		}

		id, err := strconv.ParseInt(p.OrderID, 10, 64)
		if err != nil {
			l.logger.Error("Pending order with malformed id", zap.String("order_id", p.OrderID))
			continue
		}

		l.logger.Warn("Found order that is not in the trade log, reconciling",
			zap.String("order_id", p.OrderID), zap.String("symbol", p.Symbol))

		order, err := retry.DoValue(l.logger, 5, 30*time.Second, func() (*binance.Order, error) {
			return l.exchange.FetchOrder(id, p.Symbol)
		})
		if err != nil {
			return err
		}

		switch order.Status {
		case binance.OrderStatusOpen:
			l.logger.Info("Order is not yet closed", zap.String("order_id", p.OrderID))
		case binance.OrderStatusCanceled:
			l.logger.Warn("Pending order was canceled on the exchange, dropping it",
				zap.String("order_id", p.OrderID))
			if err := l.db.Delete(&models.PendingOrder{}, p.ID).Error; err != nil {
				return err
			}
		case binance.OrderStatusClosed:
			if err := l.AddTrade(TradeFromOrder(order, l.cfg.Exchange.Name)); err != nil {
				return err
			}
			l.logger.Info("Reconciled closed order into the trade log",
				zap.String("order_id", p.OrderID))
		}
	}
	return nil
}

// TradeFromOrder synthesizes a ledger row from an exchange order. The buy
// and sell symbols are split from the pair notation; a missing fee defaults
// to 0.
func TradeFromOrder(order *binance.Order, exchangeName string) models.Trade {
	buySymbol, sellSymbol := order.Symbol, ""
	if idx := strings.Index(order.Symbol, "/"); idx >= 0 {
		buySymbol = order.Symbol[:idx]
		sellSymbol = order.Symbol[idx+1:]
	}
	return models.Trade{
		Date:       time.UnixMilli(order.Timestamp).UTC(),
		OrderID:    strconv.FormatInt(order.ID, 10),
		BuySymbol:  strings.ToUpper(buySymbol),
		SellSymbol: strings.ToUpper(sellSymbol),
		Price:      order.Price,
		Amount:     order.Amount,
		Cost:       order.Cost,
		Fee:        order.Fee,
		FeeSymbol:  strings.ToUpper(order.FeeSymbol),
		Exchange:   exchangeName,
	}
}

// AddTrade appends a trade. The derived cost_total column is always filled;
// cost_base is attempted from current data and left for the backfill pass
// when the conversion is not possible yet. Keyed by order id, so re-adding
// an already recorded fill is a no-op.
func (l *Ledger) AddTrade(trade models.Trade) error {
	costTotal := trade.Cost + trade.Fee
	trade.CostTotal = &costTotal

	if trade.CostBase == nil {
		if base, err := l.convertToBase(costTotal, trade.SellSymbol); err == nil {
			trade.CostBase = &base
		} else {
			l.logger.Debug("Deferring cost_base conversion", zap.Error(err))
		}
	}

	return l.db.Where(models.Trade{OrderID: trade.OrderID}).FirstOrCreate(&trade).Error
}

// AddPendingOrder records a submitted order id for later reconciliation.
func (l *Ledger) AddPendingOrder(id int64, symbol string, placedAt time.Time) error {
	order := models.PendingOrder{
		OrderID:  strconv.FormatInt(id, 10),
		Symbol:   symbol,
		PlacedAt: placedAt.UTC(),
	}
	return l.db.Where(models.PendingOrder{OrderID: order.OrderID}).FirstOrCreate(&order).Error
}

// PendingOrders returns all recorded order submissions, oldest first.
func (l *Ledger) PendingOrders() ([]models.PendingOrder, error) {
	var pending []models.PendingOrder
	err := l.db.Order("placed_at").Find(&pending).Error
	return pending, err
}

// convertToBase converts an amount denominated in fromSymbol to the
// configured base currency at current rates.
func (l *Ledger) convertToBase(amount float64, fromSymbol string) (float64, error) {
	base := strings.ToUpper(l.cfg.Trading.BaseCurrency)
	fromSymbol = strings.ToUpper(fromSymbol)
	if fromSymbol == base {
		return amount, nil
	}
	if IsFiat(fromSymbol) {
		return l.fx.Convert(amount, fromSymbol, base)
	}
	// Snapshot prices are quoted in the base currency already.
	price, err := l.market.Price(fromSymbol)
	if err != nil {
		return 0, err
	}
	return amount * price, nil
}

// Convert translates an amount between any two known currencies, crypto or
// fiat. Crypto legs price through the market snapshot, fiat legs through the
// reference-rate converter, pivoting over the base currency.
func (l *Ledger) Convert(amount float64, from, to string) (float64, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	inBase, err := l.convertToBase(amount, from)
	if err != nil {
		return 0, fmt.Errorf("convert %s to base: %w", from, err)
	}
	base := strings.ToUpper(l.cfg.Trading.BaseCurrency)
	if to == base {
		return inBase, nil
	}
	if IsFiat(to) {
		return l.fx.Convert(inBase, base, to)
	}
	price, err := l.market.Price(to)
	if err != nil {
		return 0, fmt.Errorf("price for %s: %w", to, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("no price for %s", to)
	}
	return inBase / price, nil
}

// backfillCostTotal fills cost_total for rows written by a schema version
// that did not have the column.
func (l *Ledger) backfillCostTotal() error {
	return l.db.Model(&models.Trade{}).
		Where("cost_total IS NULL").
		Update("cost_total", gorm.Expr("cost + fee")).Error
}

// backfillCostBase fills cost_base for rows that lack it, using the
// historical price of the sell symbol on the trade's date. Rows whose sell
// symbol already equals the base currency skip the price lookup.
func (l *Ledger) backfillCostBase() error {
	var rows []models.Trade
	if err := l.db.Where("cost_base IS NULL").Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	l.logger.Info("Backfilling historic cost in base currency; this may take a while but is only done once",
		zap.Int("rows", len(rows)))

	base := strings.ToUpper(l.cfg.Trading.BaseCurrency)
	for _, row := range rows {
		costTotal := row.Cost + row.Fee
		if row.CostTotal != nil {
			costTotal = *row.CostTotal
		}

		var costBase float64
		sell := strings.ToUpper(row.SellSymbol)
		switch {
		case sell == base:
			costBase = costTotal
		case IsFiat(sell):
			// Fiat legs use the fixing of the trade date, matching the
			// historical price lookup on the crypto branch.
			converted, err := l.fx.ConvertAt(costTotal, sell, base, row.Date)
			if err != nil {
				return err
			}
			costBase = converted
		default:
			coinID, err := l.market.CoinID(sell)
			if err != nil {
				return err
			}
			price, err := retry.DoValue(l.logger, 5, 20*time.Second, func() (float64, error) {
				return l.provider.GetHistoricalPrice(coinID, row.Date, base)
			})
			if err != nil {
				return err
			}
			costBase = price * costTotal
		}

		if err := l.db.Model(&models.Trade{}).Where("id = ?", row.ID).
			Update("cost_base", costBase).Error; err != nil {
			return err
		}
	}
	return nil
}

// rebrand rewrites legacy tickers to their current names.
func (l *Ledger) rebrand() error {
	for old, current := range Rebranding {
		if err := l.db.Model(&models.Trade{}).Where("buy_symbol = ?", old).
			Update("buy_symbol", current).Error; err != nil {
			return err
		}
		if err := l.db.Model(&models.Trade{}).Where("sell_symbol = ?", old).
			Update("sell_symbol", current).Error; err != nil {
			return err
		}
	}
	return nil
}

// Trades returns all trades sorted by date.
func (l *Ledger) Trades() ([]models.Trade, error) {
	var trades []models.Trade
	err := l.db.Order("date").Find(&trades).Error
	return trades, err
}

// Holdings aggregates held amounts and cost basis per buy symbol.
func (l *Ledger) Holdings() (map[string]Holding, error) {
	trades, err := l.Trades()
	if err != nil {
		return nil, err
	}
	holdings := make(map[string]Holding)
	for _, t := range trades {
		h := holdings[strings.ToUpper(t.BuySymbol)]
		h.Amount += t.Amount
		if t.CostBase != nil {
			h.CostBase += *t.CostBase
		}
		holdings[strings.ToUpper(t.BuySymbol)] = h
	}
	return holdings, nil
}

// Invested is the total amount ever spent, in the base currency.
func (l *Ledger) Invested() (float64, error) {
	var sum float64
	err := l.db.Model(&models.Trade{}).Select("COALESCE(SUM(cost_base), 0)").Scan(&sum).Error
	return sum, err
}

// EarliestTradeDate returns the date of the first trade, if any.
func (l *Ledger) EarliestTradeDate() (time.Time, bool, error) {
	var trade models.Trade
	err := l.db.Order("date").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return trade.Date, true, nil
}

// ExportCSV writes all trades in a portfolio-tool compatible layout.
func (l *Ledger) ExportCSV(w io.Writer) error {
	trades, err := l.Trades()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"datetime", "price", "shares", "tax", "fee", "type", "assettype", "identifier", "currency"}); err != nil {
		return err
	}

	base := strings.ToUpper(l.cfg.Trading.BaseCurrency)
	for _, t := range trades {
		price := 0.0
		if t.CostBase != nil && t.Amount > 0 {
			price = *t.CostBase / t.Amount
		}
		fee := t.Fee
		if fee != 0 && t.FeeSymbol != "" && t.FeeSymbol != base {
			if converted, err := l.convertToBase(fee, t.FeeSymbol); err == nil {
				fee = converted
			}
		}
		record := []string{
			t.Date.Format(time.RFC3339),
			strconv.FormatFloat(price, 'f', -1, 64),
			strconv.FormatFloat(t.Amount, 'f', -1, 64),
			"0",
			strconv.FormatFloat(fee, 'f', -1, 64),
			"Buy",
			"Crypto",
			strings.ToUpper(t.BuySymbol),
			base,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
