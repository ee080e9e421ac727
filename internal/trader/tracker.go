package trader

import (
	"fmt"
	"time"

	"crypto-index-bot-go/internal/binance"
	"crypto-index-bot-go/internal/config"
	"crypto-index-bot-go/internal/portfolio"
	"crypto-index-bot-go/internal/retry"
	"go.uber.org/zap"
)

const (
	// maxSettleChecks bounds how often a batch is re-polled before it is
	// declared stalled.
	maxSettleChecks = 10
	// settleDelayBase scales the quadratic backoff between status checks:
	// the n-th check runs settleDelayBase * n^2 after the previous one.
	settleDelayBase = 60 * time.Second
)

// BatchState is the lifecycle state of a submitted order batch.
type BatchState int

const (
	BatchSubmitted BatchState = iota
	BatchSettled
	BatchStalled
)

func (s BatchState) String() string {
	switch s {
	case BatchSubmitted:
		return "submitted"
	case BatchSettled:
		return "settled"
	case BatchStalled:
		return "stalled"
	}
	return "unknown"
}

// Tracker watches submitted order batches until every fill lands in the
// trade ledger.
type Tracker struct {
	exchange binance.Interface
	ledger   *portfolio.Ledger
	cfg      *config.Config
	logger   *zap.Logger

	// afterFunc is swappable so tests can run checks synchronously.
	afterFunc func(d time.Duration, f func()) *time.Timer
	// retryBase spaces the bounded retries around one status fetch.
	retryBase time.Duration
}

// NewTracker creates a Tracker writing settled fills through the ledger.
func NewTracker(exchange binance.Interface, ledger *portfolio.Ledger, cfg *config.Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		exchange:  exchange,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.Named("tracker"),
		afterFunc: time.AfterFunc,
		retryBase: 30 * time.Second,
	}
}

// CheckOrders fetches the status of every order once and splits the batch
// into still-open and finished ids. Closed fills are appended to the trade
// ledger; canceled orders are treated as finished without a fill. Synthetic
// negative ids are always finished: their ledger entry was written when the
// batch was submitted, so repeated checks never add rows.
func (tr *Tracker) CheckOrders(ids []int64, symbols []string) (open, closed []int64, err error) {
	if len(ids) != len(symbols) {
		return nil, nil, fmt.Errorf("ids and symbols length mismatch: %d != %d", len(ids), len(symbols))
	}
	for i, id := range ids {
		if id < 0 {
			closed = append(closed, id)
			continue
		}

		symbol := symbols[i]
		order, err := retry.DoValue(tr.logger, 3, tr.retryBase, func() (*binance.Order, error) {
			return tr.exchange.FetchOrder(id, symbol)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("status of order %d (%s): %w", id, symbol, err)
		}

		switch order.Status {
		case binance.OrderStatusClosed:
			if err := tr.ledger.AddTrade(portfolio.TradeFromOrder(order, tr.cfg.Exchange.Name)); err != nil {
				return nil, nil, fmt.Errorf("record fill of order %d: %w", id, err)
			}
			tr.logger.Info("order settled",
				zap.Int64("order_id", id), zap.String("symbol", symbol),
				zap.Float64("amount", order.Amount), zap.Float64("cost", order.Cost))
			closed = append(closed, id)
		case binance.OrderStatusCanceled:
			tr.logger.Warn("order was canceled on the exchange",
				zap.Int64("order_id", id), zap.String("symbol", symbol))
			closed = append(closed, id)
		default:
			open = append(open, id)
		}
	}
	return open, closed, nil
}

// batch is one tracked order submission.
type batch struct {
	ids     []int64
	symbols []string
	retries int
	state   BatchState
	done    func(BatchState, error)
}

// Track polls a freshly submitted batch until every order settles. Checks
// run with a quadratic backoff; a batch with orders still open after
// maxSettleChecks extra checks is declared stalled and polling stops. The
// done callback fires exactly once with the terminal state, and receives
// any check error instead of it being dropped inside the timer goroutine.
func (tr *Tracker) Track(ids []int64, symbols []string, done func(BatchState, error)) {
	b := &batch{
		ids:     append([]int64(nil), ids...),
		symbols: append([]string(nil), symbols...),
		state:   BatchSubmitted,
		done:    done,
	}
	if len(b.ids) == 0 {
		b.state = BatchSettled
		b.done(b.state, nil)
		return
	}
	tr.schedule(b)
}

func (tr *Tracker) schedule(b *batch) {
	b.retries++
	delay := time.Duration(b.retries*b.retries) * settleDelayBase
	tr.logger.Debug("scheduling order status check",
		zap.Int("check", b.retries), zap.Duration("delay", delay),
		zap.Int64s("order_ids", b.ids))
	tr.afterFunc(delay, func() { tr.poll(b) })
}

func (tr *Tracker) poll(b *batch) {
	open, _, err := tr.CheckOrders(b.ids, b.symbols)
	if err != nil {
		b.state = BatchStalled
		tr.logger.Error("order status check failed", zap.Error(err))
		b.done(b.state, err)
		return
	}
	if len(open) == 0 {
		b.state = BatchSettled
		tr.logger.Info("order batch settled", zap.Int("orders", len(b.ids)))
		b.done(b.state, nil)
		return
	}

	stillOpen := make(map[int64]bool, len(open))
	for _, id := range open {
		stillOpen[id] = true
	}
	ids := b.ids[:0]
	symbols := b.symbols[:0]
	for i, id := range b.ids {
		if stillOpen[id] {
			ids = append(ids, id)
			symbols = append(symbols, b.symbols[i])
		}
	}
	b.ids, b.symbols = ids, symbols

	if b.retries > maxSettleChecks {
		b.state = BatchStalled
		tr.logger.Error("orders still open after maximum checks, giving up",
			zap.Int64s("order_ids", b.ids))
		b.done(b.state, ErrBatchStalled)
		return
	}
	tr.schedule(b)
}
