package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto-index-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds

	OrderSideBuy = "BUY"
)

// Normalized order statuses, independent of the exchange's own vocabulary.
const (
	OrderStatusOpen     = "open"
	OrderStatusClosed   = "closed"
	OrderStatusCanceled = "canceled"
)

// Interface is the exchange client surface consumed by the trading pipeline.
// Symbols are unified pairs in "BASE/QUOTE" notation, e.g. "BTC/USDT".
type Interface interface {
	GetServerTime() (int64, error)
	LoadMarkets() (map[string]SymbolInfo, error)
	FetchTicker(symbol string) (float64, error)
	FetchOrder(id int64, symbol string) (*Order, error)
	CreateMarketBuyOrder(symbol string, amount float64) (*Order, error)
	CreateLimitBuyOrder(symbol string, amount, price float64) (*Order, error)
	FetchTotalBalance() (map[string]float64, error)
	SymbolConstraints(symbol string) (*SymbolConstraint, error)
}

// Order is a normalized view of an exchange order.
type Order struct {
	ID        int64
	Symbol    string // unified "BASE/QUOTE" notation
	Status    string
	Price     float64
	Amount    float64
	Cost      float64
	Fee       float64
	FeeSymbol string
	Timestamp int64 // milliseconds since epoch
}

// SymbolConstraint holds the exchange's minimum order rules for one pair.
type SymbolConstraint struct {
	MinAmount   float64
	MinNotional float64
	StepSize    float64
}

// APIError is a non-retryable error response from the exchange.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error (http %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// IsInvalidOrder reports whether err is a per-order rejection (bad size,
// price or filter violation) that should skip the symbol rather than abort
// the whole batch.
func IsInvalidOrder(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case -1013, -1111, -1121, -2010:
		return true
	}
	return false
}

// RestClient is a client for the Binance REST API.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu      sync.RWMutex
	markets map[string]SymbolInfo // unified symbol -> info, set by LoadMarkets
}

// ensure RestClient implements the interface
var _ Interface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Exchange, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// marketSymbol converts a unified pair to the exchange's notation:
// "BTC/USDT" -> "BTCUSDT".
func marketSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			apiErr := &APIError{StatusCode: resp.StatusCode()}
			if jsonErr := json.Unmarshal(resp.Body(), apiErr); jsonErr != nil {
				apiErr.Message = resp.String()
			}
			return nil, apiErr
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// doSigned executes a signed request with the given query parameters.
func (c *RestClient) doSigned(ctx context.Context, method, path string, params url.Values, result interface{}) (*resty.Response, error) {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)

	queryString := params.Encode()
	queryString += "&signature=" + c.sign(queryString)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(result)

	return c.doRequest(ctx, method, path+"?"+queryString, req)
}

// GetServerTime fetches the current server time.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime() (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&ServerTimeResponse{})
	resp, err := c.doRequest(context.Background(), "GET", "/time", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	return resp.Result().(*ServerTimeResponse).ServerTime, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []symbolEntry `json:"symbols"`
}

type symbolEntry struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// SymbolInfo describes one tradable pair.
type SymbolInfo struct {
	Symbol  string // unified "BASE/QUOTE" notation
	Active  bool
	Filters []Filter
}

// Filter represents a single exchange filter for a symbol. LOT_SIZE carries
// the amount bounds, NOTIONAL / MIN_NOTIONAL the monetary minimum.
type Filter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// LoadMarkets fetches exchange trading rules for all pairs and caches them
// for constraint lookups.
func (c *RestClient) LoadMarkets() (map[string]SymbolInfo, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	if _, err := c.doRequest(context.Background(), "GET", "/exchangeInfo", req); err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	markets := make(map[string]SymbolInfo, len(exchangeInfo.Symbols))
	for _, s := range exchangeInfo.Symbols {
		unified := s.BaseAsset + "/" + s.QuoteAsset
		markets[unified] = SymbolInfo{
			Symbol:  unified,
			Active:  s.Status == "TRADING",
			Filters: s.Filters,
		}
	}
	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	c.logger.Info("Cached exchange information", zap.Int("symbols", len(markets)))
	return markets, nil
}

// SymbolConstraints returns the minimum order rules for a unified pair.
func (c *RestClient) SymbolConstraints(symbol string) (*SymbolConstraint, error) {
	c.mu.RLock()
	loaded := c.markets != nil
	c.mu.RUnlock()
	if !loaded {
		if _, err := c.LoadMarkets(); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	info, ok := c.markets[strings.ToUpper(symbol)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("symbol %s is not traded on the exchange", symbol)
	}

	constraint := &SymbolConstraint{}
	for _, f := range info.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			constraint.MinAmount, _ = strconv.ParseFloat(f.MinQty, 64)
			constraint.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			constraint.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	return constraint, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchTicker returns the last traded price for a unified pair.
func (c *RestClient) FetchTicker(symbol string) (float64, error) {
	var ticker TickerPrice

	req := c.client.R().
		SetResult(&ticker).
		SetQueryParam("symbol", marketSymbol(symbol))

	if _, err := c.doRequest(context.Background(), "GET", "/ticker/price", req); err != nil {
		return 0, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ticker price %q for %s: %w", ticker.Price, symbol, err)
	}
	return price, nil
}

// orderResponse is the exchange's order payload, shared by the order
// endpoints.
type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

func (c *RestClient) normalizeOrder(resp *orderResponse, symbol string) *Order {
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)

	price := 0.0
	if executed > 0 {
		price = quote / executed
	} else {
		price, _ = strconv.ParseFloat(resp.Price, 64)
	}

	var status string
	switch resp.Status {
	case "FILLED":
		status = OrderStatusClosed
	case "CANCELED", "REJECTED", "EXPIRED":
		status = OrderStatusCanceled
	default: // NEW, PARTIALLY_FILLED
		status = OrderStatusOpen
	}

	ts := resp.TransactTime
	if ts == 0 {
		ts = resp.UpdateTime
	}
	if ts == 0 {
		ts = resp.Time
	}

	// The order endpoints do not report fees; the ledger defaults them to 0.
	return &Order{
		ID:        resp.OrderID,
		Symbol:    symbol,
		Status:    status,
		Price:     price,
		Amount:    executed,
		Cost:      quote,
		Timestamp: ts,
	}
}

// FetchOrder fetches the current status of an order.
func (c *RestClient) FetchOrder(id int64, symbol string) (*Order, error) {
	var result orderResponse
	params := url.Values{}
	params.Set("symbol", marketSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(id, 10))

	if _, err := c.doSigned(context.Background(), "GET", "/order", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch order %d (%s): %w", id, symbol, err)
	}
	return c.normalizeOrder(&result, symbol), nil
}

// CreateMarketBuyOrder places a market buy for the given base-asset amount.
func (c *RestClient) CreateMarketBuyOrder(symbol string, amount float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", marketSymbol(symbol))
	params.Set("side", OrderSideBuy)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(amount, 'f', -1, 64))

	return c.createOrder(symbol, params)
}

// CreateLimitBuyOrder places a limit buy at the given price.
func (c *RestClient) CreateLimitBuyOrder(symbol string, amount, price float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", marketSymbol(symbol))
	params.Set("side", OrderSideBuy)
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", strconv.FormatFloat(amount, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))

	return c.createOrder(symbol, params)
}

func (c *RestClient) createOrder(symbol string, params url.Values) (*Order, error) {
	var result orderResponse
	if _, err := c.doSigned(context.Background(), "POST", "/order", params, &result); err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
		)
		return nil, fmt.Errorf("failed to create order for %s: %w", symbol, err)
	}

	order := c.normalizeOrder(&result, symbol)
	c.logger.Info("Successfully created order",
		zap.Int64("order_id", order.ID),
		zap.String("symbol", symbol),
		zap.Float64("amount", order.Amount),
	)
	return order, nil
}

// accountResponse represents the signed /account endpoint payload.
type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchTotalBalance returns free+locked amounts per asset, skipping zeros.
func (c *RestClient) FetchTotalBalance() (map[string]float64, error) {
	var result accountResponse
	if _, err := c.doSigned(context.Background(), "GET", "/account", url.Values{}, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch account balance: %w", err)
	}

	balances := make(map[string]float64, len(result.Balances))
	for _, b := range result.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if total := free + locked; total > 0 {
			balances[strings.ToUpper(b.Asset)] = total
		}
	}
	return balances, nil
}
