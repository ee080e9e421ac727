package binance

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-index-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := resty.New().SetBaseURL(server.URL)
	logger := zap.NewNop() // Use a no-op logger for tests

	rc := &RestClient{
		client:    client,
		apiKey:    "test_api_key",
		secretKey: "test_secret_key",
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}

	return rc, server
}

func TestGetServerTime(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		expectedTime := time.Now().UnixMilli()
		mockResponse := fmt.Sprintf(`{"serverTime": %d}`, expectedTime)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/time", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockResponse))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime()

		assert.NoError(t, err)
		assert.Equal(t, expectedTime, serverTime)
	})

	t.Run("APIError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code": -1100, "msg": "Illegal characters"}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get server time")
		assert.Equal(t, int64(0), serverTime)
	})
}

func TestLoadMarkets(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchangeInfo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"symbols": [
				{
					"symbol": "BTCUSDT",
					"status": "TRADING",
					"baseAsset": "BTC",
					"quoteAsset": "USDT",
					"filters": [
						{"filterType": "LOT_SIZE", "minQty": "0.00001000", "stepSize": "0.00001000"},
						{"filterType": "NOTIONAL", "minNotional": "5.00000000"}
					]
				},
				{
					"symbol": "DOGEUSDT",
					"status": "BREAK",
					"baseAsset": "DOGE",
					"quoteAsset": "USDT",
					"filters": []
				}
			]
		}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	markets, err := rc.LoadMarkets()
	assert.NoError(t, err)
	assert.Len(t, markets, 2)
	assert.True(t, markets["BTC/USDT"].Active)
	assert.False(t, markets["DOGE/USDT"].Active)

	constraint, err := rc.SymbolConstraints("BTC/USDT")
	assert.NoError(t, err)
	assert.Equal(t, 0.00001, constraint.MinAmount)
	assert.Equal(t, 0.00001, constraint.StepSize)
	assert.Equal(t, 5.0, constraint.MinNotional)

	_, err = rc.SymbolConstraints("XRP/USDT")
	assert.Error(t, err)
}

func TestFetchTicker(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol": "BTCUSDT", "price": "30000.50"}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	price, err := rc.FetchTicker("BTC/USDT")
	assert.NoError(t, err)
	assert.Equal(t, 30000.50, price)
}

func TestFetchOrder(t *testing.T) {
	testCases := []struct {
		name           string
		exchangeStatus string
		expectedStatus string
	}{
		{"Filled order is closed", "FILLED", OrderStatusClosed},
		{"New order is open", "NEW", OrderStatusOpen},
		{"Partial fill is open", "PARTIALLY_FILLED", OrderStatusOpen},
		{"Canceled order", "CANCELED", OrderStatusCanceled},
		{"Expired order is canceled", "EXPIRED", OrderStatusCanceled},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/order", r.URL.Path)
				assert.NotEmpty(t, r.URL.Query().Get("signature"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(fmt.Sprintf(`{
					"symbol": "BTCUSDT",
					"orderId": 42,
					"price": "30000",
					"origQty": "0.002",
					"executedQty": "0.002",
					"cummulativeQuoteQty": "60.0",
					"status": %q,
					"time": 1700000000000
				}`, tc.exchangeStatus)))
			})

			rc, server := setupTestServer(handler)
			defer server.Close()

			order, err := rc.FetchOrder(42, "BTC/USDT")
			assert.NoError(t, err)
			assert.Equal(t, int64(42), order.ID)
			assert.Equal(t, "BTC/USDT", order.Symbol)
			assert.Equal(t, tc.expectedStatus, order.Status)
			assert.Equal(t, 0.002, order.Amount)
			assert.Equal(t, 60.0, order.Cost)
			// Price is derived from the executed fill, not the quoted price.
			assert.InDelta(t, 30000.0, order.Price, 0.001)
		})
	}
}

func TestCreateMarketBuyOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "MARKET", r.URL.Query().Get("type"))
		assert.Equal(t, OrderSideBuy, r.URL.Query().Get("side"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"symbol": "ETHUSDT",
			"orderId": 7,
			"executedQty": "0.025",
			"cummulativeQuoteQty": "50.0",
			"status": "FILLED",
			"transactTime": 1700000000000
		}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	order, err := rc.CreateMarketBuyOrder("ETH/USDT", 0.025)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), order.ID)
	assert.Equal(t, OrderStatusClosed, order.Status)
	assert.Equal(t, int64(1700000000000), order.Timestamp)
}

func TestFetchTotalBalance(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"balances": [
				{"asset": "USDT", "free": "100.5", "locked": "10.0"},
				{"asset": "BTC", "free": "0.5", "locked": "0"},
				{"asset": "ETH", "free": "0", "locked": "0"}
			]
		}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	balances, err := rc.FetchTotalBalance()
	assert.NoError(t, err)
	assert.Equal(t, 110.5, balances["USDT"])
	assert.Equal(t, 0.5, balances["BTC"])
	// Zero balances are dropped.
	_, ok := balances["ETH"]
	assert.False(t, ok)
}

func TestIsInvalidOrder(t *testing.T) {
	assert.True(t, IsInvalidOrder(&APIError{Code: -1013}))
	assert.True(t, IsInvalidOrder(fmt.Errorf("wrapped: %w", &APIError{Code: -2010})))
	assert.False(t, IsInvalidOrder(&APIError{Code: -1001}))
	assert.False(t, IsInvalidOrder(fmt.Errorf("plain error")))
}

func TestNewRestClient(t *testing.T) {
	t.Run("Testnet", func(t *testing.T) {
		cfg := &config.Exchange{Testnet: true, ApiKey: "k", SecretKey: "s"}
		rc := NewRestClient(cfg, zap.NewNop())
		assert.NotNil(t, rc)
		assert.Equal(t, cfg.ApiKey, rc.apiKey)
		assert.Equal(t, cfg.SecretKey, rc.secretKey)
	})

	t.Run("Production", func(t *testing.T) {
		cfg := &config.Exchange{Testnet: false}
		rc := NewRestClient(cfg, zap.NewNop())
		assert.NotNil(t, rc)
		assert.Equal(t, cfg.ApiKey, rc.apiKey)
	})
}
