// Package coingecko is a client for the CoinGecko market-data API.
package coingecko

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL = "https://api.coingecko.com/api/v3"
	// PerPage is the page size for market listings; two pages cover the
	// top 500 coins.
	PerPage = 250
)

// Interface is the market-data provider surface consumed by the caches.
type Interface interface {
	GetCoinsMarkets(vsCurrency string, page int) ([]Market, error)
	GetMarketChartRange(id, vsCurrency string, from, to time.Time) ([]PricePoint, error)
	GetHistoricalPrice(id string, date time.Time, vsCurrency string) (float64, error)
	GetPrice(id, vsCurrency string) (float64, error)
}

// Market is one row of the coin market listing.
type Market struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Image        string  `json:"image"`
	CurrentPrice float64 `json:"current_price"`
	MarketCap    float64 `json:"market_cap"`
}

// PricePoint is one timestamped price from a market chart.
type PricePoint struct {
	Timestamp time.Time
	Price     float64
}

// Client talks to the CoinGecko REST API.
type Client struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

var _ Interface = (*Client)(nil)

// NewClient creates a CoinGecko client. The free API allows roughly 30
// requests per minute, so the limiter defaults well below that.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		client:  resty.New().SetBaseURL(baseURL),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 2),
	}
}

// doRequest executes a request with rate limiting and retry on transient errors.
func (c *Client) doRequest(ctx context.Context, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("url", baseURL+url))
		resp, err = req.Execute("GET", url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := true
		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode != http.StatusTooManyRequests && statusCode < 500 {
				shouldRetry = false
			}
		}
		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		retryAfter := time.Duration(math.Pow(2, float64(i))) * time.Second
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

// GetCoinsMarkets fetches one page of the market listing, ordered by
// market cap.
func (c *Client) GetCoinsMarkets(vsCurrency string, page int) ([]Market, error) {
	var markets []Market

	req := c.client.R().
		SetResult(&markets).
		SetQueryParams(map[string]string{
			"vs_currency": vsCurrency,
			"order":       "market_cap_desc",
			"per_page":    strconv.Itoa(PerPage),
			"page":        strconv.Itoa(page),
		})

	if _, err := c.doRequest(context.Background(), "/coins/markets", req); err != nil {
		return nil, fmt.Errorf("failed to get coin markets (page %d): %w", page, err)
	}
	return markets, nil
}

// chartResponse carries [timestamp_ms, price] pairs.
type chartResponse struct {
	Prices [][2]float64 `json:"prices"`
}

// GetMarketChartRange fetches the price series of a coin between two points
// in time. The API picks the resolution from the window size: 5-minutely
// within a day, hourly within 90 days, daily beyond.
func (c *Client) GetMarketChartRange(id, vsCurrency string, from, to time.Time) ([]PricePoint, error) {
	var chart chartResponse

	req := c.client.R().
		SetResult(&chart).
		SetQueryParams(map[string]string{
			"vs_currency": vsCurrency,
			"from":        strconv.FormatInt(from.Unix(), 10),
			"to":          strconv.FormatInt(to.Unix(), 10),
		})

	url := fmt.Sprintf("/coins/%s/market_chart/range", id)
	if _, err := c.doRequest(context.Background(), url, req); err != nil {
		return nil, fmt.Errorf("failed to get market chart for %s: %w", id, err)
	}

	points := make([]PricePoint, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		points = append(points, PricePoint{
			Timestamp: time.UnixMilli(int64(p[0])).UTC(),
			Price:     p[1],
		})
	}
	return points, nil
}

// historyResponse carries the snapshot market data of a coin on one day.
type historyResponse struct {
	MarketData struct {
		CurrentPrice map[string]float64 `json:"current_price"`
	} `json:"market_data"`
}

// GetHistoricalPrice returns the price of a coin on a given date in the
// requested currency.
func (c *Client) GetHistoricalPrice(id string, date time.Time, vsCurrency string) (float64, error) {
	var history historyResponse

	req := c.client.R().
		SetResult(&history).
		SetQueryParams(map[string]string{
			"date":         date.Format("02-01-2006"),
			"localization": "false",
		})

	url := fmt.Sprintf("/coins/%s/history", id)
	if _, err := c.doRequest(context.Background(), url, req); err != nil {
		return 0, fmt.Errorf("failed to get history for %s: %w", id, err)
	}

	price, ok := history.MarketData.CurrentPrice[normalizeCurrency(vsCurrency)]
	if !ok {
		return 0, fmt.Errorf("no %s price in history of %s on %s", vsCurrency, id, date.Format("2006-01-02"))
	}
	return price, nil
}

// GetPrice returns the current price of a coin in the requested currency.
func (c *Client) GetPrice(id, vsCurrency string) (float64, error) {
	var result map[string]map[string]float64

	req := c.client.R().
		SetResult(&result).
		SetQueryParams(map[string]string{
			"ids":           id,
			"vs_currencies": normalizeCurrency(vsCurrency),
		})

	if _, err := c.doRequest(context.Background(), "/simple/price", req); err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", id, err)
	}

	price, ok := result[id][normalizeCurrency(vsCurrency)]
	if !ok {
		return 0, fmt.Errorf("no %s price returned for %s", vsCurrency, id)
	}
	return price, nil
}

// CoinGecko keys prices by lower-case currency code.
func normalizeCurrency(currency string) string {
	return strings.ToLower(currency)
}
