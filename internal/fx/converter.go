// Package fx converts between fiat currencies using ECB reference rates.
package fx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const baseURL = "https://api.frankfurter.app"

// ECB publishes one fixing per working day, so cached rates stay valid
// for a day.
const rateTTL = 24 * time.Hour

// Converter converts fiat amounts via cached ECB rates.
type Converter struct {
	client *resty.Client
	logger *zap.Logger

	mu        sync.Mutex
	rates     map[string]float64 // quote currency -> rate per 1 EUR
	fetchedAt time.Time
	dated     map[string]map[string]float64 // fixing date -> rates
}

// NewConverter creates a Converter backed by the frankfurter.app API.
func NewConverter(logger *zap.Logger) *Converter {
	return &Converter{
		client: resty.New().SetBaseURL(baseURL),
		logger: logger,
		dated:  map[string]map[string]float64{},
	}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

func (c *Converter) refresh(ctx context.Context) error {
	var result ratesResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetQueryParam("from", "EUR").
		Get("/latest")
	if err != nil {
		return fmt.Errorf("failed to fetch fx rates: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to fetch fx rates: status %s", resp.Status())
	}

	rates := result.Rates
	rates["EUR"] = 1.0
	c.rates = rates
	c.fetchedAt = time.Now()
	c.logger.Debug("Refreshed fx rates", zap.Int("currencies", len(rates)))
	return nil
}

// Convert converts an amount from one fiat currency to another.
func (c *Converter) Convert(amount float64, from, to string) (float64, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return amount, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rates == nil || time.Since(c.fetchedAt) > rateTTL {
		if err := c.refresh(context.Background()); err != nil {
			if c.rates == nil {
				return 0, err
			}
			// Keep serving yesterday's fixing rather than failing a
			// conversion over a transient provider error.
			c.logger.Warn("Using stale fx rates", zap.Error(err))
		}
	}

	return convertWith(c.rates, amount, from, to)
}

// ConvertAt converts an amount using the ECB fixing of the given date.
// Frankfurter serves the fixing of the closest preceding working day;
// published fixings never change, so they are cached without expiry.
func (c *Converter) ConvertAt(amount float64, from, to string, date time.Time) (float64, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return amount, nil
	}

	day := date.UTC().Format("2006-01-02")

	c.mu.Lock()
	defer c.mu.Unlock()

	rates, ok := c.dated[day]
	if !ok {
		var result ratesResponse
		resp, err := c.client.R().
			SetResult(&result).
			SetQueryParam("from", "EUR").
			Get("/" + day)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch fx rates for %s: %w", day, err)
		}
		if resp.IsError() {
			return 0, fmt.Errorf("failed to fetch fx rates for %s: status %s", day, resp.Status())
		}
		rates = result.Rates
		rates["EUR"] = 1.0
		c.dated[day] = rates
	}

	return convertWith(rates, amount, from, to)
}

func convertWith(rates map[string]float64, amount float64, from, to string) (float64, error) {
	fromRate, ok := rates[from]
	if !ok {
		return 0, fmt.Errorf("no fx rate for %s", from)
	}
	toRate, ok := rates[to]
	if !ok {
		return 0, fmt.Errorf("no fx rate for %s", to)
	}
	return amount / fromRate * toRate, nil
}
