// Package marketdata implements the price oracle consumed by the engine:
// an HTTP quote client, an optional Redis read-through cache, and the
// market session calendar.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client fetches last-traded and historical close prices from the quote
// service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
}

func (c *Client) LastPrice(ctx context.Context, symbol, exchange string, instrumentType types.InstrumentType) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("exchange", exchange)
	q.Set("type", string(instrumentType))
	return c.fetch(ctx, "/v1/quote/ltp", q)
}

func (c *Client) HistoricalClose(ctx context.Context, symbol, exchange, segment string, day time.Time) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("exchange", exchange)
	q.Set("segment", segment)
	q.Set("date", day.Format("2006-01-02"))
	return c.fetch(ctx, "/v1/quote/close", q)
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote fetch: status %d", resp.StatusCode)
	}
	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("quote decode: %w", err)
	}
	if body.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("quote fetch: non-positive price %s", body.Price)
	}
	return body.Price, nil
}
