// Package marketdata pulls daily candles from a vendor HTTP API (or a
// deterministic demo generator) and refreshes the local price feed. Vendor
// hiccups for one symbol never abort the whole refresh; failed symbols are
// reported and the rest proceed.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"macross/services/engine"
)

// Client fetches daily candles over HTTP. Transient failures (429, 5xx,
// transport errors) are retried with exponential backoff.
type Client struct {
	BaseURL      string
	HTTP         *http.Client
	RetryTotal   int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// NewClient builds a vendor client with a bounded request timeout.
func NewClient(baseURL string, retryTotal int, retryBackoff time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		RetryTotal:   retryTotal,
		RetryBackoff: retryBackoff,
		Logger:       logger,
	}
}

// wireBar is the vendor's daily row; prices arrive as decimal strings.
type wireBar struct {
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (w wireBar) toBar(symbol string) (engine.PriceBar, error) {
	date, err := time.ParseInLocation(engine.DateLayout, w.Date, time.UTC)
	if err != nil {
		return engine.PriceBar{}, fmt.Errorf("%w: %s: bad date %q", engine.ErrInvalidData, symbol, w.Date)
	}
	bar := engine.PriceBar{Symbol: symbol, Date: date}
	for _, f := range [...]struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", w.Open, &bar.Open},
		{"high", w.High, &bar.High},
		{"low", w.Low, &bar.Low},
		{"close", w.Close, &bar.Close},
		{"volume", w.Volume, &bar.Volume},
	} {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return engine.PriceBar{}, fmt.Errorf("%w: %s %s: bad %s %q", engine.ErrInvalidData, symbol, w.Date, f.name, f.raw)
		}
		*f.dst = d.InexactFloat64()
	}
	return bar, nil
}

// FetchDaily retrieves the candles of one symbol for a closed date window.
func (c *Client) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]engine.PriceBar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("start", start.Format(engine.DateLayout))
	q.Set("end", end.Format(engine.DateLayout))
	endpoint := c.BaseURL + "/api/v1/daily?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.RetryTotal; attempt++ {
		if attempt > 0 {
			c.Logger.Warn("retrying daily fetch",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, c.RetryBackoff*(1<<(attempt-1))); err != nil {
				return nil, err
			}
		}
		bars, retry, err := c.fetchOnce(ctx, symbol, endpoint)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, fmt.Errorf("daily %s: retries exhausted: %w", symbol, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, symbol, endpoint string) ([]engine.PriceBar, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Transport errors retry unless the context already gave up.
		return nil, ctx.Err() == nil, fmt.Errorf("daily %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, retryableStatus(resp.StatusCode), fmt.Errorf("daily %s: status %s", symbol, resp.Status)
	}

	var rows []wireBar
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, false, fmt.Errorf("daily %s: decode: %w", symbol, err)
	}
	bars := make([]engine.PriceBar, 0, len(rows))
	for _, row := range rows {
		bar, err := row.toBar(symbol)
		if err != nil {
			return nil, false, err
		}
		bars = append(bars, bar)
	}
	return bars, false, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchAll pulls every symbol, isolating failures: a symbol that errors or
// comes back empty is recorded as skipped and the remaining symbols still
// fetch. Only context cancellation aborts the sweep.
func (c *Client) FetchAll(ctx context.Context, symbols []string, start, end time.Time) (Report, error) {
	var rep Report
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		bars, err := c.FetchDaily(ctx, symbol, start, end)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return rep, err
			}
			c.Logger.Warn("daily fetch failed", zap.String("symbol", symbol), zap.Error(err))
			rep.Skipped = append(rep.Skipped, Skip{Symbol: symbol, Reason: err.Error()})
			continue
		}
		if len(bars) == 0 {
			rep.Skipped = append(rep.Skipped, Skip{Symbol: symbol, Reason: "no data returned"})
			continue
		}
		rep.Bars = append(rep.Bars, bars...)
		rep.Fetched = append(rep.Fetched, symbol)
	}
	return rep, nil
}
