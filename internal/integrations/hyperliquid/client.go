// Package hyperliquid reads quotes, candles and order books from the
// Hyperliquid info endpoint.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perpbot/internal/domain"
)

const (
	DefaultBaseURL = "https://api.hyperliquid.xyz"

	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond
)

type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient builds a client limited to ratePerSec requests per second.
func NewClient(baseURL string, timeout time.Duration, ratePerSec float64, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(math.Max(1, ratePerSec/2))),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

type candle struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

func (c *Client) Quote(ctx context.Context, market string) (domain.Quote, error) {
	book, err := c.OrderBook(ctx, market, 1)
	if err != nil {
		return domain.Quote{}, err
	}
	q := domain.Quote{Market: book.Market, Time: book.Time}
	if len(book.Bids) > 0 {
		q.Bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		q.Ask = book.Asks[0].Price
	}
	switch {
	case q.Bid > 0 && q.Ask > 0:
		q.Mid = (q.Bid + q.Ask) / 2
	case q.Bid > 0:
		q.Mid = q.Bid
	case q.Ask > 0:
		q.Mid = q.Ask
	default:
		return domain.Quote{}, fmt.Errorf("hyperliquid: empty book for %s", market)
	}
	return q, nil
}

// Mids returns mid prices for every listed market in one call.
func (c *Client) Mids(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := c.info(ctx, map[string]interface{}{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for coin, px := range raw {
		v, err := strconv.ParseFloat(px, 64)
		if err != nil {
			continue
		}
		out[coin] = v
	}
	return out, nil
}

func (c *Client) OrderBook(ctx context.Context, market string, depth int) (domain.OrderBook, error) {
	var raw l2Book
	if err := c.info(ctx, map[string]interface{}{"type": "l2Book", "coin": market}, &raw); err != nil {
		return domain.OrderBook{}, err
	}
	book := domain.OrderBook{Market: market, Time: time.UnixMilli(raw.Time).UTC()}
	if raw.Time == 0 {
		book.Time = c.now()
	}
	if len(raw.Levels) == 2 {
		book.Bids = levels(raw.Levels[0], depth)
		book.Asks = levels(raw.Levels[1], depth)
	}
	return book, nil
}

func levels(in []bookLevel, depth int) []domain.BookLevel {
	if depth > 0 && len(in) > depth {
		in = in[:depth]
	}
	out := make([]domain.BookLevel, 0, len(in))
	for _, l := range in {
		px, err1 := strconv.ParseFloat(l.Px, 64)
		sz, err2 := strconv.ParseFloat(l.Sz, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, domain.BookLevel{Price: px, Size: sz})
	}
	return out
}

func (c *Client) Candles(ctx context.Context, market, timeframe string, count int) ([]domain.Candle, error) {
	step, err := Interval(timeframe)
	if err != nil {
		return nil, err
	}
	end := c.now()
	start := end.Add(-step * time.Duration(count+1))
	var raw []candle
	body := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      market,
			"interval":  timeframe,
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}
	if err := c.info(ctx, body, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		cd := domain.Candle{Time: time.UnixMilli(k.T).UTC()}
		cd.Open, _ = strconv.ParseFloat(k.O, 64)
		cd.High, _ = strconv.ParseFloat(k.H, 64)
		cd.Low, _ = strconv.ParseFloat(k.L, 64)
		cd.Close, _ = strconv.ParseFloat(k.C, 64)
		cd.Volume, _ = strconv.ParseFloat(k.V, 64)
		if cd.Close <= 0 {
			continue
		}
		out = append(out, cd)
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

// Interval parses candle intervals such as 1m, 15m, 1h, 1d.
func Interval(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if strings.HasSuffix(tf, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(tf, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid candle interval %q", tf)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(tf)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid candle interval %q", tf)
	}
	return d, nil
}

func (c *Client) info(ctx context.Context, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("hyperliquid request failed after %d attempts: %w", attempt+1, err)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			c.logger.Warn("hyperliquid retryable status", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if attempt == maxRetries {
				return fmt.Errorf("hyperliquid status %d after %d attempts", resp.StatusCode, attempt+1)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("hyperliquid client error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("hyperliquid: exhausted %d retries", maxRetries)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
