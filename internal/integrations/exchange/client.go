// Package exchange talks to the order gateway that fronts the real
// perpetual-futures venue. It is request/response only.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNotFilled = errors.New("order not filled")

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange gateway status %d: %s", e.Status, e.Message)
}

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, ratePerSec float64, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:  logger,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	AccountID     string  `json:"account_id"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	ReduceOnly    bool    `json:"reduce_only"`
	LimitPrice    float64 `json:"limit_price"` // fill immediately within this price or cancel
}

type OrderResponse struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
	Fee        float64 `json:"fee"`
}

type PositionState struct {
	Market        string  `json:"market"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type AccountState struct {
	AccountID string          `json:"account_id"`
	Balance   float64         `json:"balance"`
	Equity    float64         `json:"equity"`
	Positions []PositionState `json:"positions"`
}

// PlaceOrder submits an immediate-or-cancel order. Orders are never retried
// here; a failed order surfaces to the caller.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var out OrderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", req, &out); err != nil {
		return OrderResponse{}, err
	}
	if out.FilledSize <= 0 || out.AvgPrice <= 0 {
		return OrderResponse{}, fmt.Errorf("order %s status %q: %w", out.OrderID, out.Status, ErrNotFilled)
	}
	c.logger.Info("exchange order filled",
		zap.String("order_id", out.OrderID),
		zap.String("market", req.Market),
		zap.String("side", req.Side),
		zap.Float64("filled", out.FilledSize),
		zap.Float64("price", out.AvgPrice))
	return out, nil
}

func (c *Client) Account(ctx context.Context, accountID string) (AccountState, error) {
	var out AccountState
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, &out); err != nil {
		return AccountState{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.Configured() {
		return errors.New("exchange gateway is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
