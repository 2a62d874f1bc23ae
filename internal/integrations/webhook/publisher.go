// Package webhook delivers engine events to an operator endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
)

// DefaultTypes are the events forwarded when no filter is given.
var DefaultTypes = []domain.EventType{
	domain.EventTradeExecuted,
	domain.EventGuardrailVetoed,
	domain.EventTickFailed,
}

type Publisher struct {
	url        string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	types      map[domain.EventType]bool
	httpClient *http.Client
	logger     *zap.Logger
}

func NewPublisher(url string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration, logger *zap.Logger) *Publisher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		url:        url,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	return p.Only(DefaultTypes...)
}

// Only restricts delivery to the given event types.
func (p *Publisher) Only(types ...domain.EventType) *Publisher {
	p.types = make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		p.types[t] = true
	}
	return p
}

// Publish posts the event, retrying transport errors, 429 and 5xx with
// capped exponential backoff. The event id doubles as the idempotency key so
// the receiver can drop repeats.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p.url == "" || !p.types[event.Type] {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	delay := p.retryBase
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > p.retryMax {
				delay = p.retryMax
			}
		}
		retry, err := p.post(ctx, event, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		p.logger.Debug("webhook delivery failed",
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("deliver event %s: %w", event.ID, lastErr)
}

func (p *Publisher) post(ctx context.Context, event domain.Event, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Idempotency-Key", event.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
}
