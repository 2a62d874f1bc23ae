// Package decision asks a language model for a trading intent. Provider
// variants form a closed set selected by the strategy's provider kind.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perpbot/internal/domain"
	"perpbot/internal/service/credentials"
)

type Request struct {
	Model   string
	BaseURL string
	System  string
	Context string
}

type Provider interface {
	Decide(ctx context.Context, secret credentials.Secret, req Request) (Intent, error)
}

// Set holds one client per provider kind, built once at startup.
type Set struct {
	OpenAI    Provider
	Anthropic Provider
}

// NewSet builds both variants sharing the process-wide request budget.
func NewSet(ratePerMin int, logger *zap.Logger) Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if ratePerMin > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMin)), max(1, ratePerMin/10))
	}
	return Set{
		OpenAI:    NewOpenAIProvider(limiter, logger),
		Anthropic: NewAnthropicProvider(limiter, logger),
	}
}

func (s Set) For(kind domain.ProviderKind) (Provider, error) {
	var p Provider
	switch kind {
	case domain.ProviderOpenAI:
		p = s.OpenAI
	case domain.ProviderAnthropic:
		p = s.Anthropic
	}
	if p == nil {
		return nil, fmt.Errorf("no decision provider for kind %q", kind)
	}
	return p, nil
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return classify(ctx, fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

// classify maps transport failures onto the tick error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Fail(domain.ErrDecisionProviderTimeout, err)
	}
	return domain.Fail(domain.ErrDecisionProviderFailed, err)
}
