package decision

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perpbot/internal/service/credentials"
)

const anthropicMaxTokens = 1024

type AnthropicProvider struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewAnthropicProvider(limiter *rate.Limiter, logger *zap.Logger) *AnthropicProvider {
	return &AnthropicProvider{limiter: limiter, logger: logger}
}

func (p *AnthropicProvider) Decide(ctx context.Context, secret credentials.Secret, req Request) (Intent, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return Intent{}, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(secret.Value()),
		option.WithMaxRetries(0),
	}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Context)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			p.logger.Warn("anthropic request failed", zap.Int("status", apiErr.StatusCode), zap.String("model", req.Model))
		}
		return Intent{}, classify(ctx, err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseIntent(text.String())
}
