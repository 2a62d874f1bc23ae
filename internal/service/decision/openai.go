package decision

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perpbot/internal/service/credentials"
)

type OpenAIProvider struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewOpenAIProvider(limiter *rate.Limiter, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{limiter: limiter, logger: logger}
}

func (p *OpenAIProvider) Decide(ctx context.Context, secret credentials.Secret, req Request) (Intent, error) {
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
	client := openai.NewClient(opts...)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Context),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			p.logger.Warn("openai request failed", zap.Int("status", apiErr.StatusCode), zap.String("model", req.Model))
		}
		return Intent{}, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return Intent{}, malformed("openai returned no choices")
	}
	return ParseIntent(resp.Choices[0].Message.Content)
}
