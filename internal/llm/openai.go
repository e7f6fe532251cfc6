package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

const (
	envOpenAIAPIKey      = "OPENAI_API_KEY"
	envOpenAIModel       = "OPENAI_MODEL"
	defaultOpenAIModel   = "gpt-4o-mini"
	openAITimeout        = 60 * time.Second
	openAIMaxRetries     = 3
	openAIRetryBase      = 500 * time.Millisecond
	openAIMaxRequest     = 200000
	openAIMaxTokensFloor = 900
)

type openAIClient struct {
	client openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAIFromEnv() (Client, error) {
	return NewOpenAIWithLogger(zerolog.Nop())
}

func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	model := strings.Trim(strings.TrimSpace(os.Getenv(envOpenAIModel)), "\"'")
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIClient{
		client: openai.NewClient(option.WithAPIKey(key), option.WithRequestTimeout(openAITimeout)),
		model:  model,
		logger: logger,
	}, nil
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("no messages")
	}
	req = truncateOversized(req, openAIMaxRequest, c.logger)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens < openAIMaxTokensFloor {
		maxTokens = openAIMaxTokensFloor
	}

	params := openai.ChatCompletionNewParams{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = openAIRetryBase
	bo.Multiplier = 2

	var lastErr error
	for attempt := 0; attempt <= openAIMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		c.logger.Debug().Str("model", c.model).Int("messages", len(messages)).Int("attempt", attempt).Msg("openai request")
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			if len(resp.Choices) == 0 {
				return Response{}, fmt.Errorf("openai: no choices in response")
			}
			return Response{Text: resp.Choices[0].Message.Content}, nil
		}

		lastErr = err
		if !openAIRetryable(err) {
			return Response{}, fmt.Errorf("openai: %w", err)
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying openai call")
	}
	return Response{}, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

func openAIRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "rate_limit")
}
