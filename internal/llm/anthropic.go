package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	envAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	envAnthropicModel   = "ANTHROPIC_MODEL"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	anthropicMaxTokens  = 900
	anthropicTimeout    = 60 * time.Second
	anthropicMaxRetries = 3
	anthropicRetryBase  = 500 * time.Millisecond
	anthropicMaxRequest = 200000
)

type anthropicClient struct {
	client anthropic.Client
	model  string
	logger zerolog.Logger
}

// NewAnthropicFromEnv builds a Client from ANTHROPIC_API_KEY/ANTHROPIC_MODEL.
func NewAnthropicFromEnv() (Client, error) {
	return NewAnthropicWithLogger(zerolog.Nop())
}

// NewAnthropicWithLogger is NewAnthropicFromEnv with request/response
// logging attached.
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(os.Getenv(envAnthropicAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAnthropicAPIKey)
	}
	model := strings.Trim(strings.TrimSpace(os.Getenv(envAnthropicModel)), "\"'")
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(key), option.WithRequestTimeout(anthropicTimeout)),
		model:  model,
		logger: logger,
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("no messages")
	}
	req = truncateOversized(req, anthropicMaxRequest, c.logger)

	maxTokens := int64(req.MaxTokens)
	if maxTokens < anthropicMaxTokens {
		maxTokens = anthropicMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = anthropicRetryBase
	bo.Multiplier = 2

	var lastErr error
	for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		c.logger.Debug().Str("model", c.model).Int("messages", len(messages)).Int("attempt", attempt).Msg("anthropic request")
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return Response{Text: extractText(msg)}, nil
		}

		lastErr = err
		if !retryable(err) {
			return Response{}, fmt.Errorf("anthropic: %w", err)
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying anthropic call")
	}
	return Response{}, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func extractText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// retryable mirrors the teacher's 400-vs-429/5xx distinction: usage-limit
// errors never retry, rate-limit and server errors do.
func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api usage limit") || strings.Contains(msg, "invalid_request") {
		return false
	}
	return strings.Contains(msg, "429") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded")
}

func truncateOversized(req Request, max int, logger zerolog.Logger) Request {
	if len(req.System) > max {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:max] + "... [truncated]"
	}
	for i, m := range req.Messages {
		if len(m.Content) > max {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = m.Content[:max] + "... [truncated]"
		}
	}
	return req
}
