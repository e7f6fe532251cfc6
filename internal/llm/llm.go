// Package llm implements the external Language Model Client collaborator:
// a narrow Complete(messages) → string boundary the core calls once per
// step and parses as JSON.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request bundles the system prompt and conversation the Step Loop sends
// on each planning call.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the model's raw text; the core parses it as a single JSON
// object of shape {"action","args","rationale","done"}.
type Response struct {
	Text string
}

// Client is the narrow, mockable contract the core consumes.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

// NewClientFromEnv builds the configured Client (anthropic by default) by
// reading LLM_PROVIDER, with a no-op logger; cmd/agent uses
// NewClientWithLogger instead.
func NewClientFromEnv() (Client, error) {
	return newClient(providerFromEnv(), zerolog.Nop(), false)
}

// NewClientWithLogger is NewClientFromEnv with the run's own logger wired
// through to the underlying provider client instead of a no-op one.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	return newClient(providerFromEnv(), logger, true)
}

func providerFromEnv() string {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}
	return provider
}

func newClient(provider string, logger zerolog.Logger, withLogger bool) (Client, error) {
	switch provider {
	case "openai":
		if withLogger {
			return NewOpenAIWithLogger(logger)
		}
		return NewOpenAIFromEnv()
	case "anthropic":
		if withLogger {
			return NewAnthropicWithLogger(logger)
		}
		return NewAnthropicFromEnv()
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}
