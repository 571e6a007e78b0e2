// Package llm talks to the hosted language models that drive the interview
// and produce the structured positioning profile.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/reliability"
)

// Turn is one prior message in a chat request.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized streaming chat request.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Turns        []Turn
	ClientName   string
	MaxTokens    int
}

// CompletionRequest is a single-shot request whose reply is read whole.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

type ModelOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Stream yields text deltas. Recv returns io.EOF once the provider's end marker arrives.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Gateway is the model-provider boundary used by the conversation engine and
// the synthesis pipeline.
type Gateway interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	ListModels(ctx context.Context) ([]ModelOption, error)
}

const (
	ChatMaxTokens      = 1024
	SynthesisMaxTokens = 2048
)

// ErrNoContent is returned when a provider answers without any text.
var ErrNoContent = errors.New("llm: empty response")

// GatewayError is a non-2xx provider response.
type GatewayError struct {
	Provider string
	Status   int
	Body     string
}

func (e *GatewayError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.Status, body)
}

// Retryable reports whether resending the same request may succeed.
func (e *GatewayError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// IsRetryable classifies any error returned by a Gateway.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport failures (resets, DNS, deadline) are worth a resend.
	return err != nil
}

// Config controls gateway construction.
type Config struct {
	Provider         string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	HTTPTimeout      time.Duration
	MockReadyAfter   int
}

func NewGateway(cfg Config) (Gateway, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		return newAutoGateway(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic api key is required for anthropic provider")
		}
		return NewAnthropicGateway(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.HTTPTimeout), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai provider")
		}
		return NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "mock":
		return NewMockGateway(cfg.MockReadyAfter), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func newAutoGateway(cfg Config) Gateway {
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		return NewAnthropicGateway(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.HTTPTimeout)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	}
	return NewMockGateway(cfg.MockReadyAfter)
}
