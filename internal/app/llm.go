package app

import (
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/config"
	"github.com/RLAsoftware/category-of-one/internal/llm"
)

type llmSetup struct {
	gateway          llm.Gateway
	resolvedProvider string
	detail           string
}

// resolveGateway picks the model provider. "auto" prefers Anthropic, then
// OpenAI, then the canned mock.
func resolveGateway(cfg config.Config) (llmSetup, error) {
	gateway, err := llm.NewGateway(llm.Config{
		Provider:         cfg.LLMProvider,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		HTTPTimeout:      cfg.LLMHTTPTimeout,
		MockReadyAfter:   cfg.MockReadyAfter,
	})
	if err != nil {
		return llmSetup{}, err
	}

	setup := llmSetup{gateway: gateway}
	switch gateway.(type) {
	case *llm.AnthropicGateway:
		setup.resolvedProvider = "anthropic"
		setup.detail = "anthropic messages api"
	case *llm.OpenAIGateway:
		setup.resolvedProvider = "openai"
		setup.detail = "openai chat completions"
		if m := strings.TrimSpace(cfg.OpenAIModel); m != "" {
			setup.detail += " (" + m + ")"
		}
	default:
		setup.resolvedProvider = "mock"
		setup.detail = "canned replies, no provider key configured"
	}
	return setup, nil
}
