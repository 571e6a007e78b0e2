package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGateway serves the interview from an OpenAI-compatible endpoint.
type OpenAIGateway struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAIGateway(apiKey, baseURL, defaultModel string) *OpenAIGateway {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if strings.TrimSpace(baseURL) != "" {
		clientConfig.BaseURL = strings.TrimSpace(baseURL)
	}
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = openai.GPT4TurboPreview
	}
	return &OpenAIGateway{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: defaultModel,
	}
}

// model maps the configured model onto one this endpoint serves; admin
// settings usually name a claude model.
func (g *OpenAIGateway) model(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || strings.HasPrefix(requested, "claude") {
		return g.defaultModel
	}
	return requested
}

func (g *OpenAIGateway) StreamChat(ctx context.Context, req ChatRequest) (Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ChatMaxTokens
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.Turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     g.model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return &openAIStream{stream: stream}, nil
}

func (g *OpenAIGateway) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = SynthesisMaxTokens
	}
	msgs := []openai.ChatCompletionMessage{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrNoContent
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *OpenAIGateway) ListModels(ctx context.Context) ([]ModelOption, error) {
	list, err := g.client.ListModels(ctx)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	out := make([]ModelOption, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, ModelOption{ID: m.ID, Label: m.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", wrapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &GatewayError{Provider: "openai", Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &GatewayError{Provider: "openai", Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai: %w", err)
}
