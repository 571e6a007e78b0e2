package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/RLAsoftware/category-of-one/internal/reliability"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicGateway speaks the Anthropic messages API.
type AnthropicGateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicGateway(apiKey, baseURL string, timeout time.Duration) *AnthropicGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	// Streaming responses are bounded by the caller's context; the client
	// timeout only guards connection setup and non-streaming calls.
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AnthropicGateway{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *AnthropicGateway) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (g *AnthropicGateway) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(httpReq)

	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &GatewayError{Provider: "anthropic", Status: res.StatusCode, Body: string(raw)}
	}
	return res, nil
}

func (g *AnthropicGateway) StreamChat(ctx context.Context, req ChatRequest) (Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ChatMaxTokens
	}
	msgs := make([]anthropicMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: t.Role, Content: t.Content})
	}
	res, err := g.post(ctx, anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  msgs,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	return newSSEStream(res.Body), nil
}

func (g *AnthropicGateway) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = SynthesisMaxTokens
	}
	res, err := g.post(ctx, anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var out strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", ErrNoContent
	}
	return out.String(), nil
}

// ListModels returns the claude models the key can use, sorted by id.
func (g *AnthropicGateway) ListModels(ctx context.Context) ([]ModelOption, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(httpReq)
	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &GatewayError{Provider: "anthropic", Status: res.StatusCode, Body: string(raw)}
	}

	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	out := make([]ModelOption, 0, len(payload.Data))
	for _, m := range payload.Data {
		if !strings.HasPrefix(m.ID, "claude") {
			continue
		}
		label := strings.TrimSpace(m.DisplayName)
		if label == "" {
			label = m.ID
		}
		out = append(out, ModelOption{ID: m.ID, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// sseStream decodes the messages API event stream into text deltas.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				return event.Delta.Text, nil
			}
		case "message_stop":
			s.done = true
			return "", io.EOF
		case "error":
			s.done = true
			msg := data
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			status := 502
			if event.Error != nil {
				switch {
				case event.Error.Type == "overloaded_error":
					status = 529
				case reliability.IsRetryableProviderErrorType(event.Error.Type):
					status = 503
				default:
					status = 400
				}
			}
			return "", &GatewayError{Provider: "anthropic", Status: status, Body: msg}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	// Body ended without message_stop.
	s.done = true
	return "", io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
