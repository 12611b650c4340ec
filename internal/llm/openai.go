package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/shared/logging"
)

const defaultHTTPTimeout = 120 * time.Second

// OpenAITransport speaks the OpenAI-compatible chat completions API.
// Per-call model and token limits come from the Request.
type OpenAITransport struct {
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	logger  logging.Logger
}

// OpenAIOption customises the transport.
type OpenAIOption func(*OpenAITransport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(t *OpenAITransport) { t.client = c }
}

// WithHeaders sets extra request headers.
func WithHeaders(h map[string]string) OpenAIOption {
	return func(t *OpenAITransport) { t.headers = h }
}

// NewOpenAITransport builds a transport for an OpenAI-compatible
// endpoint. baseURL is the API root without the /chat/completions
// suffix.
func NewOpenAITransport(baseURL, apiKey string, logger logging.Logger, opts ...OpenAIOption) *OpenAITransport {
	t := &OpenAITransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logging.OrNop(logger),
	}
	for _, fn := range opts {
		fn(t)
	}
	return t
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete performs one non-streaming chat completion.
func (t *OpenAITransport) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal completion request: %w", err)
	}

	endpoint := t.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.logger.Debug("POST %s model=%s", endpoint, req.Model)
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return Response{}, fmt.Errorf("completion endpoint returned HTTP %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("completion response has no choices")
	}

	return Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}
