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

	colonyerrors "colony/internal/errors"
	"colony/internal/logging"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config holds connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds one HTTP round trip. Zero means 120s.
	Timeout time.Duration
	Headers map[string]string
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient builds a client from config, applying defaults.
func NewOpenAIClient(config Config, logger logging.Logger) *OpenAIClient {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		headers:    config.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens     int  `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate sends one chat completion request.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.ModelRef == "" {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("model ref required"), "request without model")
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.ModelRef,
		Messages:    messages,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		TopP:        req.Params.TopP,
	})
	if err != nil {
		return nil, colonyerrors.NewPermanentError(err, "marshal chat request")
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, colonyerrors.NewPermanentError(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, colonyerrors.NewTransientError(err, "chat request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, colonyerrors.NewTransientError(err, "read chat response")
	}

	c.logger.Debug("llm %s role=%s status=%d elapsed=%s", req.ModelRef, req.Role, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, colonyerrors.NewTransientError(err, "decode chat response")
	}
	if parsed.Error != nil {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message), "provider error")
	}
	if len(parsed.Choices) == 0 {
		return nil, colonyerrors.NewTransientError(fmt.Errorf("empty choices"), "provider returned no choices")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// statusError maps HTTP status codes to the transient/permanent taxonomy.
// 429 and 5xx are retryable; everything else 4xx is a caller bug.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("http %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		te := colonyerrors.NewTransientError(err, "provider unavailable")
		te.StatusCode = status
		return te
	}
	pe := colonyerrors.NewPermanentError(err, "provider rejected request")
	pe.StatusCode = status
	return pe
}
