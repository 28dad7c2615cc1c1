// Package llm provides the model adapter port and its HTTP, retrying,
// rate-limited and mock implementations.
package llm

import (
	"context"
)

// Params tunes a single generation request.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// Request carries one prompt to a model.
type Request struct {
	// Role labels the caller (planner, worker, judge) for logging and
	// metrics only; it does not change the wire request.
	Role     string
	ModelRef string
	System   string
	Prompt   string
	Params   Params
}

// Usage tracks token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client is the model adapter port. Implementations must be safe for
// concurrent use.
type Client interface {
	// Generate sends one prompt and returns the model's text reply.
	Generate(ctx context.Context, req Request) (*Response, error)
}
