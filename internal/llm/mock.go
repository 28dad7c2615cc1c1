package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements Client with scripted responses for tests and dry runs.
type Mock struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []Request
	// Fallback is returned once the scripted responses run out.
	Fallback string
}

// NewMock creates a mock that replays the given responses in order.
func NewMock(responses ...string) *Mock {
	return &Mock{responses: responses, Fallback: "{}"}
}

// FailWith queues an error to be returned before the scripted responses.
func (m *Mock) FailWith(errs ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Generate returns the next scripted error or response.
func (m *Mock) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}

	content := m.Fallback
	if len(m.responses) > 0 {
		content = m.responses[0]
		m.responses = m.responses[1:]
	}
	promptTokens := len(req.Prompt) / 4
	return &Response{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens + len(content)/4,
		},
	}, nil
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// LastPrompt returns the prompt of the most recent call.
func (m *Mock) LastPrompt() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return "", fmt.Errorf("no calls recorded")
	}
	return m.calls[len(m.calls)-1].Prompt, nil
}
