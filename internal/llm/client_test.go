package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	colonyerrors "colony/internal/errors"
)

func TestOpenAIClientGenerate(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "sk-test"}, nil)
	resp, err := c.Generate(context.Background(), Request{
		Role:     "planner",
		ModelRef: "gpt-4o",
		System:   "you plan tasks",
		Prompt:   "plan",
		Params:   Params{Temperature: 0.2, MaxTokens: 512},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
}

func TestOpenAIClientErrorTaxonomy(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL}, nil)

	_, err := c.Generate(context.Background(), Request{ModelRef: "gpt-4o", Prompt: "x"})
	assert.True(t, colonyerrors.IsTransient(err), "5xx is retryable")

	status = http.StatusUnauthorized
	_, err = c.Generate(context.Background(), Request{ModelRef: "gpt-4o", Prompt: "x"})
	assert.True(t, colonyerrors.IsPermanent(err), "401 is a caller bug")

	status = http.StatusTooManyRequests
	_, err = c.Generate(context.Background(), Request{ModelRef: "gpt-4o", Prompt: "x"})
	assert.True(t, colonyerrors.IsTransient(err), "429 is retryable")
}

func TestRetryClientRecoversFromTransient(t *testing.T) {
	mock := NewMock(`{"ok":true}`)
	mock.FailWith(colonyerrors.NewTransientError(assert.AnError, "blip"))

	cfg := colonyerrors.DefaultRetryConfig()
	cfg.BaseDelay = 0
	c := NewRetryClient(mock, cfg, nil)

	resp, err := c.Generate(context.Background(), Request{ModelRef: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Len(t, mock.Calls(), 2)
}

func TestRetryClientStopsOnPermanent(t *testing.T) {
	mock := NewMock("never returned")
	mock.FailWith(colonyerrors.NewPermanentError(assert.AnError, "bad request"))

	cfg := colonyerrors.DefaultRetryConfig()
	cfg.BaseDelay = 0
	c := NewRetryClient(mock, cfg, nil)

	_, err := c.Generate(context.Background(), Request{ModelRef: "m", Prompt: "p"})
	assert.Error(t, err)
	assert.Len(t, mock.Calls(), 1, "permanent errors are not retried")
}

func TestLimitedHonorsContext(t *testing.T) {
	limited := NewLimited(NewMock(), 1)

	// Occupy the only slot, then a canceled caller must give up.
	require.NoError(t, limited.sem.Acquire(context.Background(), 1))
	defer limited.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limited.Generate(ctx, Request{ModelRef: "m", Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncateToTokens(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	trimmed := TruncateToTokens(long, 50)
	assert.Less(t, len(trimmed), len(long))
	assert.Equal(t, long, TruncateToTokens(long, 0), "zero budget disables truncation")
	assert.LessOrEqual(t, CountTokens(""), 0)
	assert.Greater(t, CountTokens("hello world"), 0)
}
