package llm

import (
	"context"

	colonyerrors "colony/internal/errors"
	"colony/internal/logging"
)

// RetryClient wraps a Client with exponential backoff on transient
// failures. Permanent errors pass through on the first attempt.
type RetryClient struct {
	inner  Client
	config colonyerrors.RetryConfig
	logger logging.Logger
}

// NewRetryClient wraps inner with the given retry policy.
func NewRetryClient(inner Client, config colonyerrors.RetryConfig, logger logging.Logger) *RetryClient {
	return &RetryClient{inner: inner, config: config, logger: logging.OrNop(logger)}
}

// Generate retries the wrapped call on transient failures.
func (c *RetryClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return colonyerrors.RetryWithResultAndLog(ctx, c.config, func(ctx context.Context) (*Response, error) {
		return c.inner.Generate(ctx, req)
	}, c.logger)
}
