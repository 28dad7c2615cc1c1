package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of in-flight generations across all agent
// runtimes sharing one provider connection.
type Limited struct {
	inner Client
	sem   *semaphore.Weighted
}

// NewLimited wraps inner with a concurrency cap of maxInflight.
func NewLimited(inner Client, maxInflight int64) *Limited {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Limited{inner: inner, sem: semaphore.NewWeighted(maxInflight)}
}

// Generate blocks until a slot is free or ctx is done.
func (c *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.inner.Generate(ctx, req)
}
