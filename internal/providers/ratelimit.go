package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a request-per-second limiter shared
// across all agents that hold the same instance. It blocks rather than
// rejects; upstream 429s still reach RetryDo when the limit is set too
// high.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
func NewRateLimited(p Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimited) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.Chat(ctx, req)
}

func (p *RateLimited) ChatStream(ctx context.Context, req Request, onEvent func(StreamEvent)) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.ChatStream(ctx, req, onEvent)
}

// CountTokens passes through when the wrapped provider counts tokens.
// Counting calls are cheap and uncounted against the limit.
func (p *RateLimited) CountTokens(ctx context.Context, texts []string) (int, error) {
	if c, ok := p.Provider.(TokenCounter); ok {
		return c.CountTokens(ctx, texts)
	}
	return 0, ErrNoTokenCounter
}
