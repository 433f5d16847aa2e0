package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/duckmesh/nlq/internal/observability"
)

// NewLimiter builds the token bucket shared by every outbound model call.
// It returns nil, meaning unthrottled, when rps <= 0.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Limited throttles a Model and records each call's outcome.
type Limited struct {
	next    Model
	limiter *rate.Limiter
}

func NewLimited(next Model, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := wait(ctx, l.limiter); err != nil {
		observability.ObserveModelCall(req.Purpose, err)
		return "", err
	}
	out, err := l.next.Complete(ctx, req)
	observability.ObserveModelCall(req.Purpose, err)
	return out, err
}

type LimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

func NewLimitedEmbedder(next Embedder, limiter *rate.Limiter) *LimitedEmbedder {
	return &LimitedEmbedder{next: next, limiter: limiter}
}

func (l *LimitedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := wait(ctx, l.limiter); err != nil {
		observability.ObserveModelCall("embedding", err)
		return nil, err
	}
	vector, err := l.next.EmbedQuery(ctx, text)
	observability.ObserveModelCall("embedding", err)
	return vector, err
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for model rate limit: %w", err)
	}
	return nil
}
