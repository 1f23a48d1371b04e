package llmclient

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited paces decision calls shared by all sessions of the process.
type RateLimited struct {
	next    Decider
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a requests-per-minute limit. A non-positive rate disables pacing.
func NewRateLimited(next Decider, perMinute float64) Decider {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), 1),
	}
}

func (r *RateLimited) Decide(ctx context.Context, req Request) (*Decision, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for decision rate limit: %w", err)
	}
	return r.next.Decide(ctx, req)
}
