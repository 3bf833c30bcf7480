package capability

import (
	"context"
	"time"

	"genflow/internal/models"
	"genflow/internal/ratelimit"
	"genflow/internal/telemetry"
)

// RateLimited decorates a generator with a per-provider token bucket. The
// acquire wait counts against the attempt, not the caller's retry budget.
type RateLimited struct {
	next     Generator
	limiter  *ratelimit.Limiter
	provider string
	maxWait  time.Duration
}

func NewRateLimited(next Generator, limiter *ratelimit.Limiter, provider string, maxWait time.Duration) *RateLimited {
	if maxWait == 0 {
		maxWait = 30 * time.Second
	}
	return &RateLimited{next: next, limiter: limiter, provider: provider, maxWait: maxWait}
}

func (r *RateLimited) Invoke(ctx context.Context, kind models.TaskKind, payload map[string]any) (any, error) {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, r.provider, r.maxWait); err != nil {
			telemetry.RateLimitRejects.Inc()
			return nil, &GenerationError{Provider: r.provider, Message: err.Error()}
		}
	}
	return r.next.Invoke(ctx, kind, payload)
}
