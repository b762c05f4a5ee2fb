package fallback

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket limits provider calls to a fixed quota per rolling window.
// The bucket starts full, holds at most quota tokens, and refills at
// quota/window. A nil bucket never limits.
type TokenBucket struct {
	limiter *rate.Limiter
	quota   int
	window  time.Duration
}

// NewTokenBucket creates a bucket allowing quota calls per window. A
// non-positive quota or window disables limiting.
func NewTokenBucket(quota int, window time.Duration) *TokenBucket {
	if quota <= 0 || window <= 0 {
		return &TokenBucket{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	refill := rate.Limit(float64(quota) / window.Seconds())
	return &TokenBucket{
		limiter: rate.NewLimiter(refill, quota),
		quota:   quota,
		window:  window,
	}
}

// Wait blocks until a token is available or ctx is done
func (b *TokenBucket) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// Allow takes a token if one is available now
func (b *TokenBucket) Allow() bool {
	if b == nil {
		return true
	}
	return b.limiter.Allow()
}

// Tokens returns the tokens currently available
func (b *TokenBucket) Tokens() float64 {
	if b == nil {
		return 0
	}
	return b.limiter.Tokens()
}
