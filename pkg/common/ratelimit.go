package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a downstream service, such as result batches
// published to the sink. It is safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size. The burst parameter controls how many requests can be made at once
// to accommodate temporary spikes in traffic.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// LogThrottle decides whether a repetitive log line should be emitted at its
// normal level. Callers demote throttled lines to debug rather than dropping
// them so nothing is lost when debug logging is on.
type LogThrottle struct {
	limiter *rate.Limiter
}

// NewLogThrottle allows perSecond lines on average with bursts of up to burst.
func NewLogThrottle(perSecond float64, burst int) *LogThrottle {
	return &LogThrottle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether the next line may be emitted at its normal level.
// A nil throttle always allows.
func (t *LogThrottle) Allow() bool {
	if t == nil {
		return true
	}
	return t.limiter.Allow()
}
