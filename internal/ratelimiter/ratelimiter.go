// Package ratelimiter throttles outgoing RPC calls per endpoint.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every caller of one endpoint.
//
// Calls wait for a token before their transaction is handed to the dispatch
// daemon, so throttling never holds a transaction slot. All methods are safe
// for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing callsPerSecond sustained calls with bursts
// of up to burst. A zero rate disables limiting; a zero burst defaults to
// the rate.
func New(callsPerSecond, burst uint) *RateLimiter {
	if callsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = callsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit changes the sustained rate. Zero disables limiting.
func (r *RateLimiter) SetLimit(callsPerSecond uint) {
	if callsPerSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(callsPerSecond))
	if uint(r.limiter.Burst()) < callsPerSecond {
		r.limiter.SetBurst(int(callsPerSecond))
	}
}

// Unlimited reports whether the limiter lets everything through.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Tokens returns the current number of available tokens.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
