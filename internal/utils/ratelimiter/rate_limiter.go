package ratelimiter

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket refilled at rps with a burst of rps.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New returns nil when rps is zero, i.e. unlimited.
func New(rps int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

func (l *RateLimiter) Allow() bool {
	return l.AllowN(1)
}

func (l *RateLimiter) AllowN(n int) bool {
	if l == nil || n == 0 {
		return true
	}
	return l.limiter.AllowN(time.Now(), n)
}

// Limit is the configured rps, or zero when unlimited.
func (l *RateLimiter) Limit() int {
	if l == nil {
		return 0
	}
	return int(l.limiter.Limit())
}
