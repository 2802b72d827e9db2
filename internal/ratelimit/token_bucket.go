package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a thread-safe token bucket backed by golang.org/x/time/rate.
// The bucket is refilled at a constant rate and allows bursts up to its capacity.
type TokenBucket struct {
	capacity   float64 // Maximum tokens in bucket
	refillRate float64 // Tokens added per second
	mu         sync.Mutex
	limiter    *rate.Limiter
	clock      func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
//   - capacity: maximum number of tokens (burst size)
//   - refillRate: tokens added per second (sustained rate)
//
// Example:
//   - capacity=100, refillRate=100/3600 allows 100 requests immediately, then 100 per hour
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	tb := &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		clock:      time.Now,
	}
	tb.limiter = tb.newLimiter()
	return tb
}

func (tb *TokenBucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(tb.refillRate), int(math.Ceil(tb.capacity)))
}

// Allow checks if a request should be allowed based on available tokens.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if n tokens are available and consumes them if so.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limiter.AllowN(tb.clock(), n)
}

// Remaining returns the number of tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return math.Max(0, tb.limiter.TokensAt(tb.clock()))
}

// Reset restores the bucket to full capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.limiter = tb.newLimiter()
}
