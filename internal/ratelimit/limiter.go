package ratelimit

import (
	"context"
	"log"
	"time"
)

// Store defines the interface for rate limit storage backends.
// Implementations can be in-memory (for single instance) or distributed (Redis).
// Keys identify a caller; buckets are created full on first use.
type Store interface {
	// Allow consumes one token for key if available.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Remaining returns the tokens left for key without consuming any.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)

	// Reset restores the bucket for key to full capacity.
	Reset(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Limiter bounds how many requests one caller may make per hour using a
// pluggable storage backend. For single-instance deployments, use MemoryStore
// (default); for several relays behind one balancer, use RedisStore.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *log.Logger
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// RequestsPerHour is both the burst size and the hourly refill; zero disables limiting.
	RequestsPerHour int

	Logger *log.Logger
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	capacity := float64(cfg.RequestsPerHour)
	return &Limiter{
		store:      store,
		capacity:   capacity,
		refillRate: capacity / time.Hour.Seconds(),
		logger:     cfg.Logger,
	}
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.capacity > 0
}

// Limit returns the bucket capacity.
func (l *Limiter) Limit() float64 { return l.capacity }

// Allow checks if a request from key should be allowed. Store failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64) {
	if !l.Enabled() || key == "" {
		return true, l.capacity
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("rate limit store error (allowing request): %v", err)
		}
		return true, l.capacity
	}
	return allowed, remaining
}

// Remaining returns the number of tokens remaining for key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if !l.Enabled() || key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// ResetAfter returns how long until the bucket for remaining tokens is full again.
func (l *Limiter) ResetAfter(remaining float64) time.Duration {
	if l.refillRate <= 0 || remaining >= l.capacity {
		return 0
	}
	secondsNeeded := (l.capacity - remaining) / l.refillRate
	return time.Duration(secondsNeeded * float64(time.Second))
}

// Reset resets the rate limit for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}
