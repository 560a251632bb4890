package panel

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket that paces calls to one provider.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// RateLimiterConfig configures a rate limiter. A zero RefillRate disables
// limiting.
type RateLimiterConfig struct {
	MaxTokens  float64
	RefillRate float64
}

// NewRateLimiter creates a rate limiter with a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = 1
	}
	return &RateLimiter{
		tokens:     cfg.MaxTokens,
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.refillRate <= 0 {
		return ctx.Err()
	}
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the current number of available tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now
	r.tokens = min(r.maxTokens, r.tokens+elapsed.Seconds()*r.refillRate)
}

// limiters hands out one bucket per provider name.
type limiters struct {
	cfg RateLimiterConfig
	mu  sync.Mutex
	m   map[string]*RateLimiter
}

func newLimiters(cfg RateLimiterConfig) *limiters {
	return &limiters{cfg: cfg, m: make(map[string]*RateLimiter)}
}

func (l *limiters) get(provider string) *RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.m[provider]; ok {
		return r
	}
	r := NewRateLimiter(l.cfg)
	l.m[provider] = r
	return r
}
