// Package ratelimit implements token bucket limiters for classification
// dispatch and source fetching.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/notam-pipeline/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate. Zero or negative disables throttling.
	RPS   float64
	Burst int
}

func (c Config) limit() (rate.Limit, int) {
	r := rate.Limit(c.RPS)
	if c.RPS <= 0 {
		r = rate.Inf
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

// Limiter is a single shared limiter. With burst 1 it enforces a minimum
// interval of 1/RPS between any two Wait returns across all callers.
type Limiter struct {
	scope   string
	limiter *rate.Limiter
}

// New creates a Limiter; scope labels the wait metric.
func New(scope string, cfg Config) *Limiter {
	r, burst := cfg.limit()
	return &Limiter{scope: scope, limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a slot is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.scope, waited)
	}
	return nil
}

// Keyed manages one limiter per host, used for source feeds.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewKeyed creates a per-host limiter.
func NewKeyed(cfg Config) *Keyed {
	r, burst := cfg.limit()
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the host of rawURL.
func (k *Keyed) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	k.mu.Lock()
	limiter, exists := k.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(k.rate, k.burst)
		k.limiters[host] = limiter
	}
	k.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
