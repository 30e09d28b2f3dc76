// Package backoff implements exponential retry delays with random jitter.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// DefaultMaxJitter is the upper bound of the random delay added to each backoff.
const DefaultMaxJitter = 500 * time.Millisecond

// Policy computes min(Cap, Base*2^attempt) plus jitter in [0, MaxJitter).
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration
	// Jitter overrides the random source; nil uses crypto/rand.
	Jitter func(limit time.Duration) time.Duration
}

// New returns a policy with the default jitter bound.
func New(base, maxDelay time.Duration) Policy {
	return Policy{Base: base, Cap: maxDelay, MaxJitter: DefaultMaxJitter}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = randomJitter
	}
	return time.Duration(delay) + jitter(p.MaxJitter)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// EscalateTimeout doubles current, bounded by five times the original timeout.
func EscalateTimeout(current, original time.Duration) time.Duration {
	next := current * 2
	if ceiling := original * 5; next > ceiling {
		return ceiling
	}
	return next
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
