// Package cache remembers notice fingerprints the stream consumer handled
// recently, so that queue redeliveries are acknowledged without being
// classified again.
package cache

import "context"

// SeenSet is a time-bounded set of fingerprints.
type SeenSet interface {
	// Claim marks key as seen. It reports false when key was already present.
	Claim(ctx context.Context, key string) (bool, error)
	// Forget removes key so that a redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// Nop never remembers anything.
type Nop struct{}

// Claim always succeeds.
func (Nop) Claim(context.Context, string) (bool, error) { return true, nil }

// Forget does nothing.
func (Nop) Forget(context.Context, string) error { return nil }
