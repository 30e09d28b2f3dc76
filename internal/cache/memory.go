package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process SeenSet backed by go-cache.
type Memory struct {
	items *gocache.Cache
}

// NewMemory keeps keys for ttl. A cleanupInterval of zero disables the
// background janitor; expired keys are still ignored on lookup.
func NewMemory(ttl, cleanupInterval time.Duration) *Memory {
	return &Memory{items: gocache.New(ttl, cleanupInterval)}
}

// Claim implements SeenSet.
func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	if err := m.items.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

// Forget implements SeenSet.
func (m *Memory) Forget(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Len returns the number of remembered keys, expired ones included until cleanup.
func (m *Memory) Len() int {
	return m.items.ItemCount()
}
