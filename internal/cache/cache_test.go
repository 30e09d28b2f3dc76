package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestMemoryClaimForget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(time.Minute, 0)

	ok, err := m.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Forget(ctx, "abc"))
	ok, err = m.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(10*time.Millisecond, 0)
	ok, _ := m.Claim(ctx, "abc")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err := m.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimForget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeRedis()
	r := NewRedis(fake, "", time.Hour)

	ok, err := r.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, fake.keys["notam:seen:abc"])

	ok, err = r.Claim(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Forget(ctx, "abc"))
	assert.Empty(t, fake.keys)
}

func TestRedisClaimError(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	r := NewRedis(fake, "p:", time.Minute)

	ok, err := r.Claim(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestNopAlwaysClaims(t *testing.T) {
	t.Parallel()

	var s SeenSet = Nop{}
	for range 2 {
		ok, err := s.Claim(context.Background(), "abc")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestDialRedisRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, _, err := DialRedis(context.Background(), RedisConfig{URL: "://nope"})
	require.Error(t, err)
}
