package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 requests per second = 100ms interval, burst 1.
	l := New("test", Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_SharedAcrossGoroutines(t *testing.T) {
	t.Parallel()

	l := New("test", Config{RPS: 20})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	first, last := times[0], times[0]
	for _, ts := range times {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	// Four slots at 50ms spacing span at least 150ms.
	if span := last.Sub(first); span < 120*time.Millisecond {
		t.Errorf("expected slots spread over ~150ms, got %v", span)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := New("test", Config{RPS: 0})
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter throttled")
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	t.Parallel()

	l := New("test", Config{RPS: 0.1})
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestKeyed_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := NewKeyed(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	// Host B should not be blocked by A
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("host B blocked unexpectedly")
	}
}
