package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]notice.Raw
	at      []time.Time
	ch      chan int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan int, 16)}
}

func (r *flushRecorder) flush(_ context.Context, batch []notice.Raw) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.at = append(r.at, time.Now())
	r.mu.Unlock()
	r.ch <- len(batch)
	return nil
}

func (r *flushRecorder) next(t *testing.T, within time.Duration) int {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(within):
		t.Fatalf("no flush within %s", within)
		return 0
	}
}

func raw(i int) notice.Raw {
	return notice.Raw{SourceID: "KSFO", Number: fmt.Sprintf("A%d/25", i), Text: fmt.Sprintf("RWY %02d CLSD", i), Origin: notice.OriginStream}
}

func TestBatcherFlushesBySizeThenInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newFlushRecorder()
	interval := 150 * time.Millisecond
	b := NewBatcher(BatcherConfig{BatchSize: 5, FlushInterval: interval, MaxInflight: 100, BlockOnBackpressure: true}, rec.flush)

	ctx := context.Background()
	start := time.Now()
	for i := range 7 {
		require.NoError(t, b.Submit(ctx, raw(i)))
	}

	assert.Equal(t, 5, rec.next(t, time.Second))
	assert.Equal(t, 2, rec.next(t, time.Second))

	rec.mu.Lock()
	secondAt := rec.at[1]
	assert.Equal(t, "A0/25", rec.batches[0][0].Number)
	assert.Equal(t, "A6/25", rec.batches[1][1].Number)
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, secondAt.Sub(start), interval)

	require.NoError(t, b.Close(ctx))
	assert.Zero(t, b.Inflight())
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{BatchSize: 10, FlushInterval: time.Hour}, rec.flush)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, b.Submit(ctx, raw(i)))
	}
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 3, rec.next(t, time.Second))

	require.ErrorIs(t, b.Submit(ctx, raw(9)), ErrClosed)
	require.NoError(t, b.Close(ctx), "second close is a no-op")
}

func TestBatcherBlocksAtMaxInflight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	flushed := make(chan int, 4)
	flush := func(_ context.Context, batch []notice.Raw) error {
		<-release
		flushed <- len(batch)
		return nil
	}
	b := NewBatcher(BatcherConfig{BatchSize: 2, FlushInterval: time.Hour, MaxInflight: 2, BlockOnBackpressure: true}, flush)
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, raw(1)))
	require.NoError(t, b.Submit(ctx, raw(2)))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	err := b.Submit(short, raw(3))
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(2), b.Inflight())

	done := make(chan error, 1)
	go func() { done <- b.Submit(ctx, raw(4)) }()
	close(release)
	assert.Equal(t, 2, <-flushed)
	require.NoError(t, <-done)

	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 1, <-flushed)
}

func TestBatcherWarnsWithoutBlocking(t *testing.T) {
	t.Parallel()

	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{BatchSize: 10, FlushInterval: time.Hour, MaxInflight: 1, BlockOnBackpressure: false}, rec.flush)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, b.Submit(ctx, raw(i)))
	}
	assert.Equal(t, int64(3), b.Inflight())
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 3, rec.next(t, time.Second))
}

func TestBatcherFlushErrorDoesNotStop(t *testing.T) {
	t.Parallel()

	calls := make(chan int, 4)
	b := NewBatcher(BatcherConfig{BatchSize: 1, FlushInterval: time.Hour}, func(_ context.Context, batch []notice.Raw) error {
		calls <- len(batch)
		return fmt.Errorf("database unavailable")
	})
	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, raw(1)))
	require.NoError(t, b.Submit(ctx, raw(2)))
	require.NoError(t, b.Close(ctx))
	assert.Len(t, calls, 2)
	assert.Zero(t, b.Inflight())
}

func TestDefaultBatcherConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultBatcherConfig()
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, 500, cfg.MaxInflight)
	assert.True(t, cfg.BlockOnBackpressure)
}
