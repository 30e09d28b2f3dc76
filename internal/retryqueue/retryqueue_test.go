package retryqueue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/storage/memory"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

type dispatchFunc func(ctx context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome

func (f dispatchFunc) DispatchMany(ctx context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome {
	return f(ctx, items, s)
}

// failTexts classifies everything except items whose text contains "FAIL".
func failTexts(seen *dispatcher.Settings) dispatchFunc {
	return func(_ context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome {
		if seen != nil {
			*seen = s
		}
		out := make([]notice.Outcome, len(items))
		for i, it := range items {
			if strings.Contains(it.Text, "FAIL") {
				out[i] = notice.Err(it, "upstream overloaded", 2)
				continue
			}
			out[i] = notice.Ok(it, &notice.Classification{NotamSummary: it.Text}, 1)
		}
		return out
	}
}

func pending(number, text string) notice.Pending {
	return notice.NewPending(notice.Raw{SourceID: "KBOS", Number: number, Text: text, IssuedAt: "2025-04-01T00:00:00Z"})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRunOnceResolvesAndRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
	failed := memory.NewFailedStore()
	notices := memory.NewNoticeStore(clk.Now)

	var seen dispatcher.Settings
	m := New(failed, notices, failTexts(&seen), Config{MaxAttempts: 2, RetryDelay: time.Hour}, WithClock(clk.Now))

	_, err := m.RecordFailure(ctx, pending("A1/25", "RWY 09 CLSD"), "timeout")
	require.NoError(t, err)
	_, err = m.RecordFailure(ctx, pending("A2/25", "FAIL TWY B"), "timeout")
	require.NoError(t, err)

	report, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunReport{}, report, "nothing is eligible before the retry delay")

	clk.Advance(time.Hour)
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunReport{Selected: 2, Resolved: 1, Requeued: 1}, report)
	assert.Equal(t, "retry", seen.Name)
	assert.Equal(t, 5, seen.MaxConcurrency)
	assert.InDelta(t, 1.0, seen.RequestsPerSecond, 0.001)
	assert.Equal(t, 240*time.Second, seen.Timeout)

	require.Len(t, notices.All(), 1)
	entries, err := m.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A2/25", entries[0].NotamNumber)
	assert.Equal(t, store.StatusPendingRetry, entries[0].Status)
	assert.Equal(t, "upstream overloaded", entries[0].FailureReason)

	clk.Advance(time.Hour)
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunReport{Selected: 1, Exhausted: 1}, report)

	clk.Advance(24 * time.Hour)
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Selected, "exhausted records are never selected")

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.FailedStats{Total: 1, Exhausted: 1}, st)
}

func TestRunOnceRejectsConcurrentPass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	failed := memory.NewFailedStore()
	release := make(chan struct{})
	started := make(chan struct{})
	block := dispatchFunc(func(_ context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome {
		close(started)
		<-release
		return failTexts(nil)(ctx, items, s)
	})
	m := New(failed, memory.NewNoticeStore(nil), block, Config{RetryDelay: 0})
	_, err := m.RecordFailure(ctx, pending("A1/25", "RWY 09 CLSD"), "timeout")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.RunOnce(ctx)
		done <- err
	}()
	<-started
	_, err = m.RunOnce(ctx)
	require.ErrorIs(t, err, ErrRunInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := New(memory.NewFailedStore(), memory.NewNoticeStore(nil), failTexts(nil), Config{})
	def := DefaultConfig()
	assert.Equal(t, def.MaxAttempts, m.Config().MaxAttempts)
	assert.Equal(t, def.BatchSize, m.Config().BatchSize)
	assert.Equal(t, def.Dispatch, m.Config().Dispatch)
	assert.Zero(t, m.Config().RetryDelay, "a zero delay makes failures eligible immediately")
}
