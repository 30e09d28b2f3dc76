package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/notam-pipeline/internal/cache"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/policy/allowlist"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
	"github.com/JakeFAU/notam-pipeline/internal/storage/memory"
)

var consumerNow = time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	items []notice.Raw
	err   error
}

func (s *recordingSink) Submit(_ context.Context, raw notice.Raw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, raw)
	return nil
}

type ackRecorder struct {
	acks, nacks int
}

func (r *ackRecorder) message(data string) Message {
	return NewMessage("m-1", []byte(data), nil, func() { r.acks++ }, func() { r.nacks++ })
}

func newTestConsumer(sink Submitter, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithClock(func() time.Time { return consumerNow })}, opts...)
	return NewConsumer(NewMemorySource(1), sink, opts...)
}

const sfoMessage = `{"icaoMessage":"A123/25 RWY 09 CLSD","notamNumber":"A123/25","location":"ksfo","issueDate":"2025-05-06T00:00:00Z"}`

func TestConsumerDispositions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    Disposition
		acks    int
	}{
		{name: "empty payload", payload: "   ", want: Empty, acks: 1},
		{name: "outside allow list", payload: `{"icaoMessage":"LAX TWY C CLSD","location":"KLAX"}`, want: Filtered, acks: 1},
		{name: "unknown airport", payload: "RWY 28L CLSD", want: Filtered, acks: 1},
		{name: "monitored airport", payload: sfoMessage, want: Accepted, acks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := &recordingSink{}
			c := newTestConsumer(sink, WithAllowList(allowlist.New("KSFO")))
			rec := &ackRecorder{}
			assert.Equal(t, tt.want, c.handle(context.Background(), rec.message(tt.payload)))
			assert.Equal(t, tt.acks, rec.acks)
			assert.Zero(t, rec.nacks)
			if tt.want == Accepted {
				require.Len(t, sink.items, 1)
			} else {
				assert.Empty(t, sink.items)
			}
		})
	}
}

func TestConsumerAcceptsParsedNotice(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	blobs := memory.NewBlobStore()
	c := newTestConsumer(sink, WithArchiver(storage.NewArchiver(blobs, "", nil)))

	rec := &ackRecorder{}
	require.Equal(t, Accepted, c.handle(context.Background(), rec.message(sfoMessage)))
	require.Len(t, sink.items, 1)
	got := sink.items[0]
	assert.Equal(t, "KSFO", got.SourceID)
	assert.Equal(t, "A123/25", got.Number)
	assert.Equal(t, notice.OriginStream, got.Origin)

	paths := blobs.Paths()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "stream/"), paths[0])
	assert.Contains(t, paths[0], "/KSFO-")
	assert.True(t, strings.HasSuffix(paths[0], ".json"), paths[0])
}

func TestConsumerDropsRecentDuplicates(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	c := newTestConsumer(sink, WithSeenSet(cache.NewMemory(time.Hour, 0)))
	rec := &ackRecorder{}

	assert.Equal(t, Accepted, c.handle(context.Background(), rec.message(sfoMessage)))
	assert.Equal(t, Duplicate, c.handle(context.Background(), rec.message(sfoMessage)))
	assert.Equal(t, 2, rec.acks)
	assert.Len(t, sink.items, 1)
}

func TestConsumerNacksWhenNotAccepted(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("wait for batch capacity: context canceled")}
	seen := cache.NewMemory(time.Hour, 0)
	c := newTestConsumer(sink, WithSeenSet(seen))
	rec := &ackRecorder{}

	assert.Equal(t, Rejected, c.handle(context.Background(), rec.message(sfoMessage)))
	assert.Zero(t, rec.acks)
	assert.Equal(t, 1, rec.nacks)
	assert.Zero(t, seen.Len(), "rejected fingerprint is forgotten so redelivery is processed")

	sink.err = nil
	assert.Equal(t, Accepted, c.handle(context.Background(), rec.message(sfoMessage)))
}

func TestConsumerRunWithMemorySourceAndBatcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{BatchSize: 5, FlushInterval: time.Hour}, rec.flush)
	src := NewMemorySource(8)
	ctx := context.Background()

	for _, payload := range []string{
		sfoMessage,
		`{"icaoMessage":"SFO TWY A CLSD","notamNumber":"A124/25","location":"KSFO"}`,
		"",
		"SFO RWY 01R ILS U/S",
	} {
		require.NoError(t, src.Publish(ctx, []byte(payload)))
	}
	src.Close()

	c := NewConsumer(src, b, WithAllowList(allowlist.New("KSFO", "UNKNOWN")))
	require.NoError(t, c.Run(ctx))
	require.NoError(t, b.Close(ctx))

	assert.Equal(t, 3, rec.next(t, time.Second))
	assert.Equal(t, int64(4), src.Acked())
	assert.Zero(t, src.Nacked())
}
