package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "notam-events", publisher.Event{RawHash: "aaa", NotamID: 1, Action: store.ActionCreated})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "notam-audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "notam-events", msgs[0].Topic)
	assert.JSONEq(t, `"payload"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "notam-events", pub.Messages()[0].Topic, "Messages returns a copy")

	events, err := pub.Events("notam-events")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].NotamID)
	assert.Equal(t, store.ActionCreated, events[0].Action)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "notam-events", make(chan int))
	require.Error(t, err)
	assert.Empty(t, pub.Messages())
}

func TestPublisherHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "notam-events", "x")
	require.ErrorIs(t, err, context.Canceled)
}
