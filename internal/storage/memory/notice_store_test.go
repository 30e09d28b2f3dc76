package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func outcome(number, text string, c *notice.Classification) notice.Outcome {
	p := notice.NewPending(notice.Raw{
		SourceID: "KJFK",
		IssuedAt: "2025-02-01T08:00:00Z",
		Number:   number,
		Text:     text,
		Origin:   notice.OriginFeed,
	})
	return notice.Ok(p, c, 1)
}

func TestPersistSameOutcomeTwiceUpdatesAndReplacesChildren(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	s := NewNoticeStore(fixedClock(now))
	ctx := context.Background()

	first := outcome("A0123/25", "RWY 04L/22R CLSD", &notice.Classification{
		OperationalTags:   []string{"closure"},
		ExtractedElements: notice.ExtractedElements{Runways: []string{"04L", "22R"}},
	})
	res, err := s.PersistBatch(ctx, []notice.Outcome{first}, store.PersistOptions{})
	require.NoError(t, err)
	require.Len(t, res.Persisted, 1)
	assert.Equal(t, store.ActionCreated, res.Persisted[0].Action)

	second := first
	second.Record = &notice.Classification{
		OperationalTags:   []string{"runway"},
		ExtractedElements: notice.ExtractedElements{Runways: []string{"04L"}},
	}
	res, err = s.PersistBatch(ctx, []notice.Outcome{second}, store.PersistOptions{})
	require.NoError(t, err)
	require.Len(t, res.Persisted, 1)
	assert.Equal(t, store.ActionUpdated, res.Persisted[0].Action)

	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, []string{"runway"}, all[0].Record.Children.Tags)
	assert.Equal(t, []store.Runway{{Number: 4, Side: "L"}}, all[0].Record.Children.Runways)

	hist := s.History(all[0].ID)
	require.Len(t, hist, 2)
	assert.Equal(t, store.ActionCreated, hist[0].Action)
	assert.Equal(t, store.ActionUpdated, hist[1].Action)
	assert.Equal(t, "2025-02-01T09:00:00Z", hist[1].ChangedFields["updated_at"])
}

func TestPersistBatchSkipsNumberIssueConflict(t *testing.T) {
	t.Parallel()
	s := NewNoticeStore(nil)
	ctx := context.Background()

	a := outcome("A0001/25", "TWY A CLSD", &notice.Classification{})
	b := outcome("A0001/25", "TWY A CLSD EXC TAXI TO RWY", &notice.Classification{})
	c := outcome("A0002/25", "TWY B CLSD", &notice.Classification{})
	failed := notice.Err(notice.NewPending(notice.Raw{Number: "A0003/25", Text: "x"}), "boom", 1)

	res, err := s.PersistBatch(ctx, []notice.Outcome{a, b, c, failed}, store.PersistOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created())
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Skipped, 1)
	assert.True(t, res.Skipped[0].Conflict)
	assert.Equal(t, b.Item.Hash, res.Skipped[0].Item.Hash)
}

func TestPersistBatchOverwrite(t *testing.T) {
	t.Parallel()
	s := NewNoticeStore(nil)
	ctx := context.Background()

	a := outcome("A0001/25", "one", &notice.Classification{})
	b := outcome("A0002/25", "two", &notice.Classification{})
	_, err := s.PersistBatch(ctx, []notice.Outcome{a, b}, store.PersistOptions{})
	require.NoError(t, err)

	hashes, err := s.HashesForIDs(ctx, []int64{1, 99})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: a.Item.Hash}, hashes)

	res, err := s.PersistBatch(ctx, []notice.Outcome{a}, store.PersistOptions{OverwriteIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, store.ActionCreated, res.Persisted[0].Action)
	assert.Equal(t, int64(3), res.Persisted[0].ID)

	res, err = s.PersistBatch(ctx, []notice.Outcome{b}, store.PersistOptions{OverwriteAll: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Persisted[0].ID)
	assert.Len(t, s.All(), 1)

	existing, err := s.ExistingHashes(ctx, []string{a.Item.Hash, b.Item.Hash})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{b.Item.Hash: {}}, existing)
}

func TestPersistBatchCanceledContext(t *testing.T) {
	t.Parallel()
	s := NewNoticeStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.PersistBatch(ctx, []notice.Outcome{outcome("A1/25", "x", &notice.Classification{})}, store.PersistOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.All())
}
