package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notam-pipeline/internal/classifier"
	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	pubmemory "github.com/JakeFAU/notam-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/storage/memory"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

var runNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

type staticLoader struct {
	raws []notice.Raw
	err  error
}

func (l staticLoader) Load(context.Context) ([]notice.Raw, error) { return l.raws, l.err }

type dispatchCall struct {
	settings dispatcher.Settings
	numbers  []string
}

// scriptedDispatcher fails an item while its text contains a marker listed in
// failures for the pass being run.
type scriptedDispatcher struct {
	mu       sync.Mutex
	calls    []dispatchCall
	failures map[string][]string
}

func (d *scriptedDispatcher) DispatchMany(_ context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{settings: s, numbers: numbers(items)})
	markers := d.failures[s.Name]
	d.mu.Unlock()

	out := make([]notice.Outcome, len(items))
	for i, it := range items {
		failed := false
		for _, m := range markers {
			if strings.Contains(it.Text, m) {
				failed = true
			}
		}
		if failed {
			out[i] = notice.Err(it, "timeout after 120s", 2)
			continue
		}
		out[i] = notice.Ok(it, &notice.Classification{
			NotamNumber:   it.Number,
			SeverityLevel: "OPERATIONAL",
			NotamSummary:  it.Text,
		}, 1)
	}
	return out
}

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type fixture struct {
	notices *memory.NoticeStore
	failed  *memory.FailedStore
	retry   *retryqueue.Manager
	disp    *scriptedDispatcher
	events  *pubmemory.Publisher
}

func newFixture(failures map[string][]string) *fixture {
	clock := func() time.Time { return runNow }
	f := &fixture{
		notices: memory.NewNoticeStore(clock),
		failed:  memory.NewFailedStore(),
		disp:    &scriptedDispatcher{failures: failures},
		events:  pubmemory.New(),
	}
	f.retry = retryqueue.New(f.failed, f.notices, f.disp, retryqueue.Config{}, retryqueue.WithClock(clock))
	return f
}

func (f *fixture) orchestrator(raws ...notice.Raw) *Orchestrator {
	return New(staticLoader{raws: raws}, f.notices, f.disp, f.retry, Config{},
		WithIDGenerator(fixedID("run-1")),
		WithNotifier(publisher.NewNotifier(f.events, "notam-events", nil)))
}

func TestRunSecondPassOnlyForFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(map[string][]string{"pass1": {"SLOW", "DOWN"}, "pass2": {"DOWN"}})
	sum, err := f.orchestrator(
		rawNotice("A1/25", "RWY 01 CLSD"),
		rawNotice("A2/25", "SLOW TWY B CLSD"),
		rawNotice("A3/25", "DOWN ILS 28L U/S"),
	).Run(ctx, RunOptions{})
	require.NoError(t, err)

	require.Len(t, f.disp.calls, 2)
	assert.Equal(t, "pass1", f.disp.calls[0].settings.Name)
	assert.Equal(t, 80, f.disp.calls[0].settings.MaxConcurrency)
	assert.Equal(t, []string{"A1/25", "A2/25", "A3/25"}, f.disp.calls[0].numbers)
	assert.Equal(t, "pass2", f.disp.calls[1].settings.Name)
	assert.Equal(t, 16, f.disp.calls[1].settings.MaxConcurrency)
	assert.Equal(t, []string{"A2/25", "A3/25"}, f.disp.calls[1].numbers)

	assert.Equal(t, Summary{
		RunID: "run-1", Loaded: 3, Pending: 3, Succeeded: 2, Created: 2, Retried: 2, Quarantined: 1,
		Duration: sum.Duration,
	}, sum)

	stats, err := f.retry.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)
	quarantined, err := f.retry.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "A3/25", quarantined[0].NotamNumber)
	assert.Equal(t, "timeout after 120s", quarantined[0].FailureReason)
	assert.Len(t, f.events.Messages(), 2)
}

func TestRunNeverStartsSecondPassWithoutFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	sum, err := f.orchestrator(rawNotice("A1/25", "RWY 01 CLSD"), rawNotice("A2/25", "RWY 02 CLSD")).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, f.disp.calls, 1)
	assert.Equal(t, 2, sum.Created)
	assert.Zero(t, sum.Retried)
	assert.Zero(t, sum.Quarantined)
}

func TestRunPersistenceConflictIsNotClassifiedAgain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(nil)
	sum, err := f.orchestrator(
		rawNotice("A1/25", "RWY 01 CLSD"),
		rawNotice("A1/25", "RWY 01 CLSD DUE WIP"),
	).Run(ctx, RunOptions{})
	require.NoError(t, err)

	require.Len(t, f.disp.calls, 1, "no second pass for notices the classifier handled")
	assert.Equal(t, "pass1", f.disp.calls[0].settings.Name)
	assert.Equal(t, 1, sum.Created)
	assert.Zero(t, sum.Retried)
	assert.Equal(t, 1, sum.Quarantined)

	quarantined, err := f.retry.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "A1/25", quarantined[0].NotamNumber)
	assert.Contains(t, quarantined[0].FailureReason, "already stored")
}

func TestRunEndToEndResubmitUpdatesInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := func() time.Time { return runNow }
	notices := memory.NewNoticeStore(clock)
	calls := 0
	cls := classifier.Func(func(_ context.Context, req classifier.Request) (*notice.Classification, error) {
		calls++
		return &notice.Classification{
			NotamNumber:     req.Number,
			IssueTime:       req.IssuedAt,
			SeverityLevel:   "CRITICAL",
			PrimaryCategory: "RUNWAY_OPERATIONS",
			ExtractedElements: notice.ExtractedElements{
				Runways: []string{"09"},
			},
			NotamSummary: "Runway 09 closed",
		}, nil
	})
	d := dispatcher.New(cls, dispatcher.WithJitter(func(time.Duration) time.Duration { return 0 }))
	raw := notice.Raw{SourceID: "KSFO", Number: "A123/25", Text: "RWY 09 CLSD", IssuedAt: "2025-01-01T00:00Z", Origin: notice.OriginFeed}
	fingerprint := raw.Fingerprint()

	o := New(staticLoader{raws: []notice.Raw{raw}}, notices, d, nil, Config{})
	first, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	stored, ok := notices.ByHash(fingerprint)
	require.True(t, ok)
	assert.Equal(t, "A123/25", stored.Record.NotamNumber)

	second, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, second.Pending, "identical notice is not classified again")
	assert.Zero(t, second.Created)

	outcomes := d.DispatchMany(ctx, []notice.Pending{notice.NewPending(raw)}, DefaultConfig().Pass1)
	res, failed, err := persistOutcomes(ctx, notices, outcomes, store.PersistOptions{}, o.logger)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Zero(t, res.Created())
	assert.Equal(t, 1, res.Updated())

	all := notices.All()
	require.Len(t, all, 1)
	assert.Equal(t, stored.ID, all[0].ID)
	history := notices.History(stored.ID)
	require.Len(t, history, 2)
	assert.Equal(t, store.ActionCreated, history[0].Action)
	assert.Equal(t, store.ActionUpdated, history[1].Action)
	assert.Equal(t, 2, calls)
}

func TestRunOverwriteOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(nil)
	a := rawNotice("A1/25", "RWY 01 CLSD")
	b := rawNotice("A2/25", "RWY 02 CLSD")
	_, err := f.orchestrator(a, b).Run(ctx, RunOptions{})
	require.NoError(t, err)
	storedA, _ := f.notices.ByHash(a.Fingerprint())

	t.Run("only forced ids", func(t *testing.T) {
		sum, err := f.orchestrator(a, b).Run(ctx, RunOptions{OverwriteIDs: []int64{storedA.ID, 999}, OnlyOverwriteIDs: true})
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Pending)
		assert.Equal(t, 1, sum.Created, "deleted first, then recreated")
		assert.Len(t, f.notices.All(), 2)
	})

	t.Run("overwrite all reclassifies everything", func(t *testing.T) {
		sum, err := f.orchestrator(a, b).Run(ctx, RunOptions{OverwriteAll: true})
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Pending)
		assert.Equal(t, 2, sum.Created)
		assert.Len(t, f.notices.All(), 2)
	})
}

func TestRunLoaderError(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	o := New(staticLoader{err: errors.New("open manifest: no such file")}, f.notices, f.disp, f.retry, Config{})
	_, err := o.Run(context.Background(), RunOptions{})
	require.ErrorContains(t, err, "load notices")
	assert.Empty(t, f.disp.calls)
}

func TestRunEmptyLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	sum, err := f.orchestrator().Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Loaded)
	assert.Empty(t, f.disp.calls)
}

func TestRunOptionsDestructive(t *testing.T) {
	t.Parallel()

	assert.False(t, RunOptions{OnlyOverwriteIDs: true}.Destructive())
	assert.True(t, RunOptions{OverwriteAll: true}.Destructive())
	assert.True(t, RunOptions{OverwriteIDs: []int64{1}}.Destructive())
}

type brokenStore struct {
	store.NoticeStore
}

func (brokenStore) PersistBatch(context.Context, []notice.Outcome, store.PersistOptions) (store.BatchResult, error) {
	return store.BatchResult{}, errors.New("conn closed")
}

func TestProcessorQuarantinesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(map[string][]string{"stream": {"DOWN"}})
	p := NewProcessor(f.notices, f.disp, f.retry, dispatcher.Settings{}, publisher.NewNotifier(f.events, "notam-events", nil), nil)

	batch := []notice.Raw{
		rawNotice("A1/25", "RWY 01 CLSD"),
		rawNotice("A2/25", "DOWN VOR U/S"),
		rawNotice("A1/25", "RWY 01 CLSD"),
	}
	rep, err := p.Process(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Received: 3, Pending: 2, Created: 1, Quarantined: 1}, rep)
	require.Len(t, f.disp.calls, 1)
	assert.Equal(t, "stream", f.disp.calls[0].settings.Name)

	rep, err = p.Process(ctx, batch[:1])
	require.NoError(t, err)
	assert.Zero(t, rep.Pending, "stored notices are not classified again")

	broken := NewProcessor(brokenStore{f.notices}, f.disp, f.retry, dispatcher.Settings{}, nil, nil)
	require.Error(t, broken.ProcessBatch(ctx, []notice.Raw{rawNotice("A9/25", "TWY Z CLSD")}))
	quarantined, err := f.retry.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, quarantined, 2)
}
