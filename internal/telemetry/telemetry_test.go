package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notam-pipeline/internal/config"
)

func TestInitTracingWithoutExporter(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, config.AppConfig{ServiceName: "notam-pipeline", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, tp)

	again, err := InitTracing(ctx, config.AppConfig{ServiceName: "other"})
	require.NoError(t, err)
	assert.Same(t, tp, again)

	_, span := tp.Tracer("test").Start(ctx, "noop")
	span.End()
	assert.True(t, span.SpanContext().IsValid())
}

func TestInitSentryDisabled(t *testing.T) {
	flush, err := InitSentry(SentryOptions{})
	require.NoError(t, err)
	flush()
	CaptureError(errors.New("ignored"), nil)
}

func TestCaptureErrorWithTags(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	flush, err := InitSentry(SentryOptions{
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		flush()
		_ = sentry.Init(sentry.ClientOptions{})
	})

	CaptureError(errors.New("persist batch: connection reset"), map[string]string{"component": "pipeline"})
	CaptureError(nil, nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "pipeline", events[0].Tags["component"])
	assert.Equal(t, "test", events[0].Environment)
}
