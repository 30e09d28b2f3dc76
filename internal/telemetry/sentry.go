package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

// SentryOptions configures error reporting.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend can inspect or drop events, e.g. in tests.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// InitSentry enables error reporting. With an empty DSN it does nothing and
// CaptureError becomes a no-op. The returned func flushes pending events.
func InitSentry(opts SentryOptions) (func(), error) {
	if opts.DSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		BeforeSend:  opts.BeforeSend,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// CaptureError reports err with the given tags.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}
