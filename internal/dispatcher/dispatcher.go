// Package dispatcher calls the classification service for many notices under
// a bounded worker pool, a shared rate limit, per-attempt timeouts and
// jittered exponential retry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/backoff"
	"github.com/JakeFAU/notam-pipeline/internal/classifier"
	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/policy/ratelimit"
)

const tracerName = "github.com/JakeFAU/notam-pipeline/internal/dispatcher"

// Settings controls one DispatchMany call.
type Settings struct {
	// Name labels logs and metrics, e.g. "pass1" or "retry".
	Name              string        `mapstructure:"name"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
}

func (s Settings) withDefaults() Settings {
	if s.Name == "" {
		s.Name = "dispatch"
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 2 * time.Minute
	}
	if s.RetryAttempts < 0 {
		s.RetryAttempts = 0
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = 1500 * time.Millisecond
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = 8 * time.Second
	}
	return s
}

// Dispatcher fans classification calls out to a worker pool.
type Dispatcher struct {
	classifier classifier.Classifier
	logger     *zap.Logger
	tracer     trace.Tracer
	jitter     func(time.Duration) time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithJitter replaces the random backoff jitter source.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(d *Dispatcher) {
		d.jitter = fn
	}
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// New creates a Dispatcher around c.
func New(c classifier.Classifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		classifier: c,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchMany classifies items and returns one outcome per item, index-aligned
// with the input. It never returns early on item failures; cancellation of ctx
// turns every unfinished item into an error outcome.
func (d *Dispatcher) DispatchMany(ctx context.Context, items []notice.Pending, s Settings) []notice.Outcome {
	outcomes := make([]notice.Outcome, len(items))
	if len(items) == 0 {
		return outcomes
	}
	s = s.withDefaults()

	run := &run{
		d:        d,
		settings: s,
		limiter:  ratelimit.New("dispatch_"+s.Name, ratelimit.Config{RPS: s.RequestsPerSecond, Burst: 1}),
		backoff: backoff.Policy{
			Base:      s.BackoffBase,
			Cap:       s.BackoffCap,
			MaxJitter: backoff.DefaultMaxJitter,
			Jitter:    d.jitter,
		},
	}

	workers := min(s.MaxConcurrency, len(items))
	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				outcomes[i] = run.dispatchOne(ctx, items[i])
				metrics.ObserveDispatchOutcome(s.Name, outcomes[i].OK())
			}
		}()
	}

	next := 0
feed:
	for ; next < len(items); next++ {
		select {
		case indices <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	for i := next; i < len(items); i++ {
		outcomes[i] = notice.Err(items[i], canceledReason(ctx), 0)
	}

	ok, failed := notice.Partition(outcomes)
	d.logger.Info("dispatch finished",
		zap.String("pass", s.Name),
		zap.Int("items", len(items)),
		zap.Int("succeeded", len(ok)),
		zap.Int("failed", len(failed)),
	)
	return outcomes
}

// run holds the state shared by the workers of one DispatchMany call.
type run struct {
	d        *Dispatcher
	settings Settings
	limiter  *ratelimit.Limiter
	backoff  backoff.Policy
}

func (r *run) dispatchOne(ctx context.Context, item notice.Pending) notice.Outcome {
	s := r.settings
	timeout := s.Timeout
	attempts := 0
	var lastErr error

	for attempt := 0; attempt <= s.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := r.backoff.Sleep(ctx, attempt-1); err != nil {
				return notice.Err(item, canceledReason(ctx), attempts)
			}
			timeout = backoff.EscalateTimeout(timeout, s.Timeout)
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return notice.Err(item, canceledReason(ctx), attempts)
		}

		attempts++
		rec, err := r.attempt(ctx, item, attempts, timeout)
		if err == nil {
			return notice.Ok(item, rec, attempts)
		}
		lastErr = err
		if ctx.Err() != nil {
			return notice.Err(item, canceledReason(ctx), attempts)
		}
		if !classifier.IsTransient(err) {
			break
		}
		if attempt < s.RetryAttempts {
			r.d.logger.Debug("classification failed, retrying",
				zap.String("pass", s.Name),
				zap.String("raw_hash", item.Hash),
				zap.String("notam_number", item.Number),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
	}

	r.d.logger.Warn("classification failed",
		zap.String("pass", s.Name),
		zap.String("raw_hash", item.Hash),
		zap.String("notam_number", item.Number),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return notice.Err(item, lastErr.Error(), attempts)
}

type result struct {
	rec *notice.Classification
	err error
}

// attempt performs one classification call bounded by timeout. A classifier
// that ignores its context is abandoned when the deadline passes.
func (r *run) attempt(ctx context.Context, item notice.Pending, n int, timeout time.Duration) (*notice.Classification, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := r.d.tracer.Start(attemptCtx, "classifier.Classify", trace.WithAttributes(
		attribute.String("notam.raw_hash", item.Hash),
		attribute.String("notam.number", item.Number),
		attribute.String("dispatch.pass", r.settings.Name),
		attribute.Int("dispatch.attempt", n),
	))
	defer span.End()

	metrics.IncDispatchInflight()
	defer metrics.DecDispatchInflight()
	start := time.Now()

	done := make(chan result, 1)
	go func() {
		rec, err := r.d.classifier.Classify(attemptCtx, classifier.RequestFor(item))
		done <- result{rec: rec, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = result{err: attemptCtx.Err()}
	}

	err := res.err
	if err == nil && res.rec == nil {
		err = classifier.ErrEmptyResponse
	}
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timeout after %s: %w", timeout, context.DeadlineExceeded)
	}

	metrics.ObserveDispatchAttempt(r.settings.Name, attemptResult(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res.rec, nil
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case classifier.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

func canceledReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		return "canceled: " + err.Error()
	}
	return "canceled"
}
