package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// ErrClosed is returned by Submit once the Batcher is shutting down.
var ErrClosed = errors.New("batcher closed")

// FlushFunc processes one micro-batch. Errors are logged; the items were
// already acknowledged upstream.
type FlushFunc func(ctx context.Context, batch []notice.Raw) error

// BatcherConfig controls micro-batching and backpressure.
//   - BatchSize: flush once this many notices are buffered (default 3).
//   - FlushInterval: flush this long after the first buffered notice (default 2s).
//   - MaxInflight: buffered plus in-process notices before backpressure (default 500).
//   - BlockOnBackpressure: make Submit wait for capacity instead of only warning.
//   - FlushTimeout: per-flush deadline (default 10m).
type BatcherConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	MaxInflight         int           `mapstructure:"max_inflight"`
	BlockOnBackpressure bool          `mapstructure:"block_on_backpressure"`
	FlushTimeout        time.Duration `mapstructure:"flush_timeout"`
}

const (
	defaultBatchSize     = 3
	defaultFlushInterval = 2 * time.Second
	defaultMaxInflight   = 500
	defaultFlushTimeout  = 10 * time.Minute
	warnInterval         = 5 * time.Second
)

// Flush reasons reported to metrics.
const (
	flushSize     = "size"
	flushInterval = "interval"
	flushClose    = "close"
)

// DefaultBatcherConfig returns the streaming defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize:           defaultBatchSize,
		FlushInterval:       defaultFlushInterval,
		MaxInflight:         defaultMaxInflight,
		BlockOnBackpressure: true,
		FlushTimeout:        defaultFlushTimeout,
	}
}

// Batcher accumulates accepted notices and hands them to a FlushFunc from a
// single background goroutine.
type Batcher struct {
	cfg    BatcherConfig
	flush  FlushFunc
	logger *zap.Logger
	base   context.Context

	items  chan notice.Raw
	stopCh chan struct{}
	doneCh chan struct{}

	gate     *semaphore.Weighted
	inflight atomic.Int64
	warn     rateLimiter

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// BatcherOption customizes a Batcher.
type BatcherOption func(*Batcher)

// WithBatcherLogger sets the logger.
func WithBatcherLogger(logger *zap.Logger) BatcherOption {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBaseContext sets the parent context of every flush.
func WithBaseContext(ctx context.Context) BatcherOption {
	return func(b *Batcher) {
		if ctx != nil {
			b.base = ctx
		}
	}
}

// NewBatcher starts a Batcher. Call Close to drain it.
func NewBatcher(cfg BatcherConfig, flush FlushFunc, opts ...BatcherOption) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	b := &Batcher{
		cfg:    cfg,
		flush:  flush,
		logger: zap.NewNop(),
		base:   context.Background(),
		items:  make(chan notice.Raw, cfg.BatchSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		warn:   rateLimiter{interval: warnInterval},
	}
	if cfg.BlockOnBackpressure {
		b.gate = semaphore.NewWeighted(int64(cfg.MaxInflight))
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Inflight returns the number of notices buffered or being processed.
func (b *Batcher) Inflight() int64 {
	return b.inflight.Load()
}

// Submit hands raw to the batcher. With BlockOnBackpressure it waits while
// MaxInflight notices are outstanding; a canceled ctx aborts the wait.
func (b *Batcher) Submit(ctx context.Context, raw notice.Raw) error {
	if b.gate != nil {
		if !b.gate.TryAcquire(1) {
			b.warnBackpressure()
			if err := b.gate.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("wait for batch capacity: %w", err)
			}
		}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.releaseGate(1)
		return ErrClosed
	}
	select {
	case b.items <- raw:
	case <-ctx.Done():
		b.releaseGate(1)
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	}
	n := b.inflight.Add(1)
	metrics.SetStreamInflight(n)
	if b.gate == nil && n > int64(b.cfg.MaxInflight) {
		b.warnBackpressure()
	}
	return nil
}

// Close stops accepting notices, flushes what is buffered and waits for the
// background goroutine. It is safe to call more than once.
func (b *Batcher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.stopCh)
		b.mu.Unlock()
	})
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batcher close wait: %w", ctx.Err())
	}
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	batch := make([]notice.Raw, 0, b.cfg.BatchSize)
	timer := time.NewTimer(b.cfg.FlushInterval)
	timer.Stop()
	timerActive := false
	for {
		select {
		case raw := <-b.items:
			batch = append(batch, raw)
			if len(batch) >= b.cfg.BatchSize {
				stopTimer(timer, &timerActive)
				batch = b.process(batch, flushSize)
			} else if !timerActive {
				timer.Reset(b.cfg.FlushInterval)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				batch = b.process(batch, flushInterval)
			}
		case <-b.stopCh:
			stopTimer(timer, &timerActive)
			b.drain(batch)
			return
		}
	}
}

func (b *Batcher) drain(batch []notice.Raw) {
	for {
		select {
		case raw := <-b.items:
			batch = append(batch, raw)
			if len(batch) >= b.cfg.BatchSize {
				batch = b.process(batch, flushClose)
			}
		default:
			if len(batch) > 0 {
				b.process(batch, flushClose)
			}
			return
		}
	}
}

func (b *Batcher) process(batch []notice.Raw, reason string) []notice.Raw {
	n := len(batch)
	items := append([]notice.Raw(nil), batch...)
	metrics.ObserveStreamFlush(reason, n)
	b.logger.Info("flushing stream batch", zap.Int("size", n), zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(b.base, b.cfg.FlushTimeout)
	if err := b.flush(ctx, items); err != nil {
		b.logger.Warn("stream batch flush failed", zap.Int("size", n), zap.Error(err))
	}
	cancel()

	metrics.SetStreamInflight(b.inflight.Add(-int64(n)))
	b.releaseGate(n)
	return batch[:0]
}

func (b *Batcher) releaseGate(n int) {
	if b.gate != nil {
		b.gate.Release(int64(n))
	}
}

func (b *Batcher) warnBackpressure() {
	if b.warn.Allow(time.Now()) {
		b.logger.Warn("stream backpressure",
			zap.Int64("inflight", b.inflight.Load()),
			zap.Int("max_inflight", b.cfg.MaxInflight),
			zap.Bool("blocking", b.gate != nil))
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
