// Package retryqueue manages notices that could not be classified or
// persisted: it quarantines them, selects eligible ones for another attempt
// with gentle dispatch settings, and resolves them once they persist.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

// ErrRunInProgress is returned by RunOnce while another pass is executing.
var ErrRunInProgress = errors.New("retry pass already running")

// Dispatcher classifies a batch of pending notices.
type Dispatcher interface {
	DispatchMany(ctx context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome
}

// Config controls retry eligibility and the dispatch settings of a retry pass.
type Config struct {
	MaxAttempts int                 `mapstructure:"max_attempts"`
	RetryDelay  time.Duration       `mapstructure:"retry_delay"`
	BatchSize   int                 `mapstructure:"batch_size"`
	Dispatch    dispatcher.Settings `mapstructure:"dispatch"`
}

// DefaultConfig returns the retry defaults: three attempts, one hour apart,
// twenty per pass, dispatched five at a time at one request per second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryDelay:  time.Hour,
		BatchSize:   20,
		Dispatch: dispatcher.Settings{
			Name:              "retry",
			MaxConcurrency:    5,
			RequestsPerSecond: 1,
			Timeout:           240 * time.Second,
			RetryAttempts:     1,
			BackoffBase:       1500 * time.Millisecond,
			BackoffCap:        8 * time.Second,
		},
	}
}

// RunReport summarizes one retry pass.
type RunReport struct {
	Selected  int `json:"selected"`
	Resolved  int `json:"resolved"`
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
}

// Manager owns the retry queue lifecycle.
type Manager struct {
	failed     store.FailedStore
	notices    store.NoticeStore
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	running    atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a Manager. Zero config values fall back to DefaultConfig.
func New(failed store.FailedStore, notices store.NoticeStore, d Dispatcher, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Dispatch == (dispatcher.Settings{}) {
		cfg.Dispatch = def.Dispatch
	}
	if cfg.Dispatch.Name == "" {
		cfg.Dispatch.Name = "retry"
	}
	m := &Manager{
		failed:     failed,
		notices:    notices,
		dispatcher: d,
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// RecordFailure quarantines p, or bumps the retry count of its existing
// quarantine record, stamping the attempt time and replacing the reason.
func (m *Manager) RecordFailure(ctx context.Context, p notice.Pending, reason string) (store.FailedNotice, error) {
	f, err := m.failed.RecordFailure(ctx, store.FailedFromPending(p, reason), m.now())
	if err != nil {
		return store.FailedNotice{}, err
	}
	fields := []zap.Field{
		zap.Int64("failed_id", f.ID),
		zap.String("notam_number", f.NotamNumber),
		zap.String("raw_hash", f.RawHash),
		zap.Int("retry_count", f.RetryCount),
		zap.String("reason", reason),
	}
	if f.Status(m.cfg.MaxAttempts) == store.StatusExhausted {
		m.logger.Warn("notice exhausted its retries", fields...)
	} else {
		m.logger.Info("notice quarantined", fields...)
	}
	return f, nil
}

// SelectForRetry returns up to limit records below the attempt budget whose
// last attempt is at least RetryDelay old, oldest first.
func (m *Manager) SelectForRetry(ctx context.Context, limit int) ([]store.FailedNotice, error) {
	if limit <= 0 {
		limit = m.cfg.BatchSize
	}
	return m.failed.SelectForRetry(ctx, m.cfg.MaxAttempts, m.now().Add(-m.cfg.RetryDelay), limit)
}

// Resolve removes a record whose notice has been persisted.
func (m *Manager) Resolve(ctx context.Context, f store.FailedNotice) error {
	if err := m.failed.Resolve(ctx, f.ID); err != nil {
		return fmt.Errorf("resolve %s: %w", f.NotamNumber, err)
	}
	m.logger.Info("notice resolved",
		zap.Int64("failed_id", f.ID),
		zap.String("notam_number", f.NotamNumber),
	)
	return nil
}

// Stats counts queue records by state and refreshes the queue gauges.
func (m *Manager) Stats(ctx context.Context) (store.FailedStats, error) {
	st, err := m.failed.Stats(ctx, m.cfg.MaxAttempts)
	if err != nil {
		return store.FailedStats{}, err
	}
	metrics.SetRetryQueueSize(string(store.StatusNew), st.New)
	metrics.SetRetryQueueSize(string(store.StatusPendingRetry), st.PendingRetry)
	metrics.SetRetryQueueSize(string(store.StatusExhausted), st.Exhausted)
	return st, nil
}

// Entry is a quarantined notice with its derived state.
type Entry struct {
	store.FailedNotice
	Status store.FailedStatus `json:"status"`
}

// List returns quarantined notices, exhausted ones included, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := m.failed.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{FailedNotice: r, Status: r.Status(m.cfg.MaxAttempts)})
	}
	return out, nil
}

// RunOnce performs one retry pass: select eligible records, classify them
// with the retry dispatch settings, persist successes and resolve them, and
// record another failed attempt for everything else.
func (m *Manager) RunOnce(ctx context.Context) (RunReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer m.running.Store(false)

	var report RunReport
	selected, err := m.SelectForRetry(ctx, m.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("select for retry: %w", err)
	}
	report.Selected = len(selected)
	if len(selected) == 0 {
		m.logger.Debug("retry queue has nothing eligible")
		_, _ = m.Stats(ctx)
		return report, nil
	}

	items := make([]notice.Pending, len(selected))
	for i, f := range selected {
		items[i] = f.Pending()
	}
	m.logger.Info("retrying quarantined notices", zap.Int("count", len(items)))
	outcomes := m.dispatcher.DispatchMany(ctx, items, m.cfg.Dispatch)

	res, persistErr := m.notices.PersistBatch(ctx, outcomes, store.PersistOptions{})
	if persistErr != nil {
		m.logger.Error("retry batch persistence failed", zap.Error(persistErr))
	}
	persisted := res.PersistedHashes()
	skipped := make(map[string]string, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped[s.Item.Hash] = s.Reason
	}

	var errs []error
	if persistErr != nil {
		errs = append(errs, fmt.Errorf("persist retry batch: %w", persistErr))
	}
	for i, f := range selected {
		o := outcomes[i]
		if _, ok := persisted[f.RawHash]; ok && o.OK() {
			if err := m.Resolve(ctx, f); err != nil && !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, err)
				continue
			}
			report.Resolved++
			continue
		}

		reason := o.Reason
		switch {
		case persistErr != nil:
			reason = "persist batch: " + persistErr.Error()
		case o.OK():
			reason = skipped[f.RawHash]
			if reason == "" {
				reason = "not persisted"
			}
		}
		updated, err := m.RecordFailure(ctx, items[i], reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if updated.Status(m.cfg.MaxAttempts) == store.StatusExhausted {
			report.Exhausted++
		} else {
			report.Requeued++
		}
	}

	m.logger.Info("retry pass finished",
		zap.Int("selected", report.Selected),
		zap.Int("resolved", report.Resolved),
		zap.Int("requeued", report.Requeued),
		zap.Int("exhausted", report.Exhausted),
	)
	_, _ = m.Stats(ctx)
	return report, errors.Join(errs...)
}
