// Package pipeline runs batch ingestion end to end and processes stream
// micro-batches: select what needs classifying, dispatch it, persist the
// results and quarantine whatever still fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

const tracerName = "github.com/JakeFAU/notam-pipeline/internal/pipeline"

// Loader produces the raw notices of one batch run.
type Loader interface {
	Load(ctx context.Context) ([]notice.Raw, error)
}

// Dispatcher classifies pending notices.
type Dispatcher interface {
	DispatchMany(ctx context.Context, items []notice.Pending, s dispatcher.Settings) []notice.Outcome
}

// Quarantine records notices that failed every pass.
type Quarantine interface {
	RecordFailure(ctx context.Context, p notice.Pending, reason string) (store.FailedNotice, error)
}

// IDGenerator names pipeline runs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config holds the two dispatch passes.
type Config struct {
	Pass1 dispatcher.Settings `mapstructure:"pass1"`
	Pass2 dispatcher.Settings `mapstructure:"pass2"`
}

// DefaultConfig returns the throughput-oriented first pass and the gentler
// second pass.
func DefaultConfig() Config {
	return Config{
		Pass1: dispatcher.Settings{
			Name:              "pass1",
			MaxConcurrency:    80,
			RequestsPerSecond: 8,
			Timeout:           120 * time.Second,
			RetryAttempts:     1,
			BackoffBase:       1500 * time.Millisecond,
			BackoffCap:        8 * time.Second,
		},
		Pass2: dispatcher.Settings{
			Name:              "pass2",
			MaxConcurrency:    16,
			RequestsPerSecond: 3,
			Timeout:           300 * time.Second,
			RetryAttempts:     2,
			BackoffBase:       1500 * time.Millisecond,
			BackoffCap:        8 * time.Second,
		},
	}
}

// RunOptions carries the destructive overrides and selection mode of a run.
type RunOptions struct {
	// OverwriteAll clears the store before the first persist and skips dedup.
	OverwriteAll bool
	// OverwriteIDs deletes these records before the first persist and forces
	// their notices to be classified again.
	OverwriteIDs []int64
	// OnlyOverwriteIDs restricts the run to the notices of OverwriteIDs.
	OnlyOverwriteIDs bool
}

// Destructive reports whether the options delete stored data.
func (o RunOptions) Destructive() bool {
	return o.OverwriteAll || len(o.OverwriteIDs) > 0
}

// Summary reports one run.
type Summary struct {
	RunID string `json:"run_id"`
	// Loaded is the number of raw notices the loader returned.
	Loaded int `json:"loaded"`
	// Pending is the number selected for classification.
	Pending int `json:"pending"`
	// Skipped is the number not selected: already stored, repeated or empty.
	Skipped int `json:"skipped"`
	// Succeeded is the number persisted by either pass.
	Succeeded   int           `json:"succeeded"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Retried     int           `json:"retried"`
	Quarantined int           `json:"quarantined"`
	Duration    time.Duration `json:"duration"`
}

// Orchestrator runs batch ingestion.
type Orchestrator struct {
	loader     Loader
	notices    store.NoticeStore
	dispatcher Dispatcher
	quarantine Quarantine
	events     *publisher.Notifier
	ids        IDGenerator
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNotifier publishes an event for every persisted notice.
func WithNotifier(n *publisher.Notifier) Option {
	return func(o *Orchestrator) {
		o.events = n
	}
}

// WithIDGenerator sets the run id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// New builds an Orchestrator. Unset passes fall back to DefaultConfig.
func New(loader Loader, notices store.NoticeStore, d Dispatcher, q Quarantine, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Pass1 == (dispatcher.Settings{}) {
		cfg.Pass1 = def.Pass1
	}
	if cfg.Pass2 == (dispatcher.Settings{}) {
		cfg.Pass2 = def.Pass2
	}
	if cfg.Pass1.Name == "" {
		cfg.Pass1.Name = "pass1"
	}
	if cfg.Pass2.Name == "" {
		cfg.Pass2.Name = "pass2"
	}
	o := &Orchestrator{
		loader:     loader,
		notices:    notices,
		dispatcher: d,
		quarantine: q,
		cfg:        cfg,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run performs one batch ingestion. Overwrite flags are applied by the first
// persist only. Items whose classification failed in pass 1 get a second,
// gentler pass once pass 1 has drained; what still fails, and whatever
// persistence refused, is quarantined.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (sum Summary, err error) {
	start := time.Now()
	sum.RunID = o.runID()
	log := o.logger.With(zap.String("run_id", sum.RunID))

	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", sum.RunID),
		attribute.Bool("run.overwrite_all", opts.OverwriteAll),
		attribute.Int("run.overwrite_ids", len(opts.OverwriteIDs)),
	))
	defer func() {
		sum.Duration = time.Since(start)
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObservePipelineRun(status)
		span.End()
	}()

	raws, err := o.loader.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load notices: %w", err)
	}
	sum.Loaded = len(raws)
	if len(raws) == 0 {
		log.Info("no notices loaded")
		return sum, nil
	}

	existing := map[string]struct{}{}
	if !opts.OverwriteAll {
		existing, err = o.notices.ExistingHashes(ctx, Hashes(raws))
		if err != nil {
			return sum, fmt.Errorf("existing hashes: %w", err)
		}
	}
	forced := o.forcedHashes(ctx, opts.OverwriteIDs, log)

	pending := SelectPending(raws, existing, forced, opts.OnlyOverwriteIDs)
	sum.Pending = len(pending)
	sum.Skipped = sum.Loaded - sum.Pending
	log.Info("notices selected",
		zap.Int("loaded", sum.Loaded),
		zap.Int("pending", sum.Pending),
		zap.Int("existing", len(existing)),
		zap.Int("forced", len(forced)),
		zap.Bool("only_overwrite_ids", opts.OnlyOverwriteIDs))
	if len(pending) == 0 {
		return sum, nil
	}

	log.Info("pass 1", zap.Int("items", len(pending)), zap.Int("concurrency", o.cfg.Pass1.MaxConcurrency),
		zap.Float64("rps", o.cfg.Pass1.RequestsPerSecond), zap.Duration("timeout", o.cfg.Pass1.Timeout))
	outcomes := o.dispatcher.DispatchMany(ctx, pending, o.cfg.Pass1)
	res, failed, err := persistOutcomes(ctx, o.notices, outcomes, store.PersistOptions{
		OverwriteAll: opts.OverwriteAll,
		OverwriteIDs: opts.OverwriteIDs,
	}, log)
	if err != nil {
		return sum, fmt.Errorf("persist pass 1: %w", err)
	}
	o.tally(&sum, res)
	o.events.Notify(ctx, res)

	// Persistence conflicts are not classified again.
	unclassified, refused := splitFailures(failed)
	sum.Quarantined = o.quarantineAll(context.WithoutCancel(ctx), refused, log)
	if len(unclassified) == 0 {
		o.logSummary(log, sum)
		return sum, nil
	}
	if err := ctx.Err(); err != nil {
		sum.Quarantined += o.quarantineAll(context.WithoutCancel(ctx), unclassified, log)
		return sum, fmt.Errorf("pass 2 not started: %w", err)
	}

	retry := items(unclassified)
	sum.Retried = len(retry)
	log.Info("pass 2", zap.Int("items", len(retry)), zap.Int("concurrency", o.cfg.Pass2.MaxConcurrency),
		zap.Float64("rps", o.cfg.Pass2.RequestsPerSecond), zap.Duration("timeout", o.cfg.Pass2.Timeout))
	outcomes = o.dispatcher.DispatchMany(ctx, retry, o.cfg.Pass2)
	res, failed, persistErr := persistOutcomes(ctx, o.notices, outcomes, store.PersistOptions{}, log)
	o.tally(&sum, res)
	o.events.Notify(ctx, res)

	sum.Quarantined += o.quarantineAll(ctx, failed, log)
	o.logSummary(log, sum)
	if persistErr != nil {
		return sum, fmt.Errorf("persist pass 2: %w", persistErr)
	}
	return sum, nil
}

func (o *Orchestrator) runID() string {
	if o.ids == nil {
		return ""
	}
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("run id unavailable", zap.Error(err))
		return ""
	}
	return id
}

// forcedHashes resolves overwrite ids. Lookup failures are logged and yield
// no forced notices, like unknown ids.
func (o *Orchestrator) forcedHashes(ctx context.Context, ids []int64, log *zap.Logger) map[string]struct{} {
	forced := map[string]struct{}{}
	if len(ids) == 0 {
		return forced
	}
	byID, err := o.notices.HashesForIDs(ctx, ids)
	if err != nil {
		log.Error("resolve overwrite ids failed", zap.Int64s("ids", ids), zap.Error(err))
		return forced
	}
	for _, id := range ids {
		h, ok := byID[id]
		if !ok {
			log.Warn("overwrite id not found", zap.Int64("id", id))
			continue
		}
		forced[h] = struct{}{}
	}
	return forced
}

func (o *Orchestrator) tally(sum *Summary, res store.BatchResult) {
	sum.Succeeded += len(res.Persisted)
	sum.Created += res.Created()
	sum.Updated += res.Updated()
}

func (o *Orchestrator) quarantineAll(ctx context.Context, failed []failure, log *zap.Logger) int {
	return quarantine(ctx, o.quarantine, failed, log)
}

func quarantine(ctx context.Context, q Quarantine, failed []failure, log *zap.Logger) int {
	if q == nil || len(failed) == 0 {
		return 0
	}
	n := 0
	var errs []error
	for _, f := range failed {
		if _, err := q.RecordFailure(ctx, f.item, f.reason); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("quarantine failed", zap.Int("lost", len(errs)), zap.Error(err))
	}
	log.Warn("notices still failing after retries", zap.Int("quarantined", n))
	return n
}

func (o *Orchestrator) logSummary(log *zap.Logger, sum Summary) {
	log.Info("pipeline run finished",
		zap.Int("loaded", sum.Loaded),
		zap.Int("pending", sum.Pending),
		zap.Int("skipped", sum.Skipped),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("retried", sum.Retried),
		zap.Int("quarantined", sum.Quarantined))
}
