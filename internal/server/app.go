// Package server wires configuration into the pipeline components and runs
// them as one-shot commands or as a long-running service.
package server

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/cache"
	"github.com/JakeFAU/notam-pipeline/internal/classifier"
	"github.com/JakeFAU/notam-pipeline/internal/clock/system"
	"github.com/JakeFAU/notam-pipeline/internal/config"
	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/notam-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/notam-pipeline/internal/id/uuid"
	"github.com/JakeFAU/notam-pipeline/internal/pipeline"
	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	gcppublisher "github.com/JakeFAU/notam-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/source"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
	gcsstorage "github.com/JakeFAU/notam-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/notam-pipeline/internal/store"
	"github.com/JakeFAU/notam-pipeline/internal/stream"
	"github.com/JakeFAU/notam-pipeline/internal/telemetry"
)

// ErrNoDatabase is returned by Build when no DSN is configured and in-memory
// stores were not requested.
var ErrNoDatabase = errors.New("database.dsn is required (set database.in_memory to run on in-memory stores)")

// App holds the long-lived pipeline services.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  *system.Clock

	pool         *pgxpool.Pool
	notices      store.NoticeStore
	failed       store.FailedStore
	dispatcher   *dispatcher.Dispatcher
	retry        *retryqueue.Manager
	loader       pipeline.Loader
	adapter      *source.Adapter
	archiver     *storage.Archiver
	notifier     *publisher.Notifier
	orchestrator *pipeline.Orchestrator
	seen         cache.SeenSet
	streamSource stream.Source

	gcs             *gcsstorage.BlobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	streamClient    *pubsub.Client
	redisClient     *redis.Client

	tracerShutdown func(context.Context) error
	sentryFlush    func()
}

// Option overrides a component, mostly for tests and local runs.
type Option func(*overrides)

type overrides struct {
	logger       *zap.Logger
	classifier   classifier.Classifier
	loader       pipeline.Loader
	streamSource stream.Source
	publisher    publisher.Publisher
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *overrides) { o.logger = logger }
}

// WithClassifier replaces the configured classification backend.
func WithClassifier(c classifier.Classifier) Option {
	return func(o *overrides) { o.classifier = c }
}

// WithLoader replaces the manifest-driven source adapter.
func WithLoader(l pipeline.Loader) Option {
	return func(o *overrides) { o.loader = l }
}

// WithStreamSource replaces the configured queue source.
func WithStreamSource(s stream.Source) Option {
	return func(o *overrides) { o.streamSource = s }
}

// WithPublisher replaces the event publisher.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *overrides) { o.publisher = p }
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	app = &App{cfg: cfg, logger: o.logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if app.logger == nil {
		if app.logger, err = newLogger(cfg); err != nil {
			return nil, err
		}
		zap.ReplaceGlobals(app.logger)
	}
	app.logger.Info("building application dependencies",
		zap.String("environment", cfg.Environment),
		zap.String("stream_backend", cfg.Stream.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("classifier_backend", cfg.Classifier.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
	)

	if err = app.setupObservability(ctx); err != nil {
		return app, err
	}
	if err = app.setupDatabase(ctx); err != nil {
		return app, err
	}
	if err = app.setupArchive(ctx); err != nil {
		return app, err
	}
	if err = app.setupPublisher(ctx, o.publisher); err != nil {
		return app, err
	}

	cls := o.classifier
	if cls == nil {
		if cls, err = newClassifier(ctx, cfg.Classifier); err != nil {
			return app, err
		}
	}
	app.dispatcher = dispatcher.New(cls,
		dispatcher.WithLogger(app.logger.Named("dispatcher")),
		dispatcher.WithTracer(otel.Tracer("github.com/JakeFAU/notam-pipeline/internal/dispatcher")),
	)
	app.retry = retryqueue.New(app.failed, app.notices, app.dispatcher, cfg.Retry,
		retryqueue.WithLogger(app.logger.Named("retry")),
		retryqueue.WithClock(app.clock.Now),
	)

	fetchCfg := cfg.Source.HTTP
	app.adapter = source.New(cfg.Source.Config, collyfetcher.New(fetchCfg),
		source.WithLogger(app.logger.Named("source")),
		source.WithArchiver(app.archiver),
	)
	app.loader = app.adapter
	if o.loader != nil {
		app.loader = o.loader
	}
	app.orchestrator = pipeline.New(app.loader, app.notices, app.dispatcher, app.retry, cfg.Dispatch,
		pipeline.WithLogger(app.logger.Named("pipeline")),
		pipeline.WithNotifier(app.notifier),
		pipeline.WithIDGenerator(uuid.New()),
	)

	if err = app.setupSeenSet(ctx); err != nil {
		return app, err
	}
	app.streamSource = o.streamSource
	return app, nil
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RetryQueue exposes the retry queue manager.
func (a *App) RetryQueue() *retryqueue.Manager { return a.retry }

// Close releases every resource the app owns. It is safe on a partially
// built app.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	log := a.logger
	if log == nil {
		log = zap.NewNop()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	for name, c := range map[string]*pubsub.Client{"publisher": a.pubsubClient, "stream": a.streamClient} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("pubsub client close failed", zap.String("client", name), zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			log.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			log.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.sentryFlush != nil {
		a.sentryFlush()
	}
	_ = log.Sync()
}

func (a *App) setupObservability(ctx context.Context) error {
	tp, err := telemetry.InitTracing(ctx, a.cfg.Application)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.sentryFlush, err = telemetry.InitSentry(telemetry.SentryOptions{
		DSN:         a.cfg.Sentry.DSN,
		Environment: a.cfg.Environment,
		Release:     a.cfg.Application.Version,
	})
	if err != nil {
		return err
	}
	if a.cfg.Sentry.DSN == "" {
		a.logger.Debug("sentry is not configured")
	}
	return nil
}
