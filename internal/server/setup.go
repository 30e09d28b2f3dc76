package server

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/m-mizutani/gollem/llm/gemini"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/cache"
	"github.com/JakeFAU/notam-pipeline/internal/classifier"
	"github.com/JakeFAU/notam-pipeline/internal/config"
	"github.com/JakeFAU/notam-pipeline/internal/database"
	"github.com/JakeFAU/notam-pipeline/internal/logging"
	"github.com/JakeFAU/notam-pipeline/internal/policy/allowlist"
	"github.com/JakeFAU/notam-pipeline/internal/publisher"
	memorypublisher "github.com/JakeFAU/notam-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/notam-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/notam-pipeline/internal/source"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
	gcsstorage "github.com/JakeFAU/notam-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/notam-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/notam-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/notam-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/notam-pipeline/internal/store"
	"github.com/JakeFAU/notam-pipeline/internal/stream"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithService(cfg.Application.ServiceName),
	)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}

// setupDatabase opens the Postgres pool, or builds in-memory stores when no
// DSN is configured and database.in_memory allows it. Every writer shares
// one serialized notice store.
func (a *App) setupDatabase(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Database.DSN) == "" {
		if !a.cfg.Database.InMemory {
			return ErrNoDatabase
		}
		a.logger.Warn("no database DSN configured, using in-memory stores; nothing survives a restart")
		a.notices = store.Serialize(memorystorage.NewNoticeStore(a.clock.Now))
		a.failed = memorystorage.NewFailedStore()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool

	if a.cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, database.OpenSQL(pool), a.logger.Named("migrate")); err != nil {
			return err
		}
	}

	notices, err := pgstore.NewNoticeStore(pool,
		pgstore.WithLogger(a.logger.Named("notice_store")),
		pgstore.WithClock(a.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("notice store init failed: %w", err)
	}
	failed, err := pgstore.NewFailedStore(pool)
	if err != nil {
		return fmt.Errorf("failed store init failed: %w", err)
	}
	a.notices = store.Serialize(notices)
	a.failed = failed
	a.logger.Info("postgres stores initialized")
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var (
		blobs storage.BlobStore
		err   error
	)
	switch a.cfg.Archive.Backend {
	case "gcs":
		a.gcs, err = gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobs = a.gcs
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.BaseDir))
	default:
		blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory archive")
	}
	a.archiver = storage.NewArchiver(blobs, a.cfg.Archive.Prefix, a.logger.Named("archive"))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, override publisher.Publisher) error {
	pub := override
	if pub == nil && a.cfg.Publisher.Enabled() {
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client)
		pub = a.pubsubPublisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	}
	if pub == nil {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		pub = memorypublisher.New()
	}
	topic := a.cfg.Publisher.Topic
	if topic == "" {
		topic = "notam-events"
	}
	a.notifier = publisher.NewNotifier(pub, topic, a.logger.Named("publisher"))
	return nil
}

func newClassifier(ctx context.Context, cfg config.ClassifierConfig) (classifier.Classifier, error) {
	switch cfg.Backend {
	case "llm":
		client, err := gemini.New(ctx, cfg.ProjectID, cfg.Location, gemini.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("gemini client init failed: %w", err)
		}
		return classifier.NewLLM(client), nil
	default:
		c, err := classifier.NewHTTP(classifier.HTTPConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("http classifier init failed: %w", err)
		}
		return c, nil
	}
}

func (a *App) setupSeenSet(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case "redis":
		rcfg := a.cfg.Cache.Redis
		if rcfg.TTL <= 0 {
			rcfg.TTL = a.cfg.Cache.TTL
		}
		seen, client, err := cache.DialRedis(ctx, rcfg)
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		a.seen = seen
		a.redisClient = client
		a.logger.Info("using redis seen-set", zap.String("prefix", rcfg.KeyPrefix))
	case "none":
		a.seen = cache.Nop{}
	default:
		a.seen = cache.NewMemory(a.cfg.Cache.TTL, a.cfg.Cache.TTL)
	}
	return nil
}

// openStreamSource returns the configured queue source. The memory backend
// only receives what is published to it in-process.
func (a *App) openStreamSource(ctx context.Context) (stream.Source, error) {
	if a.streamSource != nil {
		return a.streamSource, nil
	}
	log := a.logger.Named("stream")
	switch a.cfg.Stream.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Stream.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub subscriber init failed: %w", err)
		}
		a.streamClient = client
		a.streamSource = stream.NewPubSubSource(client, a.cfg.Stream.PubSub, log)
	case "mqtt":
		a.streamSource = stream.NewMQTTSource(a.cfg.Stream.MQTT, log)
	default:
		log.Warn("memory stream backend only receives in-process messages")
		a.streamSource = stream.NewMemorySource(a.cfg.Stream.Batch.MaxInflight)
	}
	return a.streamSource, nil
}

// allowList builds the monitored-designator policy from the manifest.
func (a *App) allowList() (*allowlist.Policy, error) {
	entries, err := a.adapter.Manifest()
	if err != nil {
		return nil, fmt.Errorf("load allow-list: %w", err)
	}
	designators := source.Designators(entries)
	policy := allowlist.FromDesignators(designators)
	a.logger.Info("stream allow-list loaded",
		zap.Int("designators", policy.Len()),
		zap.String("sample", strings.Join(designators[:min(len(designators), 5)], ",")),
	)
	return policy, nil
}
