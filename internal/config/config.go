// Package config loads application configuration from files and environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/cache"
	"github.com/JakeFAU/notam-pipeline/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/notam-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/notam-pipeline/internal/pipeline"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/source"
	"github.com/JakeFAU/notam-pipeline/internal/stream"
)

// EnvPrefix namespaces every environment override, e.g. NOTAM_DATABASE_DSN.
const EnvPrefix = "NOTAM"

// Production is the environment name that enables the destructive-override guard.
const Production = "production"

// ErrDestructiveOverride is returned by Validate when a production config
// asks to delete stored notices.
var ErrDestructiveOverride = errors.New("destructive overwrite options are not allowed in production")

// Config captures every runtime setting for the pipeline.
type Config struct {
	Environment string            `mapstructure:"environment"`
	Application AppConfig         `mapstructure:"application"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DBConfig          `mapstructure:"database"`
	Dispatch    pipeline.Config   `mapstructure:"dispatch"`
	Retry       retryqueue.Config `mapstructure:"retry"`
	Source      SourceConfig      `mapstructure:"source"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	API         APIConfig         `mapstructure:"api"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
	Run         RunConfig         `mapstructure:"run"`
}

// AppConfig describes the deployment for tracing resources.
type AppConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
	// TracingEnabled exports spans to Cloud Trace when ProjectID is set.
	TracingEnabled bool `mapstructure:"tracing_enabled"`
}

// LoggingConfig toggles development logging.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig holds the Postgres pool settings.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// InMemory allows running without a DSN on throwaway in-memory stores.
	InMemory bool `mapstructure:"in_memory"`
}

// SourceConfig locates the batch feeds and tunes their HTTP fetcher.
type SourceConfig struct {
	source.Config `mapstructure:",squash"`
	HTTP          collyfetcher.Config `mapstructure:"http"`
}

// StreamConfig selects the durable queue and the micro-batcher settings.
type StreamConfig struct {
	// Backend is one of memory, pubsub or mqtt.
	Backend string               `mapstructure:"backend"`
	Batch   stream.BatcherConfig `mapstructure:"batch"`
	PubSub  stream.PubSubConfig  `mapstructure:"pubsub"`
	MQTT    stream.MQTTConfig    `mapstructure:"mqtt"`
	// AllowListEnabled drops messages for designators outside the manifest.
	AllowListEnabled bool `mapstructure:"allow_list_enabled"`
}

// CacheConfig selects the seen-fingerprint cache used by stream consumers.
type CacheConfig struct {
	// Backend is one of none, memory or redis.
	Backend string            `mapstructure:"backend"`
	TTL     time.Duration     `mapstructure:"ttl"`
	Redis   cache.RedisConfig `mapstructure:"redis"`
}

// ArchiveConfig selects where raw payloads are archived.
type ArchiveConfig struct {
	// Backend is one of memory, local or gcs.
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PublisherConfig configures persisted-notice events.
type PublisherConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether events go to Pub/Sub.
func (p PublisherConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// ClassifierConfig selects the classification backend.
type ClassifierConfig struct {
	// Backend is http or llm.
	Backend  string        `mapstructure:"backend"`
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// The llm backend uses Gemini on Vertex AI.
	ProjectID string `mapstructure:"project_id"`
	Location  string `mapstructure:"location"`
	Model     string `mapstructure:"model"`
}

// APIConfig configures the ops HTTP surface.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig sets the serve-mode loop intervals.
type SchedulerConfig struct {
	PipelineInterval time.Duration `mapstructure:"pipeline_interval"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	// RunOnStart triggers both loops immediately instead of after one interval.
	RunOnStart bool `mapstructure:"run_on_start"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RunConfig carries the destructive run overrides.
type RunConfig struct {
	OverwriteAll bool `mapstructure:"overwrite_all"`
	// OverwriteIDs is a comma or whitespace separated list of record ids.
	OverwriteIDs     string `mapstructure:"overwrite_ids"`
	OnlyOverwriteIDs bool   `mapstructure:"only_overwrite_ids"`
}

// Options converts the overrides to orchestrator run options.
func (r RunConfig) Options(logger *zap.Logger) pipeline.RunOptions {
	return pipeline.RunOptions{
		OverwriteAll:     r.OverwriteAll,
		OverwriteIDs:     ParseIDList(r.OverwriteIDs, logger),
		OnlyOverwriteIDs: r.OnlyOverwriteIDs,
	}
}

// IsProduction reports whether the production guard applies.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), Production)
}

// Load reads configuration from the optional path and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv keeps the historical variable names working.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"environment":            {"ENVIRONMENT", EnvPrefix + "_ENVIRONMENT"},
		"run.overwrite_all":      {EnvPrefix + "_OVERWRITE_ALL", EnvPrefix + "_RUN_OVERWRITE_ALL"},
		"run.overwrite_ids":      {EnvPrefix + "_OVERWRITE_DB_IDS", EnvPrefix + "_RUN_OVERWRITE_IDS"},
		"run.only_overwrite_ids": {EnvPrefix + "_ONLY_OVERWRITE_IDS", EnvPrefix + "_RUN_ONLY_OVERWRITE_IDS"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("application.service_name", "notam-pipeline")
	v.SetDefault("application.version", "dev")
	v.SetDefault("application.tracing_enabled", false)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.in_memory", false)

	dispatch := pipeline.DefaultConfig()
	setSettingsDefaults(v, "dispatch.pass1", dispatch.Pass1)
	setSettingsDefaults(v, "dispatch.pass2", dispatch.Pass2)

	retry := retryqueue.DefaultConfig()
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.retry_delay", retry.RetryDelay)
	v.SetDefault("retry.batch_size", retry.BatchSize)
	setSettingsDefaults(v, "retry.dispatch", retry.Dispatch)

	fetch := collyfetcher.DefaultConfig()
	v.SetDefault("source.manifest_path", "data/airport_notam_urls.csv")
	v.SetDefault("source.manual_path", "data/manual_notams.csv")
	v.SetDefault("source.concurrency", 8)
	v.SetDefault("source.http.user_agent", fetch.UserAgent)
	v.SetDefault("source.http.timeout", fetch.Timeout)
	v.SetDefault("source.http.attempts", fetch.Attempts)
	v.SetDefault("source.http.backoff_base", fetch.BackoffBase)
	v.SetDefault("source.http.backoff_cap", fetch.BackoffCap)
	v.SetDefault("source.http.host_rps", 2.0)

	batch := stream.DefaultBatcherConfig()
	v.SetDefault("stream.backend", "memory")
	v.SetDefault("stream.batch.batch_size", batch.BatchSize)
	v.SetDefault("stream.batch.flush_interval", batch.FlushInterval)
	v.SetDefault("stream.batch.max_inflight", batch.MaxInflight)
	v.SetDefault("stream.batch.block_on_backpressure", batch.BlockOnBackpressure)
	v.SetDefault("stream.batch.flush_timeout", batch.FlushTimeout)
	v.SetDefault("stream.pubsub.max_outstanding", batch.MaxInflight)
	v.SetDefault("stream.pubsub.num_goroutines", 1)
	v.SetDefault("stream.mqtt.client_id", "notam-pipeline")
	v.SetDefault("stream.mqtt.qos", 1)
	v.SetDefault("stream.mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("stream.allow_list_enabled", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.redis.key_prefix", "notam:seen:")

	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("classifier.backend", "http")
	v.SetDefault("classifier.timeout", 120*time.Second)
	v.SetDefault("classifier.location", "us-central1")
	v.SetDefault("classifier.model", "gemini-2.0-flash")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.request_timeout", 30*time.Second)

	v.SetDefault("scheduler.pipeline_interval", 30*time.Minute)
	v.SetDefault("scheduler.retry_interval", 30*time.Minute)
	v.SetDefault("scheduler.run_on_start", true)

	// Secrets and endpoints have no defaults but must be known keys so that
	// AutomaticEnv overrides reach Unmarshal.
	for _, key := range []string{
		"application.project_id", "application.region",
		"database.dsn",
		"stream.pubsub.project_id", "stream.pubsub.subscription",
		"stream.mqtt.broker", "stream.mqtt.topic", "stream.mqtt.username", "stream.mqtt.password",
		"cache.redis.url", "cache.redis.password",
		"archive.bucket",
		"publisher.project_id", "publisher.topic",
		"classifier.endpoint", "classifier.api_key", "classifier.project_id",
		"api.api_key",
		"sentry.dsn",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("run.overwrite_all", false)
	v.SetDefault("run.overwrite_ids", "")
	v.SetDefault("run.only_overwrite_ids", false)
}

func setSettingsDefaults(v *viper.Viper, prefix string, s dispatcher.Settings) {
	v.SetDefault(prefix+".name", s.Name)
	v.SetDefault(prefix+".max_concurrency", s.MaxConcurrency)
	v.SetDefault(prefix+".requests_per_second", s.RequestsPerSecond)
	v.SetDefault(prefix+".timeout", s.Timeout)
	v.SetDefault(prefix+".retry_attempts", s.RetryAttempts)
	v.SetDefault(prefix+".backoff_base", s.BackoffBase)
	v.SetDefault(prefix+".backoff_cap", s.BackoffCap)
}

// Validate performs basic sanity checks and enforces the production guard.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.Run.OverwriteAll || len(ParseIDList(c.Run.OverwriteIDs, nil)) > 0 {
			return ErrDestructiveOverride
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required in production")
		}
		if c.Database.InMemory {
			return fmt.Errorf("database.in_memory is not allowed in production")
		}
	}
	if c.Run.OnlyOverwriteIDs && len(ParseIDList(c.Run.OverwriteIDs, nil)) == 0 {
		return fmt.Errorf("run.only_overwrite_ids requires run.overwrite_ids")
	}
	if c.Dispatch.Pass1.MaxConcurrency <= 0 || c.Dispatch.Pass2.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch max_concurrency must be positive")
	}
	if c.Dispatch.Pass1.RetryAttempts < 0 || c.Dispatch.Pass2.RetryAttempts < 0 {
		return fmt.Errorf("dispatch retry_attempts must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Stream.Batch.BatchSize <= 0 {
		return fmt.Errorf("stream.batch.batch_size must be positive")
	}
	if c.Stream.Batch.MaxInflight < c.Stream.Batch.BatchSize {
		return fmt.Errorf("stream.batch.max_inflight must be >= batch_size")
	}
	switch c.Stream.Backend {
	case "memory":
	case "pubsub":
		if c.Stream.PubSub.ProjectID == "" || c.Stream.PubSub.Subscription == "" {
			return fmt.Errorf("stream.pubsub.project_id and subscription are required")
		}
	case "mqtt":
		if c.Stream.MQTT.Broker == "" || c.Stream.MQTT.Topic == "" {
			return fmt.Errorf("stream.mqtt.broker and topic are required")
		}
	default:
		return fmt.Errorf("unknown stream.backend %q", c.Stream.Backend)
	}
	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	switch c.Archive.Backend {
	case "memory", "local":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	switch c.Classifier.Backend {
	case "http":
	case "llm":
		if c.Classifier.ProjectID == "" {
			return fmt.Errorf("classifier.project_id is required for the llm backend")
		}
	default:
		return fmt.Errorf("unknown classifier.backend %q", c.Classifier.Backend)
	}
	if c.Scheduler.PipelineInterval <= 0 || c.Scheduler.RetryInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	return nil
}

// ParseIDList parses record ids separated by commas or whitespace. Tokens
// that are not integers are skipped with a warning.
func ParseIDList(raw string, logger *zap.Logger) []int64 {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	var ids []int64
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			logger.Warn("ignoring invalid record id", zap.String("value", f))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
