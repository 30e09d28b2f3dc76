package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	collyfetcher "github.com/JakeFAU/notam-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
)

// Fetcher downloads one feed URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (collyfetcher.Response, error)
}

// Config locates the manifest and manual files.
type Config struct {
	ManifestPath string `mapstructure:"manifest_path"`
	ManualPath   string `mapstructure:"manual_path"`
	// Concurrency bounds simultaneous feed downloads.
	Concurrency int `mapstructure:"concurrency"`
}

// Adapter loads raw notices from the configured feeds.
type Adapter struct {
	cfg      Config
	fetcher  Fetcher
	archiver *storage.Archiver
	logger   *zap.Logger
	open     func(string) (io.ReadCloser, error)
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithArchiver archives every fetched feed body and the manual CSV.
func WithArchiver(archiver *storage.Archiver) Option {
	return func(a *Adapter) {
		a.archiver = archiver
	}
}

// WithOpener replaces file access, e.g. with an in-memory filesystem.
func WithOpener(open func(string) (io.ReadCloser, error)) Option {
	return func(a *Adapter) {
		if open != nil {
			a.open = open
		}
	}
}

// New builds an Adapter.
func New(cfg Config, fetcher Fetcher, opts ...Option) *Adapter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	a := &Adapter{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  zap.NewNop(),
		open: func(path string) (io.ReadCloser, error) {
			// #nosec G304 -- paths come from operator configuration.
			return os.Open(path)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Manifest reads the manifest file.
func (a *Adapter) Manifest() ([]Entry, error) {
	f, err := a.open(a.cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ReadManifest(f, a.logger)
}

// Load returns the raw notices of every manifest airport, in manifest order.
// Per-airport fetch failures are logged and served from the manual file
// when it has notices for that airport.
func (a *Adapter) Load(ctx context.Context) ([]notice.Raw, error) {
	entries, err := a.Manifest()
	if err != nil {
		return nil, err
	}
	manual, err := a.loadManual(ctx)
	if err != nil {
		return nil, err
	}

	perEntry := make([][]notice.Raw, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, e := range entries {
		if e.URL == "" {
			continue
		}
		g.Go(func() error {
			perEntry[i] = a.fetchEntry(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	var out []notice.Raw
	for i, e := range entries {
		items := perEntry[i]
		if len(items) == 0 {
			if fallback := manual[e.Designator]; len(fallback) > 0 {
				a.logger.Info("using manual notices", zap.String("designator", e.Designator), zap.Int("count", len(fallback)))
				items = fallback
			} else {
				a.logger.Warn("no notices found", zap.String("designator", e.Designator))
			}
		}
		out = append(out, items...)
	}
	a.logger.Info("sources loaded", zap.Int("airports", len(entries)), zap.Int("notices", len(out)))
	return out, nil
}

func (a *Adapter) fetchEntry(ctx context.Context, e Entry) []notice.Raw {
	log := a.logger.With(zap.String("designator", e.Designator), zap.String("url", e.URL))
	resp, err := a.fetcher.Fetch(ctx, e.URL)
	if err != nil {
		log.Warn("feed fetch failed", zap.Error(err))
		return nil
	}
	if _, err := a.archiver.Archive(ctx, "feed", e.Designator, "application/json", resp.Body); err != nil {
		log.Warn("archive feed failed", zap.Error(err))
	}
	items, err := ParseFeed(e.Designator, resp.Body)
	if err != nil {
		log.Warn("feed decode failed", zap.Error(err))
		return nil
	}
	log.Info("feed fetched", zap.Int("notices", len(items)), zap.Duration("duration", resp.Duration))
	return items
}

func (a *Adapter) loadManual(ctx context.Context) (map[string][]notice.Raw, error) {
	if a.cfg.ManualPath == "" {
		return map[string][]notice.Raw{}, nil
	}
	f, err := a.open(a.cfg.ManualPath)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Info("no manual notices file", zap.String("path", a.cfg.ManualPath))
		return map[string][]notice.Raw{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manual notices: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read manual notices: %w", err)
	}
	if _, err := a.archiver.Archive(ctx, "manual", "manual-"+time.Now().UTC().Format("20060102"), "text/csv", data); err != nil {
		a.logger.Warn("archive manual notices failed", zap.Error(err))
	}
	manual, err := ReadManual(bytes.NewReader(data))
	if err != nil {
		a.logger.Warn("manual notices unreadable", zap.Error(err))
		return map[string][]notice.Raw{}, nil
	}
	a.logger.Info("manual notices loaded", zap.Int("airports", len(manual)))
	return manual, nil
}
