// Package collyfetcher downloads source feeds with gocolly, retrying
// transient failures with exponential backoff and pacing requests per host.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/backoff"
	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Attempts is the total number of tries per URL, first one included.
	Attempts    int           `mapstructure:"attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	// HostRPS paces requests to the same host. Zero disables pacing.
	HostRPS float64 `mapstructure:"host_rps"`
	// Transport overrides the HTTP transport, e.g. for tests.
	Transport http.RoundTripper `mapstructure:"-"`
}

// DefaultConfig returns four attempts with a 15s timeout and 0.5s base backoff.
func DefaultConfig() Config {
	return Config{
		UserAgent:   "notam-pipeline/1.0",
		Timeout:     15 * time.Second,
		Attempts:    4,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  8 * time.Second,
	}
}

// Response is a completed fetch.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Attempts    int
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// Fetcher performs GET requests through a shared base collector.
type Fetcher struct {
	cfg     Config
	base    *colly.Collector
	limiter *ratelimit.Keyed
	backoff backoff.Policy
	logger  *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithJitter replaces the random backoff jitter.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(f *Fetcher) {
		f.backoff.Jitter = fn
	}
}

// New builds a Fetcher. Zero config values take DefaultConfig values.
func New(cfg Config, opts ...Option) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = true
	// Retries revisit the same URL and non-2xx bodies are inspected by the caller.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:     cfg,
		base:    c,
		limiter: ratelimit.NewKeyed(ratelimit.Config{RPS: cfg.HostRPS, Burst: 1}),
		backoff: backoff.Policy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, MaxJitter: backoff.DefaultMaxJitter},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs url, retrying transport errors, 429 and 5xx responses.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if err := f.backoff.Sleep(ctx, attempt-1); err != nil {
				return Response{}, fmt.Errorf("fetch %s: %w", url, err)
			}
		}
		if err := f.limiter.Wait(ctx, url); err != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", url, err)
		}
		resp, err := f.fetchOnce(ctx, url)
		if err == nil {
			resp.Attempts = attempt + 1
			metrics.ObserveSourceFetch(url, strconv.Itoa(resp.StatusCode))
			return resp, nil
		}
		lastErr = err

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			metrics.ObserveSourceFetch(url, strconv.Itoa(statusErr.Code))
			if !statusErr.Retryable() {
				return Response{}, err
			}
		case ctx.Err() != nil:
			return Response{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		default:
			metrics.ObserveSourceFetch(url, "error")
		}
		f.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", f.cfg.Attempts),
			zap.Error(err),
		)
	}
	return Response{}, fmt.Errorf("fetch %s after %d attempts: %w", url, f.cfg.Attempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	collector := f.base.Clone()
	collector.Context = ctx
	f.configureHooks(collector, time.Now(), &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Response{}, fmt.Errorf("colly visit: %w", err)
		}
		if fetchErr != nil {
			return Response{}, fmt.Errorf("colly response: %w", fetchErr)
		}
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return Response{}, &StatusError{URL: url, Code: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) configureHooks(hooks collectorHooks, start time.Time, result *Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
