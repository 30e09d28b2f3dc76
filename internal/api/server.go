package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/metrics"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	readyTimeout       = 3 * time.Second
)

// RetryQueue is the retry queue surface the API exposes.
type RetryQueue interface {
	List(ctx context.Context, limit int) ([]retryqueue.Entry, error)
	Stats(ctx context.Context) (store.FailedStats, error)
	RunOnce(ctx context.Context) (retryqueue.RunReport, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls middleware behavior.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header or api_key query.
	APIKey string
	// RequestTimeout bounds read-only handlers. Retry passes are exempt.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the retry queue and readiness checks.
type Server struct {
	router chi.Router
	retry  RetryQueue
	ready  []Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(retry RetryQueue, cfg Config, logger *zap.Logger, ready ...Pinger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		retry:  retry,
		ready:  ready,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", metrics.Handler())
	})

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Get("/failed", s.listFailed)
			r.Get("/failed/stats", s.failedStats)
		})
		r.Post("/retries", s.triggerRetry)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultFailedLimit, maxFailedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.retry.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failed notices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list retry queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": entries, "count": len(entries)})
}

func (s *Server) failedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retry.Stats(r.Context())
	if err != nil {
		s.logger.Error("retry queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute retry queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) triggerRetry(w http.ResponseWriter, r *http.Request) {
	report, err := s.retry.RunOnce(r.Context())
	switch {
	case errors.Is(err, retryqueue.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("retry pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
