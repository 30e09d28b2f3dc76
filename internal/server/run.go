package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/notam-pipeline/internal/api"
	"github.com/JakeFAU/notam-pipeline/internal/pipeline"
	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/stream"
	"github.com/JakeFAU/notam-pipeline/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// RunPipeline performs one batch ingestion run with opts.
func (a *App) RunPipeline(ctx context.Context, opts pipeline.RunOptions) (pipeline.Summary, error) {
	sum, err := a.orchestrator.Run(ctx, opts)
	if err != nil {
		telemetry.CaptureError(err, map[string]string{"component": "pipeline", "run_id": sum.RunID})
	}
	return sum, err
}

// RunRetry performs one retry queue pass.
func (a *App) RunRetry(ctx context.Context) (retryqueue.RunReport, error) {
	report, err := a.retry.RunOnce(ctx)
	if err != nil && !errors.Is(err, retryqueue.ErrRunInProgress) {
		telemetry.CaptureError(err, map[string]string{"component": "retry"})
	}
	return report, err
}

// Stream consumes the configured queue until ctx is done, then flushes the
// micro-batcher.
func (a *App) Stream(ctx context.Context) error {
	src, err := a.openStreamSource(ctx)
	if err != nil {
		return err
	}
	log := a.logger.Named("stream")

	proc := pipeline.NewProcessor(a.notices, a.dispatcher, a.retry, a.cfg.Dispatch.Pass1, a.notifier, log)
	batcher := stream.NewBatcher(a.cfg.Stream.Batch, proc.ProcessBatch,
		stream.WithBatcherLogger(log.Named("batcher")),
		stream.WithBaseContext(context.WithoutCancel(ctx)),
	)

	opts := []stream.ConsumerOption{
		stream.WithLogger(log),
		stream.WithSeenSet(a.seen),
		stream.WithArchiver(a.archiver),
		stream.WithClock(a.clock.Now),
	}
	if a.cfg.Stream.AllowListEnabled {
		policy, err := a.allowList()
		if err != nil {
			log.Warn("stream allow-list unavailable, accepting every designator", zap.Error(err))
		} else {
			opts = append(opts, stream.WithAllowList(policy))
		}
	}
	consumer := stream.NewConsumer(src, batcher, opts...)

	log.Info("stream consumer started", zap.String("backend", a.cfg.Stream.Backend))
	runErr := consumer.Run(ctx)

	flushTimeout := a.cfg.Stream.Batch.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = stream.DefaultBatcherConfig().FlushTimeout
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := batcher.Close(closeCtx); err != nil {
		log.Warn("batcher close failed", zap.Error(err))
	}
	log.Info("stream consumer stopped")
	if runErr != nil {
		telemetry.CaptureError(runErr, map[string]string{"component": "stream"})
		return fmt.Errorf("stream consumer: %w", runErr)
	}
	return nil
}

// APIHandler builds the ops HTTP handler.
func (a *App) APIHandler() http.Handler {
	return api.NewServer(a.retry, api.Config{
		APIKey:         a.cfg.API.APIKey,
		RequestTimeout: a.cfg.API.RequestTimeout,
	}, a.logger.Named("api"), a.notices).Handler()
}

// Serve runs the ops API, the scheduled pipeline and retry loops and, for a
// durable queue backend, the stream consumer, until ctx is done or the
// HTTP server fails. Scheduled runs never use destructive overrides.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           a.APIHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	sched := a.cfg.Scheduler
	g.Go(func() error {
		Every(ctx, "pipeline", sched.PipelineInterval, sched.RunOnStart, func(ctx context.Context) error {
			_, err := a.RunPipeline(ctx, pipeline.RunOptions{})
			return err
		}, a.logger.Named("scheduler"))
		return nil
	})
	g.Go(func() error {
		Every(ctx, "retry", sched.RetryInterval, sched.RunOnStart, func(ctx context.Context) error {
			_, err := a.RunRetry(ctx)
			if errors.Is(err, retryqueue.ErrRunInProgress) {
				return nil
			}
			return err
		}, a.logger.Named("scheduler"))
		return nil
	})

	if a.streamSource != nil || a.cfg.Stream.Backend != "memory" {
		g.Go(func() error {
			return a.Stream(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}
