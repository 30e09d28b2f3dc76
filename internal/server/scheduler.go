package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/telemetry"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Every runs job every interval until ctx is done, immediately first when
// immediate is set. Runs never overlap: a run that outlasts the interval
// delays the next one. Errors are logged and reported but do not stop the
// loop. Every returns when ctx is done.
func Every(ctx context.Context, name string, interval time.Duration, immediate bool, job Job, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("job", name), zap.Duration("interval", interval))
	run := func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("scheduled job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
			telemetry.CaptureError(err, map[string]string{"job": name})
			return
		}
		log.Debug("scheduled job finished", zap.Duration("duration", time.Since(start)))
	}

	log.Info("scheduler started")
	if immediate {
		run()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}
