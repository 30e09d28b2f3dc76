// Package telemetry sets up OpenTelemetry tracing (Google Cloud Trace) and
// Sentry error reporting. Prometheus metrics live in the metrics package.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JakeFAU/notam-pipeline/internal/config"
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// InitTracing installs the global tracer provider and propagator. Spans are
// exported to Cloud Trace only when tracing is enabled and a project is set;
// otherwise they are recorded in-process and dropped.
func InitTracing(ctx context.Context, cfg config.AppConfig) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		traceProv, initErr = newTracerProvider(ctx, cfg)
		if initErr != nil {
			return
		}
		otel.SetTracerProvider(traceProv)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
	})
	return traceProv, initErr
}

func newTracerProvider(ctx context.Context, cfg config.AppConfig) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	}
	if cfg.ProjectID != "" {
		attrs = append(attrs,
			attribute.String("cloud.provider", "gcp"),
			attribute.String("cloud.account.id", cfg.ProjectID),
		)
	}
	if cfg.Region != "" {
		attrs = append(attrs, attribute.String("cloud.region", cfg.Region))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.TracingEnabled && cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
