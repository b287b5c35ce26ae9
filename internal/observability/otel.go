// Package observability wires logging, tracing, and metrics. Logs flow
// through slog; when OTLP export is enabled the otelslog bridge ships
// them alongside traces. Prometheus covers metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies this process in telemetry backends unless
// OTEL_SERVICE_NAME overrides it.
const ServiceName = "ratchet"

// Config selects what gets wired.
type Config struct {
	// OTLPEnabled ships traces and logs to the endpoint in the standard
	// OTEL_EXPORTER_OTLP_* environment variables.
	OTLPEnabled bool
}

// Providers owns the telemetry pipelines for shutdown.
type Providers struct {
	Logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
}

// Setup initialises logging (and optionally OTLP export) and returns
// the providers. Call Shutdown on exit to flush.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	p := &Providers{}

	if !cfg.OTLPEnabled {
		p.Logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(p.Logger)
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return p, nil
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logExporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	p.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	p.Logger = otelslog.NewLogger(ServiceName, otelslog.WithLoggerProvider(p.loggerProvider))
	slog.SetDefault(p.Logger)
	return p, nil
}

// Shutdown flushes and stops the telemetry pipelines.
func (p *Providers) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.loggerProvider != nil {
		if err := p.loggerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newResource merges default SDK attributes with the environment's
// OTEL_RESOURCE_ATTRIBUTES / OTEL_SERVICE_NAME.
func newResource(ctx context.Context) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(ServiceName)),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		// Partial resources and schema conflicts are usable.
		return serviceResource, nil
	}
	return res, nil
}
