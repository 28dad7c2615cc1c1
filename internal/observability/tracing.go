// Package observability wires the OpenTelemetry trace pipeline.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"colony/internal/logging"
)

// SetupTracing installs a global tracer provider exporting OTLP/HTTP to
// endpoint. An empty endpoint leaves the default no-op provider in
// place. The returned shutdown flushes pending spans.
func SetupTracing(ctx context.Context, endpoint, serviceName string, logger logging.Logger) (func(context.Context) error, error) {
	logger = logging.OrNop(logger)
	if endpoint == "" {
		logger.Debug("tracing disabled: no otel endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled: exporting to %s", endpoint)
	return provider.Shutdown, nil
}
