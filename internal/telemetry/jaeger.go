package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
TRACING EXPORT

Spans from the relay (connects, frame processing) and from client room dials
are batched to a Jaeger collector.

  StartSpan → OpenTelemetry SDK → Jaeger exporter → collector → Jaeger UI
*/

// ServiceVersion is reported on every span resource.
const ServiceVersion = "0.3.0"

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// The returned function flushes and stops it.
func InitJaeger(serviceName, jaegerEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	logger.Info("✓ Jaeger tracing initialized", slog.String("endpoint", jaegerEndpoint))

	return tp.Shutdown, nil
}
