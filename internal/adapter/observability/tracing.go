// Package observability wires the ambient stack: the process logger, the
// prometheus collectors the dispatcher and adapters feed, OTLP tracing, and
// the cost drift monitor.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/forgestack/agentd/internal/config"
)

// SetupTracing installs an OTLP gRPC trace pipeline when an endpoint is
// configured and returns its shutdown func. Without an endpoint tracing
// stays off and both return values are nil.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
	))
	if err != nil {
		return nil, err
	}

	// Sandbox runs produce deep span trees; prod samples at 10% so the
	// collector keeps up, everywhere else records everything.
	ratio := 1.0
	if cfg.IsProd() {
		ratio = 0.1
	}
	sampler := trace.ParentBased(trace.TraceIDRatioBased(ratio))
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_ratio", ratio))

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
