// Package observability wires logging, Prometheus metrics, and OTLP tracing
// for the dispatcher and worker binaries. Spans cross process boundaries
// twice in this system: dispatch to queue and queue to model call, so the
// propagator setup here is what lets one trace cover an event from append
// to companion reply.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

// SetupTracing configures the OTLP trace exporter and returns its shutdown
// function. With no endpoint configured it returns (nil, nil) and the
// process runs untraced.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// Full sampling outside prod. In prod the parent-based ratio keeps
	// listener poll spans from swamping the collector while still tracing
	// every span whose parent was sampled upstream.
	ratio := 1.0
	if cfg.IsProd() {
		ratio = 0.1
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_ratio", ratio))
	return tp.Shutdown, nil
}
