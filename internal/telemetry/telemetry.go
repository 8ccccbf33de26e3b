package telemetry

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/loveCupid/urcu/internal/config"
)

// InitTracer installs the global tracer provider for a harness run.
// The harness is a local tool, so the only exporter is stdout; the
// returned function shuts the provider down and flushes pending spans.
func InitTracer(cfg config.TelemetryConfig, serviceName, runID string) func(context.Context) error {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("run.id", runID),
		),
	)
	if err != nil {
		log.Fatalf("failed to create resource: %v", err)
	}

	var expOpts []stdouttrace.Option
	if cfg.Tracing.Pretty {
		expOpts = append(expOpts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(expOpts...)
	if err != nil {
		log.Fatalf("failed to initialize stdout exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
