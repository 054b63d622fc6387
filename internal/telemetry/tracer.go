package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bosmadev/gswarm-gateway"

// Tracer returns the gateway's named tracer, bound to whatever
// TracerProvider is currently installed (a real one after InitTracer, a
// no-op before it — callers never need to check which).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracer installs a process-wide TracerProvider tagged with serviceName
// and version, and returns a shutdown func for graceful drain.
//
// otlpEndpoint is accepted for forward compatibility with a real OTLP
// exporter but is not dereferenced here: no exporter package is part of
// this module's dependency set (see DESIGN.md), so the SDK's default
// processor records spans in-process and discards them on shutdown. Callers
// (pkg/executor, pkg/refresh) start real spans against the provider
// installed here via Tracer(), so wiring an exporter later needs no change
// at the call sites.
func InitTracer(ctx context.Context, otlpEndpoint, serviceName, version string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("building tracer resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
