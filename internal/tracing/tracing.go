// Package tracing wires OpenTelemetry for workflow runs and step executions.
// Without Init the global no-op provider is used and spans cost nothing.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by the engine.
const InstrumentationName = "github.com/rendis/stepwise"

// Config selects the span exporter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Output receives stdout-exporter spans. Default: os.Stderr.
	Output io.Writer
	// Exporter overrides the stdout exporter when set.
	Exporter sdktrace.SpanExporter
}

// Init installs a global tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	exporter := cfg.Exporter
	if exporter == nil {
		w := cfg.Output
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the stepwise tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartWorkflow opens the root span of a run or a session call.
func StartWorkflow(ctx context.Context, tracer trace.Tracer, sessionID, workflow, mode string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workflow: "+workflow,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.name", workflow),
			attribute.String("session.id", sessionID),
			attribute.String("workflow.mode", mode),
		),
	)
}

// StartStep opens a span around one tool invocation.
func StartStep(ctx context.Context, tracer trace.Tracer, step, tool string, index int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "step: "+step,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.String("step.tool", tool),
			attribute.Int("step.index", index),
		),
	)
}

// End records err (if any) and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
