// Package observability installs the OpenTelemetry tracer provider that step
// spans are exported through.
package observability

import (
	"context"
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/rendis/stepflow/pkg/schema"
)

// TracingConfig selects where spans go. An empty Output disables tracing.
type TracingConfig struct {
	// Output is "stderr" or a file path spans are appended to as JSON lines.
	// stdout is reserved for the MCP transport.
	Output string
	// SampleRatio is the fraction of root spans kept. Values outside (0, 1)
	// keep every span.
	SampleRatio float64
}

// InitTracing installs a global TracerProvider for cfg and returns a shutdown
// function that flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if cfg.Output == "" {
		return func(context.Context) error { return nil }, nil
	}

	w, closeOutput, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		_ = closeOutput()
		return nil, schema.NewError(schema.ErrCodeConfig, "tracing: create exporter").WithCause(err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		_ = closeOutput()
		return nil, schema.NewError(schema.ErrCodeConfig, "tracing: create resource").WithCause(err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), closeOutput())
	}, nil
}

func openOutput(output string) (io.Writer, func() error, error) {
	if output == "stderr" {
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfig, "tracing: open %s", output).WithCause(err)
	}
	return f, f.Close, nil
}

// newSampler keeps every root span at ratio >= 1 and follows the parent's
// decision for child spans.
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
