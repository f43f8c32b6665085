package tracing

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	propjaeger "go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Shutdown flushes and stops the exporter of a TracerProvider built by InitTracer.
type Shutdown func(ctx context.Context) error

// InitTracer creates an OTel TracerProvider that exports the traces over OTLP/HTTP.
// It returns a no-op provider if endpoint is empty.
func InitTracer(
	ctx context.Context,
	serviceName string,
	endpoint string,
	insecure bool,
	samplingFraction float64,
) (trace.TracerProvider, Shutdown, error) {
	nopTracerProvider := noop.NewTracerProvider()
	nopShutdown := func(context.Context) error { return nil }
	otel.SetTracerProvider(nopTracerProvider)

	if endpoint == "" {
		return nopTracerProvider, nopShutdown, nil
	}

	r, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nopTracerProvider, nopShutdown, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := setUpOtelExporter(ctx, endpoint, insecure)
	if err != nil {
		return nopTracerProvider, nopShutdown, fmt.Errorf("setup otel exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingFraction))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propjaeger.Jaeger{},
		propagation.Baggage{},
	))

	return provider, provider.Shutdown, nil
}

func setUpOtelExporter(ctx context.Context, endpoint string, insecure bool) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otel exporter: %w", err)
	}
	return exp, nil
}

type OtelErrorHandler struct {
	Logger log.Logger
}

func (oh OtelErrorHandler) Handle(err error) {
	level.Error(oh.Logger).Log("msg", "opentelemetry", "err", err.Error())
}
