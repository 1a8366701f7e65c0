package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig mirrors the [telemetry] config section.
type ProviderConfig struct {
	ServiceName    string // falls back to OTEL_SERVICE_NAME, then "taskkit"
	ServiceVersion string

	// Endpoint is host:port of an OTLP collector. A scheme prefix is
	// ignored. Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	Protocol string // "grpc" (default) or "http"
	Insecure bool

	// Debug also records tool results on spans.
	Debug bool
}

// Provider owns the tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider installs a batching OTLP tracer provider as the global
// provider and tracer. Call Shutdown to flush.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	service := firstNonEmpty(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), "taskkit")

	exporter, err := newExporter(ctx, firstNonEmpty(cfg.Protocol, "grpc"), endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}

	// Schemaless so it never conflicts with the SDK's default schema URL.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		exporter.Shutdown(ctx)
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	return install(service, cfg.Debug, sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
}

func newExporter(ctx context.Context, protocol, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", protocol, err)
	}
	return exp, nil
}

// NewProviderWithExporter installs a provider that hands spans to exp
// synchronously, e.g. a tracetest.InMemoryExporter.
func NewProviderWithExporter(serviceName string, exp sdktrace.SpanExporter, debug bool) *Provider {
	return install(serviceName, debug, sdktrace.WithSyncer(exp))
}

func install(service string, debug bool, opts ...sdktrace.TracerProviderOption) *Provider {
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithSampler(sdktrace.AlwaysSample()))...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p := &Provider{tp: tp, tracer: &Tracer{tracer: tp.Tracer(service), debug: debug}}
	SetGlobalTracer(p.tracer)
	return p
}

func (p *Provider) Tracer() *Tracer { return p.tracer }

// Shutdown flushes pending spans. The global tracer reverts to a no-op.
func (p *Provider) Shutdown(ctx context.Context) error {
	SetGlobalTracer(nil)
	return p.tp.Shutdown(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
