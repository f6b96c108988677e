// Package observability wires OpenTelemetry tracing for the pipeline.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	ExporterOTLP    ExporterType = "otlp"
	ExporterConsole ExporterType = "console"
	ExporterNone    ExporterType = "none"
)

// ExporterConfig contains configuration for trace exporters.
type ExporterConfig struct {
	Type        ExporterType
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	ServiceName string
	Environment string
	Version     string
}

// SetupTraceExporter initializes the trace exporter and installs it as the
// global provider. With ExporterNone the provider never samples, so trace
// calls throughout the pipeline become no-ops.
func SetupTraceExporter(ctx context.Context, config *ExporterConfig) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch config.Type {
	case ExporterOTLP:
		exporter, err = setupOTLPExporter(ctx, config)
	case ExporterConsole:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return setupNoOpProvider(config)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := buildResource(config)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func setupOTLPExporter(ctx context.Context, config *ExporterConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func setupNoOpProvider(config *ExporterConfig) (*sdktrace.TracerProvider, error) {
	res, err := buildResource(config)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func buildResource(config *ExporterConfig) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.Version),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownTraceExporter gracefully shuts down the trace provider.
func ShutdownTraceExporter(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
