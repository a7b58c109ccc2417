// Package telemetry wires OpenTelemetry tracing and metric export around
// the pipeline: one span per pipeline run, one child span per checker, and
// a span around each upstream proxy call. Export goes to stdout; a
// collector endpoint can replace the exporters without touching call sites.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation scope.
const tracerName = "github.com/aimguard/gateway"

// Config controls what Setup installs.
type Config struct {
	// Enabled turns tracing on. When false, Setup installs nothing and
	// Tracer returns a no-op.
	Enabled bool
	// ServiceName stamps the resource attributes.
	ServiceName string
	// MetricExport enables the periodic stdout metric reader alongside the
	// Prometheus registry (useful in dev; redundant in scraped deployments).
	MetricExport bool
	// MetricInterval is the export period for the stdout metric reader.
	MetricInterval time.Duration
}

// Provider owns the installed SDK pieces and shuts them down together.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup installs the tracer (and optionally meter) providers globally and
// returns a Provider whose Shutdown flushes both.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aimguard"
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = time.Minute
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{tp: tp}

	if cfg.MetricExport {
		metricExp, err := stdoutmetric.New()
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(cfg.MetricInterval))),
		)
		otel.SetMeterProvider(mp)
		p.mp = mp
	}

	if logger != nil {
		logger.Info("telemetry enabled", "service", cfg.ServiceName, "metric_export", cfg.MetricExport)
	}
	return p, nil
}

// Tracer returns the gateway's tracer. Safe before Setup: it falls back to
// the global (no-op) provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPipelineSpan opens the span wrapping one pipeline run.
func StartPipelineSpan(ctx context.Context, side, useCase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "guardrail.pipeline",
		trace.WithAttributes(
			attribute.String("guardrail.side", side),
			attribute.String("guardrail.use_case", useCase),
		))
}

// StartCheckerSpan opens the span wrapping one checker invocation.
func StartCheckerSpan(ctx context.Context, typ, variant string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "guardrail.check",
		trace.WithAttributes(
			attribute.String("guardrail.type", typ),
			attribute.String("guardrail.variant", variant),
		))
}

// StartUpstreamSpan opens the span wrapping one upstream model call.
func StartUpstreamSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.predict",
		trace.WithAttributes(attribute.String("upstream.url", url)))
}

// Shutdown flushes and stops the installed providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
