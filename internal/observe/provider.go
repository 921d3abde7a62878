package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig carries the identity and exporter wiring for the telemetry
// providers installed at startup.
type ProviderConfig struct {
	// ServiceName labels every metric and span emitted by this process.
	// Default: "speech-to-text-service".
	ServiceName string

	// ServiceVersion is attached to the telemetry resource alongside the name.
	ServiceVersion string

	// TraceExporter receives the spans recorded around segment recognition
	// and model loads. Leave nil to record spans without exporting them;
	// trace ids still appear in log lines either way.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global OpenTelemetry providers for the service.
//
// Metrics flow through a [sdkmetric.MeterProvider] backed by a Prometheus
// exporter, which is what the /metrics endpoint serves: recognition latency
// histograms, model cache counters, session gauges. Spans go through a
// [sdktrace.TracerProvider] wired to cfg.TraceExporter when one is set.
//
// The returned shutdown function flushes both providers; main defers it so
// in-flight telemetry drains before the process exits.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "speech-to-text-service"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	// Prometheus reader: the registry it feeds is the default one served by
	// promhttp at /metrics.
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}

	return shutdown, nil
}
