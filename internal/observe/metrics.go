// Package observe provides application-wide observability primitives for the
// speech-to-text service: OpenTelemetry metrics, tracing helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/maozhuey/speech-to-text-service"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RecognitionDuration tracks per-segment recognition latency. Use with
	// attribute: attribute.String("model", ...).
	RecognitionDuration metric.Float64Histogram

	// ModelLoadDuration tracks model load latency. Use with attribute:
	//   attribute.String("model", ...)
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsEmitted counts utterance boundaries. Use with attribute:
	//   attribute.String("reason", "silence"|"timeout")
	SegmentsEmitted metric.Int64Counter

	// ModelLoads counts successful model loads by model id.
	ModelLoads metric.Int64Counter

	// ModelLoadFailures counts failed or timed-out model loads by model id.
	ModelLoadFailures metric.Int64Counter

	// ModelEvictions counts LRU evictions by model id.
	ModelEvictions metric.Int64Counter

	// RecognitionErrors counts failed recognition calls by model id.
	RecognitionErrors metric.Int64Counter

	// ClassifierFallbacks counts sessions that dropped to fixed-duration
	// segmentation after a speech classifier failure.
	ClassifierFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// local inference: sub-second for short utterances up to tens of seconds for
// model loads.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RecognitionDuration, err = m.Float64Histogram("stt.recognition.duration",
		metric.WithDescription("Latency of recognizing one audio segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("stt.model.load.duration",
		metric.WithDescription("Latency of loading a recognition model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsEmitted, err = m.Int64Counter("stt.segments.emitted",
		metric.WithDescription("Total utterance boundaries by trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("stt.model.loads",
		metric.WithDescription("Total successful model loads by model id."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadFailures, err = m.Int64Counter("stt.model.load_failures",
		metric.WithDescription("Total failed model loads by model id."),
	); err != nil {
		return nil, err
	}
	if met.ModelEvictions, err = m.Int64Counter("stt.model.evictions",
		metric.WithDescription("Total LRU model evictions by model id."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("stt.recognition.errors",
		metric.WithDescription("Total failed recognition calls by model id."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierFallbacks, err = m.Int64Counter("stt.classifier.fallbacks",
		metric.WithDescription("Total sessions switched to fixed-duration segmentation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("stt.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stt.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
