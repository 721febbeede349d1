// Package observe provides application-wide observability primitives for
// Calliope: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Calliope metrics.
const meterName = "github.com/aweiler/calliope"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RecognizeDuration tracks speech recognition latency, measured from
	// utterance end to final transcript.
	RecognizeDuration metric.Float64Histogram

	// InferDuration tracks language model inference latency.
	InferDuration metric.Float64Histogram

	// SynthesizeDuration tracks speech synthesis latency, measured from
	// request to last audio chunk.
	SynthesizeDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts audio frames received from devices.
	FramesIn metric.Int64Counter

	// FramesOut counts audio frames sent to devices. Use with attribute:
	//   attribute.String("source", ...) ("reply" or "media")
	FramesOut metric.Int64Counter

	// DroppedFrames counts discarded audio. Use with attribute:
	//   attribute.String("reason", ...) ("backlog", "half_duplex", "stale_queue")
	DroppedFrames metric.Int64Counter

	// Utterances counts finalised device utterances.
	Utterances metric.Int64Counter

	// Interruptions counts replies cut short by device barge-in.
	Interruptions metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SpeakingSessions tracks the number of sessions currently emitting audio.
	SpeakingSessions metric.Int64UpDownCounter

	// EgressQueueDepth tracks queued outbound audio frames across sessions.
	EgressQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// instruments collects instrument-creation errors so [NewMetrics] can build
// every instrument in one pass and report the first failure.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if in.err == nil {
		in.err = err
	}
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	if in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if in.err == nil {
		in.err = err
	}
	return g
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}

	met := &Metrics{
		RecognizeDuration:  in.latency("calliope.recognize.duration", "Latency of speech recognition."),
		InferDuration:      in.latency("calliope.infer.duration", "Latency of language model inference."),
		SynthesizeDuration: in.latency("calliope.synthesize.duration", "Latency of speech synthesis."),

		FramesIn:       in.counter("calliope.frames.in", "Audio frames received from devices."),
		FramesOut:      in.counter("calliope.frames.out", "Audio frames sent to devices by source."),
		DroppedFrames:  in.counter("calliope.frames.dropped", "Audio discarded before processing, by reason."),
		Utterances:     in.counter("calliope.utterances", "Finalised device utterances."),
		Interruptions:  in.counter("calliope.interruptions", "Replies cut short by device barge-in."),
		ProviderErrors: in.counter("calliope.provider.errors", "Provider errors by provider and kind."),

		ActiveSessions:   in.gauge("calliope.active_sessions", "Number of live device sessions."),
		SpeakingSessions: in.gauge("calliope.speaking_sessions", "Number of sessions currently emitting audio."),
		EgressQueueDepth: in.gauge("calliope.egress.queue_depth", "Queued outbound audio frames across sessions."),
	}

	var err error
	met.HTTPRequestDuration, err = in.meter.Float64Histogram("calliope.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	)
	if in.err == nil {
		in.err = err
	}

	if in.err != nil {
		return nil, in.err
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

// RecordDroppedFrames records n discarded audio frames with the given reason.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int64, reason string) {
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFrameOut records one outbound audio frame from the given source.
func (m *Metrics) RecordFrameOut(ctx context.Context, source string) {
	m.FramesOut.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
