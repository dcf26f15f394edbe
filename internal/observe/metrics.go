// Package observe provides application-wide observability primitives for the
// streaming ASR server: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all ASR server metrics.
const meterName = "github.com/MrWong99/wenet-streaming-asr"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per decode stage ---

	// EncoderChunkDuration tracks ForwardEncoderChunk inference latency.
	EncoderChunkDuration metric.Float64Histogram

	// CTCSearchDuration tracks one prefix-beam-search Step call's latency.
	CTCSearchDuration metric.Float64Histogram

	// RescoreDuration tracks attention-rescoring latency for a completed
	// utterance's n-best list.
	RescoreDuration metric.Float64Histogram

	// BatchRecognizeDuration tracks end-to-end non-streaming batch latency.
	BatchRecognizeDuration metric.Float64Histogram

	// --- Counters ---

	// UtterancesTotal counts utterances reaching a final result, by outcome.
	// Use with attribute: attribute.String("outcome", "ok"|"error"|"cancelled")
	UtterancesTotal metric.Int64Counter

	// EndpointsTotal counts endpoint detections, by rule.
	// Use with attribute: attribute.String("rule", "trailing_silence"|"max_silence"|"end_of_stream")
	EndpointsTotal metric.Int64Counter

	// DecodeErrors counts per-utterance decode failures (spec.md §7's
	// DecodeError), by stage.
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time for handlers
	// wrapped by [Middleware] (cmd/asr-server wraps only the WebSocket
	// endpoint). Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for a streaming decoder's per-chunk and per-utterance latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncoderChunkDuration, err = m.Float64Histogram("asr.encoder_chunk.duration",
		metric.WithDescription("Latency of one streaming ForwardEncoderChunk call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CTCSearchDuration, err = m.Float64Histogram("asr.ctc_search.duration",
		metric.WithDescription("Latency of one CTC prefix-beam-search Step call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RescoreDuration, err = m.Float64Histogram("asr.rescore.duration",
		metric.WithDescription("Latency of attention rescoring for one utterance's n-best list."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchRecognizeDuration, err = m.Float64Histogram("asr.batch_recognize.duration",
		metric.WithDescription("End-to-end latency of a non-streaming batch Recognize call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtterancesTotal, err = m.Int64Counter("asr.utterances.total",
		metric.WithDescription("Total utterances reaching a final result, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.EndpointsTotal, err = m.Int64Counter("asr.endpoints.total",
		metric.WithDescription("Total endpoint detections, by triggering rule."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("asr.decode.errors",
		metric.WithDescription("Total per-utterance decode failures, by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("asr.sessions.active",
		metric.WithDescription("Number of live WebSocket decode sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asr.http.request.duration",
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

// RecordUtterance is a convenience method that records a completed utterance
// counter increment with the standard attribute set.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.UtterancesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEndpoint is a convenience method that records an endpoint detection
// counter increment.
func (m *Metrics) RecordEndpoint(ctx context.Context, rule string) {
	m.EndpointsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordDecodeError is a convenience method that records a decode error
// counter increment.
func (m *Metrics) RecordDecodeError(ctx context.Context, stage string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
