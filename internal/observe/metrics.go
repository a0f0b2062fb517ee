// Package observe provides application-wide observability primitives for
// callwire: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all callwire metrics.
const meterName = "github.com/callwire/callwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// CallsActive tracks the number of calls currently in the live-session
	// map.
	CallsActive metric.Int64UpDownCounter

	// CallsTotal counts terminated calls. Use with attribute:
	//   attribute.String("outcome", ...) — "ended", "failed", "hungup"
	CallsTotal metric.Int64Counter

	// CallDuration tracks call duration from initiate to cleanup.
	CallDuration metric.Float64Histogram

	// TranscriptLatency tracks the time from wait_for_transcript being
	// called to a final transcript (or timeout) resolving it.
	TranscriptLatency metric.Float64Histogram

	// --- Provider calls ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Tool dispatcher ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for call-session latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations, which run much longer than a single turn.
var callDurationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsActive, err = m.Int64UpDownCounter("callwire.calls_active",
		metric.WithDescription("Number of calls currently live."),
	); err != nil {
		return nil, err
	}
	if met.CallsTotal, err = m.Int64Counter("callwire.calls_total",
		metric.WithDescription("Total terminated calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callwire.call_duration_seconds",
		metric.WithDescription("Call duration from initiate to cleanup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptLatency, err = m.Float64Histogram("callwire.stt_transcript_latency_seconds",
		metric.WithDescription("Latency of wait_for_transcript resolving with a final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("callwire.provider_requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callwire.provider_errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("callwire.tool_calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callwire.http_request_duration_seconds",
		metric.WithDescription("HTTP request latency by endpoint and status."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCallEnded is a convenience method that records a terminated call:
// the outcome counter and the call-duration histogram.
func (m *Metrics) RecordCallEnded(ctx context.Context, outcome string, duration float64) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.CallDuration.Record(ctx, duration)
}

// RecordTranscriptLatency is a convenience method that records the latency
// of a resolved wait_for_transcript call.
func (m *Metrics) RecordTranscriptLatency(ctx context.Context, seconds float64) {
	m.TranscriptLatency.Record(ctx, seconds)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
