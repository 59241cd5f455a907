// Package observe provides application-wide observability primitives for
// kaiwa: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all kaiwa metrics.
const meterName = "github.com/MrWong99/kaiwa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ASRDecodeDuration tracks server-side decode time of one ASR message.
	ASRDecodeDuration metric.Float64Histogram

	// ASRRoundTrip tracks client-side send-to-response time on the ASR leg.
	ASRRoundTrip metric.Float64Histogram

	// LLMDuration tracks reply latency, on the LLM leg and inside its server.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks segment synthesis and playback time.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a whole turn from final transcript to last ack.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts turns. Use with attribute.String("outcome", ...):
	// replied, skipped, fallback, failed.
	Turns metric.Int64Counter

	// FramesDropped counts capture frames that never reached the pipeline.
	// Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// Reconnects counts leg redials. Use with attributes:
	//   attribute.String("leg", ...), attribute.String("outcome", ...)
	Reconnects metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live ASR sessions on the recognizer server.
	ActiveSessions metric.Int64UpDownCounter

	// PoolInFlight tracks decode tasks currently running.
	PoolInFlight metric.Int64UpDownCounter

	// PoolQueued tracks decode tasks waiting for a worker.
	PoolQueued metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ASRDecodeDuration, "kaiwa.asr.decode.duration", "Server-side decode time of one ASR message."},
		{&met.ASRRoundTrip, "kaiwa.asr.roundtrip.duration", "Client-side round trip of one ASR message."},
		{&met.LLMDuration, "kaiwa.llm.duration", "Latency of reply generation."},
		{&met.TTSDuration, "kaiwa.tts.duration", "Latency of one synthesized segment until acknowledged."},
		{&met.TurnDuration, "kaiwa.turn.duration", "Latency of a full conversation turn."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "kaiwa.turns", "Total conversation turns by outcome."},
		{&met.FramesDropped, "kaiwa.capture.frames_dropped", "Captured frames dropped before the pipeline, by reason."},
		{&met.Reconnects, "kaiwa.leg.reconnects", "Leg redial attempts by leg and outcome."},
		{&met.ProviderRequests, "kaiwa.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "kaiwa.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveSessions, "kaiwa.asr.active_sessions", "Number of live ASR sessions."},
		{&met.PoolInFlight, "kaiwa.asr.pool.in_flight", "Decode tasks currently running."},
		{&met.PoolQueued, "kaiwa.asr.pool.queued", "Decode tasks waiting for a worker."},
	}
	for _, g := range gauges {
		if *g.dst, err = m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("kaiwa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn counts one turn with the given outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrameDrop counts one dropped capture frame.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReconnect counts one redial of leg.
func (m *Metrics) RecordReconnect(ctx context.Context, leg, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("leg", leg),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
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
