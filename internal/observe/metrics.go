// Package observe provides the observability primitives for kikitori:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware for the metrics listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus via [InitProvider]. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kikitori metrics.
const meterName = "github.com/MrWong99/kikitori"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Utterance lifecycle ---

	// Onsets counts confirmed speech onsets.
	Onsets metric.Int64Counter

	// SessionOutcomes counts finished recognition sessions. Use with
	// attribute:
	//   attribute.String("outcome", "success"|"service_error"|"silence_abort"|"timeout")
	SessionOutcomes metric.Int64Counter

	// SessionDuration tracks the wall time of a recognition session, from
	// stream open to outcome.
	SessionDuration metric.Float64Histogram

	// ActiveSessions is 1 while a recognition stream is open.
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio path ---

	// FramesSent counts audio frames delivered to the recognizer.
	FramesSent metric.Int64Counter

	// QueueDepth records the capture queue length observed on each poll.
	QueueDepth metric.Int64Gauge

	// --- Providers ---

	// ProviderRequests counts stream opens. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request processing time on the metrics
	// listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// utterances, from a short word to the default stream deadline.
var sessionBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60, 120, 185,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.Onsets, err = m.Int64Counter("kikitori.vad.onsets",
		metric.WithDescription("Confirmed speech onsets."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("kikitori.session.outcomes",
		metric.WithDescription("Recognition sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("kikitori.session.duration",
		metric.WithDescription("Wall time of a recognition session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("kikitori.session.active",
		metric.WithDescription("Open recognition streams."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("kikitori.audio.frames_sent",
		metric.WithDescription("Audio frames delivered to the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("kikitori.audio.queue_depth",
		metric.WithDescription("Frames waiting in the capture queue."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("kikitori.provider.requests",
		metric.WithDescription("Recognition stream opens by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("kikitori.provider.errors",
		metric.WithDescription("Recognition provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("kikitori.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Call it after [InitProvider] so
// the instruments bind to the Prometheus exporter.
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

// RecordOutcome counts a finished session and records its duration.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SessionOutcomes.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// ObserveCapturedFrames exports total as the kikitori.audio.frames_captured
// counter, read on every collection. total must be monotonic.
func (m *Metrics) ObserveCapturedFrames(total func() uint64) error {
	_, err := m.meter.Int64ObservableCounter("kikitori.audio.frames_captured",
		metric.WithDescription("Audio frames accepted from the capture device."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(total()))
			return nil
		}),
	)
	return err
}

// RecordProviderRequest records a stream open attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
