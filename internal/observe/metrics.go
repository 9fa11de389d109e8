// Package observe provides application-wide observability primitives for
// AutoOS: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all AutoOS metrics.
const meterName = "github.com/MrWong99/autoos"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Lifecycle ---

	// ConnectDuration tracks the time from connect() to Connected or Error.
	// Use with attribute.String("outcome", ...).
	ConnectDuration metric.Float64Histogram

	// ConnectAttempts counts connect attempts by outcome (connected, error,
	// cancelled, stale).
	ConnectAttempts metric.Int64Counter

	// StatusTransitions counts controller state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StatusTransitions metric.Int64Counter

	// --- Capture ---

	// FramesCaptured counts fixed-size frames produced by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames handed to the live session.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames not sent. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// SegmentsScheduled counts decoded segments placed on the output timeline.
	SegmentsScheduled metric.Int64Counter

	// Interruptions counts barge-in interruptions handled.
	Interruptions metric.Int64Counter

	// MalformedChunks counts received audio chunks dropped as undecodable.
	MalformedChunks metric.Int64Counter

	// StopFailures counts best-effort segment stops that failed.
	StopFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live assistant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// websocket handshakes and permission prompts.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("autoos.connect.duration",
		metric.WithDescription("Time from connect request to Connected or Error."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectAttempts, err = m.Int64Counter("autoos.connect.attempts",
		metric.WithDescription("Total connect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("autoos.status.transitions",
		metric.WithDescription("Total assistant status transitions by source and target state."),
	); err != nil {
		return nil, err
	}

	if met.FramesCaptured, err = m.Int64Counter("autoos.capture.frames",
		metric.WithDescription("Total microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("autoos.capture.frames_sent",
		metric.WithDescription("Total frames forwarded to the live session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("autoos.capture.frames_dropped",
		metric.WithDescription("Total frames dropped by reason."),
	); err != nil {
		return nil, err
	}

	if met.SegmentsScheduled, err = m.Int64Counter("autoos.playback.segments",
		metric.WithDescription("Total playback segments scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("autoos.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.MalformedChunks, err = m.Int64Counter("autoos.playback.malformed_chunks",
		metric.WithDescription("Total received audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.StopFailures, err = m.Int64Counter("autoos.playback.stop_failures",
		metric.WithDescription("Total segment stop failures during interruption."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("autoos.active_sessions",
		metric.WithDescription("Number of live assistant sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("autoos.http.request.duration",
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

// RecordConnectAttempt records the outcome and duration of one connect
// attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStatusTransition records one controller state change.
func (m *Metrics) RecordStatusTransition(ctx context.Context, from, to string) {
	m.StatusTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordFrameDropped records one captured frame that was not sent.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
