// Package observe provides application-wide observability primitives for
// ivrec: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ivrec metrics.
const meterName = "github.com/MrWong99/ivrec"

// Verdict attribute values for [Metrics.Detections].
const (
	VerdictMatch     = "match"
	VerdictNoMatch   = "no_match"
	VerdictMalformed = "malformed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Detection ---

	// Detections counts classified inference results. Use with attribute:
	//   attribute.String("verdict", "match" | "no_match" | "malformed")
	Detections metric.Int64Counter

	// InferencesDropped counts inference payloads discarded before
	// classification because the controller was shut down or its queue was
	// full.
	InferencesDropped metric.Int64Counter

	// GraceTimerExpired counts grace-timer expiries. Use with attribute:
	//   attribute.String("stale", "true" | "false")
	GraceTimerExpired metric.Int64Counter

	// --- Recording sessions ---

	// RecordingsStarted counts sessions that reached the open state.
	RecordingsStarted metric.Int64Counter

	// RecordingsFailed counts failed session starts. Use with attribute:
	//   attribute.String("reason", ...)
	RecordingsFailed metric.Int64Counter

	// RecordingsStopped counts closed sessions. Use with attribute:
	//   attribute.String("status", "ok" | "drain_timeout" | "error")
	RecordingsStopped metric.Int64Counter

	// ActiveRecordings tracks the number of open sessions (0 or 1).
	ActiveRecordings metric.Int64UpDownCounter

	// RecordingDuration tracks the wall-clock length of closed sessions.
	RecordingDuration metric.Float64Histogram

	// StartDuration tracks how long opening a session took.
	StartDuration metric.Float64Histogram

	// DrainDuration tracks how long draining a session took.
	DrainDuration metric.Float64Histogram

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for branch
// state changes and drains.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// recordingBuckets defines histogram bucket boundaries (in seconds) for
// recording lengths.
var recordingBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Detections, err = m.Int64Counter("ivrec.detections",
		metric.WithDescription("Classified inference results by verdict."),
	); err != nil {
		return nil, err
	}
	if met.InferencesDropped, err = m.Int64Counter("ivrec.inferences.dropped",
		metric.WithDescription("Inference payloads dropped before classification."),
	); err != nil {
		return nil, err
	}
	if met.GraceTimerExpired, err = m.Int64Counter("ivrec.grace_timer.expired",
		metric.WithDescription("Grace timer expiries, split by whether the expiry was stale."),
	); err != nil {
		return nil, err
	}
	if met.RecordingsStarted, err = m.Int64Counter("ivrec.recordings.started",
		metric.WithDescription("Recording sessions opened."),
	); err != nil {
		return nil, err
	}
	if met.RecordingsFailed, err = m.Int64Counter("ivrec.recordings.failed",
		metric.WithDescription("Recording session starts that failed, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecordingsStopped, err = m.Int64Counter("ivrec.recordings.stopped",
		metric.WithDescription("Recording sessions closed, by drain status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("ivrec.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("ivrec.active_recordings",
		metric.WithDescription("Number of open recording sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.RecordingDuration, err = m.Float64Histogram("ivrec.recording.duration",
		metric.WithDescription("Length of closed recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("ivrec.recorder.start.duration",
		metric.WithDescription("Latency of opening a recording session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DrainDuration, err = m.Float64Histogram("ivrec.recorder.drain.duration",
		metric.WithDescription("Latency of draining a recording session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ivrec.http.request.duration",
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

// RecordDetection increments the detection counter for verdict.
func (m *Metrics) RecordDetection(ctx context.Context, verdict string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordStartFailure increments the failed-start counter for reason.
func (m *Metrics) RecordStartFailure(ctx context.Context, reason string) {
	m.RecordingsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStop increments the stopped counter for status and records the
// session length.
func (m *Metrics) RecordStop(ctx context.Context, status string, lengthSeconds float64) {
	m.RecordingsStopped.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.RecordingDuration.Record(ctx, lengthSeconds)
}

// RecordTimerExpiry increments the grace-timer expiry counter.
func (m *Metrics) RecordTimerExpiry(ctx context.Context, stale bool) {
	m.GraceTimerExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("stale", strconv.FormatBool(stale))))
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("state", state),
		),
	)
}
