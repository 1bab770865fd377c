// Package observe provides application-wide observability primitives for
// Akroasis: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Akroasis metrics.
const meterName = "github.com/velisarios/akroasis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. Convenience methods tolerate a nil receiver so
// metrics stay optional throughout the pipeline.
type Metrics struct {
	// --- Counters ---

	// ChannelConnects counts realtime channel connection outcomes. Use with
	// attribute: attribute.String("status", ...)
	ChannelConnects metric.Int64Counter

	// ReconnectAttempts counts redial attempts after a dropped channel.
	ReconnectAttempts metric.Int64Counter

	// FallbackActivations counts switches from live updates to REST polling.
	FallbackActivations metric.Int64Counter

	// PollRequests counts REST status polls. Use with attribute:
	//   attribute.String("status", ...)
	PollRequests metric.Int64Counter

	// TrackingOutcomes counts finished jobs by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	TrackingOutcomes metric.Int64Counter

	// --- Gauges ---

	// ActiveSubscriptions tracks the number of live job subscriptions.
	ActiveSubscriptions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// JoinDuration tracks the time from starting a subscription to the
	// server's join confirmation.
	JoinDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive network round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.ChannelConnects, err = m.Int64Counter("akroasis.channel.connects",
		metric.WithDescription("Total realtime channel connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("akroasis.channel.reconnect_attempts",
		metric.WithDescription("Total redial attempts after a dropped channel."),
	); err != nil {
		return nil, err
	}
	if met.FallbackActivations, err = m.Int64Counter("akroasis.tracking.fallback_activations",
		metric.WithDescription("Total switches from live updates to REST polling."),
	); err != nil {
		return nil, err
	}
	if met.PollRequests, err = m.Int64Counter("akroasis.tracking.poll_requests",
		metric.WithDescription("Total REST status polls by status."),
	); err != nil {
		return nil, err
	}
	if met.TrackingOutcomes, err = m.Int64Counter("akroasis.tracking.outcomes",
		metric.WithDescription("Total finished jobs by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSubscriptions, err = m.Int64UpDownCounter("akroasis.subscriptions.active",
		metric.WithDescription("Number of live job subscriptions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.JoinDuration, err = m.Float64Histogram("akroasis.subscriptions.join.duration",
		metric.WithDescription("Time from subscription start to join confirmation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("akroasis.http.request.duration",
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

// RecordChannelConnect records a channel connection outcome.
func (m *Metrics) RecordChannelConnect(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ChannelConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordReconnectAttempt records one redial attempt.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1)
}

// RecordFallback records a switch from live updates to polling.
func (m *Metrics) RecordFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.FallbackActivations.Add(ctx, 1)
}

// RecordPoll records one REST status poll.
func (m *Metrics) RecordPoll(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.PollRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTrackingOutcome records the terminal outcome of one tracked job.
func (m *Metrics) RecordTrackingOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TrackingOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
