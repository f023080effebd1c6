// Package observe provides application-wide observability for Earshot:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware tying them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so everything remains scrapable from
// the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) exists for convenience; tests should build their own via
// [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all Earshot metrics.
const meterName = "github.com/earshot-live/earshot"

// Metrics holds every OTel instrument the server records. All fields are safe
// for concurrent use; the OTel types synchronise internally.
type Metrics struct {
	// --- Ingest path ---

	// FramesReceived counts valid frames accepted from capture agents.
	// Attribute: kind ("mic"/"speaker").
	FramesReceived metric.Int64Counter

	// FramesRejected counts frames dropped before publish.
	// Attribute: reason ("too_short", "bad_magic", "decode", "session_limit").
	FramesRejected metric.Int64Counter

	// BytesIngested counts payload bytes accepted from capture agents.
	BytesIngested metric.Int64Counter

	// DecodeDuration tracks per-frame payload decode latency.
	DecodeDuration metric.Float64Histogram

	// --- Session registry ---

	// ActiveSessions tracks live decoder sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsOpened counts decoder session creations. Attribute: kind.
	SessionsOpened metric.Int64Counter

	// SessionsClosed counts decoder session teardowns.
	// Attribute: reason ("call_end", "idle", "replaced", "shutdown").
	SessionsClosed metric.Int64Counter

	// --- Broadcast ---

	// UnitsPublished counts units entering the router. Attribute: kind.
	UnitsPublished metric.Int64Counter

	// UnitsDelivered counts per-subscriber deliveries. Attribute: kind.
	UnitsDelivered metric.Int64Counter

	// DeliveriesDropped counts deliveries lost to subscriber backpressure.
	// Attribute: kind.
	DeliveriesDropped metric.Int64Counter

	// Subscriptions tracks live (subscriber, scope) pairs.
	Subscriptions metric.Int64UpDownCounter

	// --- Connections & admission ---

	// IngestConnections tracks open capture-agent connections.
	IngestConnections metric.Int64UpDownCounter

	// MonitorConnections tracks open viewer connections.
	MonitorConnections metric.Int64UpDownCounter

	// AdmissionRefusals counts refused connections and subscription requests.
	// Attribute: reason ("no_credential", "unknown_credential", "forbidden").
	AdmissionRefusals metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// decodeBuckets covers per-frame decode work, which should stay well under a
// frame's own duration (10-20 ms).
var decodeBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesReceived, err = m.Int64Counter("earshot.ingest.frames_received",
		metric.WithDescription("Valid audio frames accepted, by channel kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("earshot.ingest.frames_rejected",
		metric.WithDescription("Frames dropped before publish, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesIngested, err = m.Int64Counter("earshot.ingest.bytes",
		metric.WithDescription("Payload bytes accepted from capture agents."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("earshot.ingest.decode.duration",
		metric.WithDescription("Per-frame payload decode latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(decodeBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.registry.active_sessions",
		metric.WithDescription("Live decoder sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsOpened, err = m.Int64Counter("earshot.registry.sessions_opened",
		metric.WithDescription("Decoder sessions created, by channel kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("earshot.registry.sessions_closed",
		metric.WithDescription("Decoder sessions destroyed, by reason."),
	); err != nil {
		return nil, err
	}

	if met.UnitsPublished, err = m.Int64Counter("earshot.broadcast.units_published",
		metric.WithDescription("Decoded units entering the router, by channel kind."),
	); err != nil {
		return nil, err
	}
	if met.UnitsDelivered, err = m.Int64Counter("earshot.broadcast.units_delivered",
		metric.WithDescription("Per-subscriber unit deliveries, by channel kind."),
	); err != nil {
		return nil, err
	}
	if met.DeliveriesDropped, err = m.Int64Counter("earshot.broadcast.deliveries_dropped",
		metric.WithDescription("Deliveries dropped by subscriber backpressure, by channel kind."),
	); err != nil {
		return nil, err
	}
	if met.Subscriptions, err = m.Int64UpDownCounter("earshot.broadcast.subscriptions",
		metric.WithDescription("Live (subscriber, scope) pairs."),
	); err != nil {
		return nil, err
	}

	if met.IngestConnections, err = m.Int64UpDownCounter("earshot.server.ingest_connections",
		metric.WithDescription("Open capture-agent connections."),
	); err != nil {
		return nil, err
	}
	if met.MonitorConnections, err = m.Int64UpDownCounter("earshot.server.monitor_connections",
		metric.WithDescription("Open viewer connections."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRefusals, err = m.Int64Counter("earshot.admission.refusals",
		metric.WithDescription("Refused connections and subscription requests, by reason."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails,
// which cannot happen with the global provider.
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

// RecordFrameRejected increments the rejection counter with its reason.
func (m *Metrics) RecordFrameRejected(ctx context.Context, reason string) {
	m.FramesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionClosed increments the session teardown counter with its reason.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdmissionRefusal increments the refusal counter with its reason.
func (m *Metrics) RecordAdmissionRefusal(ctx context.Context, reason string) {
	m.AdmissionRefusals.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
