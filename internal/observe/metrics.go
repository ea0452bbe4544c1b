// Package observe holds voxgate's telemetry: OpenTelemetry instruments for
// the gateway, voice and player planes, span helpers, and the middleware
// instrumenting the admin API.
//
// Components default to [DefaultMetrics], bound to the global meter
// provider that [InitProvider] installs. Tests pass their own [Metrics] from
// [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HeartbeatLatency tracks gateway heartbeat round trips. Use with
	// attributes: attribute.String("plane", "gateway"|"voice").
	HeartbeatLatency metric.Float64Histogram

	// VoiceJoinDuration tracks the time from join request to a playable
	// voice connection.
	VoiceJoinDuration metric.Float64Histogram

	// --- Counters ---

	// GatewayDispatches counts dispatches delivered to the application. Use
	// with attributes: attribute.String("event", ...)
	GatewayDispatches metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attributes:
	//   attribute.String("plane", ...), attribute.String("mode", "resume"|"identify")
	Reconnects metric.Int64Counter

	// FramesSent counts audio frames handed to the media path.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio frames discarded. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// PlayerTransitions counts player state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	PlayerTransitions metric.Int64Counter

	// --- Error counters ---

	// Errors counts surfaced errors. Use with attributes:
	//   attribute.String("component", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ShardsReady tracks the number of gateway shards in the Ready state.
	ShardsReady metric.Int64UpDownCounter

	// ActiveVoiceConnections tracks voice connections in the Ready state.
	ActiveVoiceConnections metric.Int64UpDownCounter

	// ActivePlayers tracks players that have not been closed.
	ActivePlayers metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with method, route
	// and status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HeartbeatLatency, err = m.Float64Histogram("voxgate.heartbeat.latency",
		metric.WithDescription("Round trip between a heartbeat and its acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceJoinDuration, err = m.Float64Histogram("voxgate.voice.join.duration",
		metric.WithDescription("Time from join request to a ready voice connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GatewayDispatches, err = m.Int64Counter("voxgate.gateway.dispatches",
		metric.WithDescription("Total dispatches delivered by event name."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxgate.reconnects",
		metric.WithDescription("Total reconnection attempts by plane and mode."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voxgate.audio.frames_sent",
		metric.WithDescription("Total audio frames handed to the media path."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxgate.audio.frames_dropped",
		metric.WithDescription("Total audio frames discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlayerTransitions, err = m.Int64Counter("voxgate.player.transitions",
		metric.WithDescription("Total player state transitions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("voxgate.errors",
		metric.WithDescription("Total surfaced errors by component and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ShardsReady, err = m.Int64UpDownCounter("voxgate.gateway.shards_ready",
		metric.WithDescription("Number of gateway shards in the Ready state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceConnections, err = m.Int64UpDownCounter("voxgate.voice.active_connections",
		metric.WithDescription("Number of voice connections in the Ready state."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayers, err = m.Int64UpDownCounter("voxgate.player.active",
		metric.WithDescription("Number of players not yet closed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("Admin API request latency by method, route and status."),
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

// ShardAttr returns the standard shard attribute.
func ShardAttr(id int) attribute.KeyValue {
	return attribute.String("shard", strconv.Itoa(id))
}

// RecordReconnect records one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, plane, mode string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("plane", plane),
			attribute.String("mode", mode),
		),
	)
}

// RecordDispatch records one dispatch delivered to the application.
func (m *Metrics) RecordDispatch(ctx context.Context, shardID int, event string) {
	m.GatewayDispatches.Add(ctx, 1,
		metric.WithAttributes(ShardAttr(shardID), attribute.String("event", event)),
	)
}

// RecordFrameDropped records one discarded audio frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransition records one player state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.PlayerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordError records one surfaced error.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("kind", kind),
		),
	)
}
