// Package observe provides application-wide observability primitives for
// voiceorder: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voiceorder metrics.
const meterName = "github.com/MrWong99/voiceorder"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the time from recording start to response
	// completion.
	TurnDuration metric.Float64Histogram

	// ResponseLatency tracks the time from audio commit to the first
	// response-started event.
	ResponseLatency metric.Float64Histogram

	// CredentialFetchDuration tracks credential service round trips. Use
	// with attribute:
	//   attribute.String("status", ...)
	CredentialFetchDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("event", ...)
	StateTransitions metric.Int64Counter

	// Turns counts finished conversation turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// ToolCalls counts order tool calls. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CredentialRefreshes counts background credential refreshes. Use with
	// attribute:
	//   attribute.String("status", ...)
	CredentialRefreshes metric.Int64Counter

	// CredentialMints counts credentials minted by the token server. Use
	// with attributes:
	//   attribute.String("restaurant_id", ...), attribute.String("status", ...)
	CredentialMints metric.Int64Counter

	// RecordingTimeouts counts recordings stopped by the recording deadline.
	RecordingTimeouts metric.Int64Counter

	// Reconnects counts automatic reconnect attempts. Use with attribute:
	//   attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts classified session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voiceorder.turn.duration",
		metric.WithDescription("Time from recording start to response completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voiceorder.response.latency",
		metric.WithDescription("Time from audio commit to the first response event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CredentialFetchDuration, err = m.Float64Histogram("voiceorder.credential.fetch.duration",
		metric.WithDescription("Latency of credential service requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("voiceorder.state.transitions",
		metric.WithDescription("Total session state transitions by from, to and event."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voiceorder.turns",
		metric.WithDescription("Total conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceorder.tool.calls",
		metric.WithDescription("Total order tool calls by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CredentialRefreshes, err = m.Int64Counter("voiceorder.credential.refreshes",
		metric.WithDescription("Total background credential refreshes by status."),
	); err != nil {
		return nil, err
	}
	if met.CredentialMints, err = m.Int64Counter("voiceorder.credential.mints",
		metric.WithDescription("Total credentials minted by restaurant and status."),
	); err != nil {
		return nil, err
	}
	if met.RecordingTimeouts, err = m.Int64Counter("voiceorder.recording.timeouts",
		metric.WithDescription("Total recordings stopped by the recording deadline."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voiceorder.reconnects",
		metric.WithDescription("Total automatic reconnect attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("voiceorder.session.errors",
		metric.WithDescription("Total classified session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceorder.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceorder.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordTransition records a state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, event string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("event", event),
		),
	)
}

// RecordTurn records a finished turn and, when positive, its duration in
// seconds.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if seconds > 0 {
		m.TurnDuration.Record(ctx, seconds)
	}
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

// RecordSessionError records a classified session error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCredentialMint records a token server mint attempt.
func (m *Metrics) RecordCredentialMint(ctx context.Context, restaurantID, status string) {
	m.CredentialMints.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("restaurant_id", restaurantID),
			attribute.String("status", status),
		),
	)
}

// RecordCredentialFetch records a credential service round trip.
func (m *Metrics) RecordCredentialFetch(ctx context.Context, seconds float64, status string) {
	m.CredentialFetchDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCredentialRefresh records a background credential refresh.
func (m *Metrics) RecordCredentialRefresh(ctx context.Context, status string) {
	m.CredentialRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordReconnect records an automatic reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
