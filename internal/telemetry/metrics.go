// ABOUTME: OpenTelemetry instruments for requests, sessions, broadcasts and reconnects.
// ABOUTME: A nil *Metrics is valid and records nothing.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for all mcplink instruments.
const MeterName = "github.com/2389/mcplink"

// Attribute keys.
const (
	MethodKey    = attribute.Key("mcplink.method")
	OutcomeKey   = attribute.Key("mcplink.outcome")
	AgentTypeKey = attribute.Key("mcplink.agent_type")
	EventKey     = attribute.Key("mcplink.event")
)

// Outcome values for request metrics.
const (
	OutcomeOK            = "ok"
	OutcomeHandlerError  = "handler_error"
	OutcomeUnknownMethod = "unknown_method"
	OutcomeDuplicate     = "duplicate"
)

// Metrics bundles the instruments recorded by the gateway and the agent client.
type Metrics struct {
	Requests          metric.Int64Counter       // dispatched calls (batch members counted individually)
	RequestLatency    metric.Float64Histogram   // handler latency in ms
	Batches           metric.Int64Counter       // batch_request envelopes handled
	BatchSize         metric.Int64Histogram
	ActiveSessions    metric.Int64UpDownCounter // identified agents currently connected
	StaleEvictions    metric.Int64Counter
	BroadcastSent     metric.Int64Counter
	BroadcastFailed   metric.Int64Counter
	ReconnectAttempts metric.Int64Counter
}

// New creates the instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	var (
		m   Metrics
		err error
	)

	if m.Requests, err = meter.Int64Counter("mcplink.requests",
		metric.WithDescription("Dispatched method calls")); err != nil {
		return nil, fmt.Errorf("creating requests counter: %w", err)
	}
	if m.RequestLatency, err = meter.Float64Histogram("mcplink.request.latency",
		metric.WithDescription("Handler latency"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("creating latency histogram: %w", err)
	}
	if m.Batches, err = meter.Int64Counter("mcplink.batches",
		metric.WithDescription("Batch requests handled")); err != nil {
		return nil, fmt.Errorf("creating batches counter: %w", err)
	}
	if m.BatchSize, err = meter.Int64Histogram("mcplink.batch.size",
		metric.WithDescription("Sub-requests per batch")); err != nil {
		return nil, fmt.Errorf("creating batch size histogram: %w", err)
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("mcplink.sessions.active",
		metric.WithDescription("Connected and identified agents")); err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}
	if m.StaleEvictions, err = meter.Int64Counter("mcplink.sessions.stale_evictions",
		metric.WithDescription("Sessions closed by the liveness sweep")); err != nil {
		return nil, fmt.Errorf("creating evictions counter: %w", err)
	}
	if m.BroadcastSent, err = meter.Int64Counter("mcplink.broadcast.delivered",
		metric.WithDescription("Event deliveries that succeeded")); err != nil {
		return nil, fmt.Errorf("creating broadcast counter: %w", err)
	}
	if m.BroadcastFailed, err = meter.Int64Counter("mcplink.broadcast.failed",
		metric.WithDescription("Event deliveries that failed")); err != nil {
		return nil, fmt.Errorf("creating broadcast failure counter: %w", err)
	}
	if m.ReconnectAttempts, err = meter.Int64Counter("mcplink.client.reconnect_attempts",
		metric.WithDescription("Agent reconnect attempts")); err != nil {
		return nil, fmt.Errorf("creating reconnect counter: %w", err)
	}

	return &m, nil
}

// RecordRequest records one dispatched call.
func (m *Metrics) RecordRequest(ctx context.Context, method, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(MethodKey.String(method), OutcomeKey.String(outcome))
	m.Requests.Add(ctx, 1, attrs)
	m.RequestLatency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
}

// RecordBatch records one batch_request and its size.
func (m *Metrics) RecordBatch(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.Batches.Add(ctx, 1)
	m.BatchSize.Record(ctx, int64(size))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context, agentType string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(AgentTypeKey.String(agentType)))
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context, agentType string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(AgentTypeKey.String(agentType)))
}

// RecordEviction counts a stale-session eviction.
func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.StaleEvictions.Add(ctx, 1)
}

// RecordBroadcast counts deliveries for one broadcast.
func (m *Metrics) RecordBroadcast(ctx context.Context, event string, delivered, failed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(EventKey.String(event))
	if delivered > 0 {
		m.BroadcastSent.Add(ctx, int64(delivered), attrs)
	}
	if failed > 0 {
		m.BroadcastFailed.Add(ctx, int64(failed), attrs)
	}
}

// RecordReconnect counts one client reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1)
}
