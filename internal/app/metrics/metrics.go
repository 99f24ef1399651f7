// Package metrics defines the control plane's OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics is recorded by the dispatch coordinator.
type DispatchMetrics interface {
	IncSourcesIssued(ctx context.Context, status string)
	IncCASConflicts(ctx context.Context, component string)
	IncIntentsDropped(ctx context.Context, intent string)
	ObserveReconcileDuration(ctx context.Context, d time.Duration)
}

// PollMetrics is recorded by the agent poll service.
type PollMetrics interface {
	IncPulls(ctx context.Context, delivered int)
	IncAcks(ctx context.Context, outcome string)
	IncInvalidTransitions(ctx context.Context, component string)
	IncCASConflicts(ctx context.Context, component string)
}

// HeartbeatMetrics is recorded by the heartbeat monitor.
type HeartbeatMetrics interface {
	IncHeartbeats(ctx context.Context, count int)
	IncTimeouts(ctx context.Context)
	IncRecoveries(ctx context.Context)
	IncCASConflicts(ctx context.Context, component string)
	ObserveSweepDuration(ctx context.Context, d time.Duration)
}

// RetentionMetrics is recorded by the retention purger.
type RetentionMetrics interface {
	AddPurged(ctx context.Context, count int64)
}

// EventBusMetrics is recorded by the Kafka event bus.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// ControlPlaneMetrics is the union every manager component draws from.
type ControlPlaneMetrics interface {
	DispatchMetrics
	PollMetrics
	HeartbeatMetrics
	RetentionMetrics
	EventBusMetrics
}

var _ ControlPlaneMetrics = (*controlPlaneMetrics)(nil)

type controlPlaneMetrics struct {
	sourcesIssued      metric.Int64Counter
	casConflicts       metric.Int64Counter
	intentsDropped     metric.Int64Counter
	reconcileDuration  metric.Float64Histogram
	pulls              metric.Int64Counter
	sourcesDelivered   metric.Int64Counter
	acks               metric.Int64Counter
	invalidTransitions metric.Int64Counter
	heartbeats         metric.Int64Counter
	timeouts           metric.Int64Counter
	recoveries         metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	purged             metric.Int64Counter
	published          metric.Int64Counter
	consumed           metric.Int64Counter
	publishErrors      metric.Int64Counter
	consumeErrors      metric.Int64Counter
}

const namespace = "sourcefleet"

// New creates the control plane instruments on mp.
func New(mp metric.MeterProvider) (*controlPlaneMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(controlPlaneMetrics)
	var err error

	if m.sourcesIssued, err = meter.Int64Counter(
		"sources_issued_total",
		metric.WithDescription("Sources moved into a to-be-issued status"),
	); err != nil {
		return nil, err
	}

	if m.casConflicts, err = meter.Int64Counter(
		"cas_conflicts_total",
		metric.WithDescription("Conditional status writes lost to a concurrent writer"),
	); err != nil {
		return nil, err
	}

	if m.intentsDropped, err = meter.Int64Counter(
		"intents_dropped_total",
		metric.WithDescription("Operator intents not permitted from the source's status"),
	); err != nil {
		return nil, err
	}

	if m.reconcileDuration, err = meter.Float64Histogram(
		"reconcile_duration_seconds",
		metric.WithDescription("Duration of a dispatch reconciliation pass"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.pulls, err = meter.Int64Counter(
		"agent_pulls_total",
		metric.WithDescription("Agent pull requests served"),
	); err != nil {
		return nil, err
	}

	if m.sourcesDelivered, err = meter.Int64Counter(
		"sources_delivered_total",
		metric.WithDescription("Sources returned to polling agents"),
	); err != nil {
		return nil, err
	}

	if m.acks, err = meter.Int64Counter(
		"agent_acks_total",
		metric.WithDescription("Agent acknowledgements received"),
	); err != nil {
		return nil, err
	}

	if m.invalidTransitions, err = meter.Int64Counter(
		"invalid_transitions_total",
		metric.WithDescription("Rejected status transitions"),
	); err != nil {
		return nil, err
	}

	if m.heartbeats, err = meter.Int64Counter(
		"heartbeats_total",
		metric.WithDescription("Source heartbeats recorded"),
	); err != nil {
		return nil, err
	}

	if m.timeouts, err = meter.Int64Counter(
		"heartbeat_timeouts_total",
		metric.WithDescription("Sources moved to HEARTBEAT_TIMEOUT"),
	); err != nil {
		return nil, err
	}

	if m.recoveries, err = meter.Int64Counter(
		"heartbeat_recoveries_total",
		metric.WithDescription("Sources rolled back from HEARTBEAT_TIMEOUT"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"heartbeat_sweep_duration_seconds",
		metric.WithDescription("Duration of a heartbeat sweep"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.purged, err = meter.Int64Counter(
		"sources_purged_total",
		metric.WithDescription("Sources physically deleted by retention"),
	); err != nil {
		return nil, err
	}

	if m.published, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Lifecycle events written to the event bus"),
	); err != nil {
		return nil, err
	}

	if m.consumed, err = meter.Int64Counter(
		"events_consumed_total",
		metric.WithDescription("Lifecycle events handled from the event bus"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"event_publish_errors_total",
		metric.WithDescription("Lifecycle events that could not be written"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"event_consume_errors_total",
		metric.WithDescription("Lifecycle events whose handler failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *controlPlaneMetrics) IncSourcesIssued(ctx context.Context, status string) {
	m.sourcesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *controlPlaneMetrics) IncCASConflicts(ctx context.Context, component string) {
	m.casConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

func (m *controlPlaneMetrics) IncIntentsDropped(ctx context.Context, intent string) {
	m.intentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

func (m *controlPlaneMetrics) ObserveReconcileDuration(ctx context.Context, d time.Duration) {
	m.reconcileDuration.Record(ctx, d.Seconds())
}

func (m *controlPlaneMetrics) IncPulls(ctx context.Context, delivered int) {
	m.pulls.Add(ctx, 1)
	m.sourcesDelivered.Add(ctx, int64(delivered))
}

func (m *controlPlaneMetrics) IncAcks(ctx context.Context, outcome string) {
	m.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *controlPlaneMetrics) IncInvalidTransitions(ctx context.Context, component string) {
	m.invalidTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

func (m *controlPlaneMetrics) IncHeartbeats(ctx context.Context, count int) {
	m.heartbeats.Add(ctx, int64(count))
}

func (m *controlPlaneMetrics) IncTimeouts(ctx context.Context)   { m.timeouts.Add(ctx, 1) }
func (m *controlPlaneMetrics) IncRecoveries(ctx context.Context) { m.recoveries.Add(ctx, 1) }

func (m *controlPlaneMetrics) ObserveSweepDuration(ctx context.Context, d time.Duration) {
	m.sweepDuration.Record(ctx, d.Seconds())
}

func (m *controlPlaneMetrics) AddPurged(ctx context.Context, count int64) {
	m.purged.Add(ctx, count)
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *controlPlaneMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *controlPlaneMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *controlPlaneMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *controlPlaneMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}
