// Package kafka provides a Kafka-based implementation of the event bus that
// carries source lifecycle events to audit consumers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/serialization"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

// EventBusMetrics tracks published and consumed messages per topic.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka and routing events.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// LifecycleTopic receives every committed status change.
	LifecycleTopic string
	// AuditTopic receives rejected agent reports and retention purges.
	AuditTopic string

	// GroupID identifies the consumer group. Publish-only processes leave it empty.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// ErrNoConsumerGroup is returned by Subscribe on a publish-only bus.
var ErrNoConsumerGroup = errors.New("event bus has no consumer group")

const commitInterval = time.Second

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus on a sarama producer and consumer group.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus wires a bus over an existing producer and optional consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.LifecycleTopic == "" || cfg.AuditTopic == "" {
		return nil, fmt.Errorf("lifecycle and audit topics are required")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	topicMap := map[events.EventType]string{
		source.EventTypeSourceIssued:        cfg.LifecycleTopic,
		source.EventTypeSourceAcknowledged:  cfg.LifecycleTopic,
		source.EventTypeSourceFinalized:     cfg.LifecycleTopic,
		source.EventTypeSourceTimedOut:      cfg.LifecycleTopic,
		source.EventTypeSourceRecovered:     cfg.LifecycleTopic,
		source.EventTypeSourceInvalidReport: cfg.AuditTopic,
		source.EventTypeSourcePurged:        cfg.AuditTopic,
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish serializes the event and writes it to the topic mapped to its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, string(event.Type), b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msgBytes),
	}
	if event.Key != "" {
		msg.Key = sarama.StringEncoder(event.Key)
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)

	return nil
}

// Subscribe starts consuming the topics of the given event types in the
// background until ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe")
	defer span.End()

	if b.consumerGroup == nil {
		span.RecordError(ErrNoConsumerGroup)
		return ErrNoConsumerGroup
	}

	topics, err := b.topicsFor(eventTypes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown event type")
		return err
	}
	span.SetAttributes(attribute.StringSlice("topics", topics))

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}

	go b.consumeLoop(ctx, topics, &domainEventHandler{
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	})
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

// topicsFor returns the distinct topics carrying eventTypes.
func (b *EventBus) topicsFor(eventTypes []events.EventType) ([]string, error) {
	seen := make(map[string]struct{})
	var topics []string
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			return nil, fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics, nil
}

// consumeLoop rejoins the consumer group after every rebalance until ctx ends.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, h *domainEventHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler and turns Kafka
// messages back into domain events.
type domainEventHandler struct {
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim handles the messages of one partition. Messages that cannot be
// decoded or whose type was not subscribed to are skipped and marked.
func (h *domainEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logr := h.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	lastCommit := time.Now()

	for msg := range claim.Messages() {
		h.handle(sess, msg, logr)

		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	sess.Commit()
	return nil
}

func (h *domainEventHandler) handle(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, logr *logger.Logger) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payload, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		logr.Warn(msgCtx, "Skipping undecodable message", "offset", msg.Offset, "error", err)
		span.RecordError(err)
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
		return
	}
	span.SetAttributes(attribute.String("event.type", string(evtType)))

	if _, ok := h.wanted[evtType]; !ok {
		sess.MarkMessage(msg, "")
		return
	}

	env := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}
	for _, hdr := range msg.Headers {
		if hdr == nil {
			continue
		}
		if env.Headers == nil {
			env.Headers = make(map[string]string, len(msg.Headers))
		}
		env.Headers[string(hdr.Key)] = string(hdr.Value)
	}

	ack := func(err error) {
		if err != nil {
			logr.Error(msgCtx, "Handler rejected message", "offset", msg.Offset, "error", err)
			span.RecordError(err)
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			return
		}
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
	}

	if err := h.userHandler(msgCtx, env, ack); err != nil {
		logr.Error(msgCtx, "Failed to handle message", "offset", msg.Offset, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
}

// Close shuts down the producer and, when present, the consumer group.
func (b *EventBus) Close() error {
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		b.logger.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	b.logger.Info(ctx, "Closed event bus")
	return nil
}
