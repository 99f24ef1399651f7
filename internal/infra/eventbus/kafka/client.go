package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

// ClientConfig contains everything needed to open a Kafka client.
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// NewClient creates a Kafka client shared by the producer and consumer group
// of one process.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Events of one source are keyed by its id and must stay ordered.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectEventBus opens a Kafka client and builds an EventBus on it, retrying
// while the brokers are unavailable.
func ConnectEventBus(
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(&ClientConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID})
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		var group sarama.ConsumerGroup
		if cfg.GroupID != "" {
			if group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, client); err != nil {
				producer.Close()
				client.Close()
				return fmt.Errorf("creating consumer group: %w", err)
			}
		}

		bus, err = NewEventBus(producer, group, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			if group != nil {
				group.Close()
			}
			client.Close()
			return backoff.Permanent(fmt.Errorf("creating event bus: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}

	return bus, nil
}
