// Package kafka provides the catalog change event producer.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/openthreat/openthreat/pkg/config"
)

// Event types emitted on the ingestion path.
const (
	EventVulnerabilityCreated = "vulnerability.created"
	EventVulnerabilityUpdated = "vulnerability.updated"
)

// Producer is a Kafka message producer.
type Producer struct {
	producer sarama.SyncProducer
	topics   map[string]string
	logger   *slog.Logger
}

// Event is the base structure for all events.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates an event envelope for the pipeline.
func NewEvent(eventType string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "openthreat-pipeline",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewProducer creates a new Kafka producer. Returns nil without error when
// no brokers are configured; callers treat a nil producer as disabled.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		topics: map[string]string{
			EventVulnerabilityCreated: cfg.Topics.VulnerabilityCreated,
			EventVulnerabilityUpdated: cfg.Topics.VulnerabilityUpdated,
		},
		logger: slog.Default().With("component", "kafka-producer"),
	}, nil
}

// Publish publishes a message to the given topic.
func (p *Producer) Publish(ctx context.Context, topic string, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("message published",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// PublishEvent publishes an event on the topic configured for its type,
// keyed by the CVE ID so per-CVE events stay ordered. A nil producer is a
// no-op, as is an event type with no configured topic.
func (p *Producer) PublishEvent(ctx context.Context, cveID string, event Event) error {
	if p == nil {
		return nil
	}
	topic := p.topics[event.Type]
	if topic == "" {
		return nil
	}
	return p.Publish(ctx, topic, cveID, event)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Health checks the Kafka connection health.
func (p *Producer) Health(ctx context.Context, brokers []string) error {
	config := sarama.NewConfig()
	config.Net.DialTimeout = 5 * time.Second

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	defer client.Close()

	return nil
}
