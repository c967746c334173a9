package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"hookbridge/internal/platform/config"
)

// KafkaPublisher delivers events to a Kafka topic, keyed by tenant id so all
// events for one tenant land on the same partition in order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka creates a Kafka-backed publisher.
func NewKafka(cfg config.Kafka, logger *slog.Logger) (*KafkaPublisher, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(cfg.Brokers, ",")...),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaPublisher{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

// Publish sends the event asynchronously. Delivery failures are logged only.
func (p *KafkaPublisher) Publish(_ context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", "type", e.Type, "error", err)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.TenantID),
		Value: value,
	}

	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("event delivery failed",
				"topic", r.Topic,
				"type", e.Type,
				"tenant_id", e.TenantID,
				"error", err,
			)
		}
	})
}

// Close flushes buffered events and releases the client.
func (p *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	p.client.Close()
}

// Health reports whether the Kafka client can reach the cluster.
func (p *KafkaPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}
